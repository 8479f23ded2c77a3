// Package translation implements the typed adapter for the text translation service.
package translation

// Package registry tracks live client connections and their activity timestamps.
// The registry is an injected, mutex-guarded table; its size always equals the number
// of open links.
package registry

// Package server exposes the relay over HTTP: the websocket event stream at the
// configured path and a small REST API for health, configuration, one-shot
// transcription and translation.
package server

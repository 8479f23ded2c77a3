// Package protocol defines the events exchanged with browser clients.
// Text frames carry a JSON envelope with base64 audio. Binary frames carry a
// length-prefixed JSON envelope followed by raw audio bytes.
package protocol

// Package transcription implements the typed adapter for the speech-to-text service.
// It sends a staged audio chunk as multipart form data and turns the service's
// {success, result, error} envelope into a tagged Result.
package transcription

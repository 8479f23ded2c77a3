// Package relay coordinates the per-chunk pipeline: stage the audio, transcribe it,
// emit the transcript, translate when asked, and release the staged audio whatever
// happened. Each chunk runs independently; results are correlated by sessionId only.
package relay

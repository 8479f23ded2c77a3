// Package audio identifies uploaded audio containers from their leading bytes and reads
// WAV headers. It never decodes compressed audio; transcoding is the speech service's job.
package audio

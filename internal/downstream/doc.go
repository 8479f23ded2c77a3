// Package downstream implements the retrying HTTP client used to reach the speech-to-text
// and translation services. It retries transport failures with exponential backoff,
// provides single-attempt health probes, and decodes the {success, result, error}
// envelope both services answer with.
package downstream

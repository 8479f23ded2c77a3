package audio

import "bytes"

// Format is an audio container recognised by its leading bytes
type Format string

const (
	FormatUnknown Format = ""
	FormatWebM    Format = "webm"
	FormatOgg     Format = "ogg"
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatM4A     Format = "m4a"
)

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggMagic  = []byte("OggS")
	id3Magic  = []byte("ID3")
)

// Detect identifies the container of data. Matroska is reported as webm since browsers
// only record that flavour.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, ebmlMagic):
		return FormatWebM
	case bytes.HasPrefix(data, oggMagic):
		return FormatOgg
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case bytes.HasPrefix(data, id3Magic):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync
		return FormatMP3
	case len(data) >= 8 && string(data[4:8]) == "ftyp":
		return FormatM4A
	}
	return FormatUnknown
}

// MimeType returns the MIME type the speech service expects for f, or "" when unknown
func (f Format) MimeType() string {
	switch f {
	case FormatWebM:
		return "audio/webm"
	case FormatOgg:
		return "audio/ogg"
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatM4A:
		return "audio/mp4"
	}
	return ""
}

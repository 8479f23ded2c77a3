package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	fmtChunkMinSize = 16
)

// WAVInfo describes the stream carried by a WAV file
type WAVInfo struct {
	AudioFormat   uint16  `json:"audio_format"` // 1 for PCM
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
}

// InspectWAV validates a WAV header and returns its stream description. Chunks other than
// "fmt " and "data" (LIST, fact, ...) are skipped. A data chunk that claims more bytes
// than are present, as streaming encoders often write, is measured by what is present.
func InspectWAV(data []byte) (*WAVInfo, error) {
	if len(data) < riffHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", riffHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		info    WAVInfo
		haveFmt bool
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		id := string(data[offset : offset+4])
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		body := offset + chunkHeaderSize

		switch id {
		case "fmt ":
			if size < fmtChunkMinSize || body+fmtChunkMinSize > len(data) {
				return nil, fmt.Errorf("invalid WAV file: truncated fmt chunk")
			}
			info.AudioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			info.Channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			available := uint32(len(data) - body)
			if size > available {
				size = available
			}
			info.DataSize = size
			if err := info.validate(); err != nil {
				return nil, err
			}
			bytesPerSecond := float64(info.SampleRate) * float64(info.Channels) * float64(info.BitsPerSample) / 8
			info.Duration = float64(info.DataSize) / bytesPerSecond
			return &info, nil
		}

		// Chunks are word aligned
		next := body + int(size) + int(size&1)
		if next <= offset || next > len(data) {
			break
		}
		offset = next
	}

	if !haveFmt {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	return nil, fmt.Errorf("invalid WAV file: missing data chunk")
}

func (w *WAVInfo) validate() error {
	if w.SampleRate == 0 {
		return fmt.Errorf("invalid sample rate: 0")
	}
	if w.Channels == 0 {
		return fmt.Errorf("invalid channel count: 0")
	}
	if w.BitsPerSample == 0 || w.BitsPerSample%8 != 0 {
		return fmt.Errorf("unsupported bit depth: %d", w.BitsPerSample)
	}
	return nil
}

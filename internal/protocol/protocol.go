package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound events
const (
	EventAudioChunk      = "audio_chunk"
	EventAudioTranscribe = "audio_transcribe"
	EventTranslate       = "translate_request"
	EventDetectLanguage  = "detect_language"
	EventPing            = "ping"
)

// Outbound events
const (
	EventConnectionConfirmed = "connection_confirmed"
	EventTranscriptionResult = "transcription_result"
	EventTranslationResult   = "translation_result"
	EventLanguageDetected    = "language_detected"
	EventPong                = "pong"
	EventError               = "error"
)

// Error event types
const (
	ErrorTypeValidation        = "validation"
	ErrorTypeProtocol          = "protocol"
	ErrorTypeUnknownEvent      = "unknown_event"
	ErrorTypeLanguageDetection = "language_detection"
	ErrorTypeInternal          = "internal"
)

// Binary frame layout: [MetaLen:4][Meta:MetaLen][Audio:N]
const (
	FrameHeaderSize = 4
	MaxMetaSize     = 64 << 10
)

// NoTranslation is the target language value that disables translation
const NoTranslation = "none"

// Envelope wraps every event on the wire
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AudioChunk is the inbound audio_chunk payload
type AudioChunk struct {
	Audio      []byte `json:"audio"`
	Language   string `json:"language,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
	SessionID  string `json:"sessionId"`
	MimeType   string `json:"mimeType,omitempty"`
}

// LegacyAudioChunk is the inbound audio_transcribe payload, which carries the same
// request under older field names
type LegacyAudioChunk struct {
	AudioData      []byte `json:"audioData"`
	Language       string `json:"language,omitempty"`
	SessionID      string `json:"sessionId"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
	AudioFormat    string `json:"audioFormat,omitempty"`
}

// Normalize converts a legacy payload to an AudioChunk
func (l LegacyAudioChunk) Normalize() AudioChunk {
	mimeType := strings.TrimSpace(l.AudioFormat)
	switch {
	case mimeType == "":
		mimeType = "audio/webm"
	case !strings.Contains(mimeType, "/"):
		// older clients send the bare container name, e.g. "wav"
		mimeType = "audio/" + mimeType
	}
	return AudioChunk{
		Audio:      l.AudioData,
		Language:   l.Language,
		TargetLang: l.TargetLanguage,
		SessionID:  l.SessionID,
		MimeType:   mimeType,
	}
}

// TranslateRequest is the inbound translate_request payload
type TranslateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	SessionID  string `json:"sessionId"`
}

// DetectLanguageRequest is the inbound detect_language payload
type DetectLanguageRequest struct {
	Text string `json:"text"`
}

// TranscriptionResult is the outbound transcription_result payload
type TranscriptionResult struct {
	Success    bool     `json:"success"`
	Text       string   `json:"text,omitempty"`
	Language   string   `json:"language,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
	SessionID  string   `json:"sessionId"`
	Timestamp  string   `json:"timestamp"`
}

// TranslationResult is the outbound translation_result payload
type TranslationResult struct {
	Success        bool     `json:"success"`
	TranslatedText string   `json:"translatedText,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Error          string   `json:"error,omitempty"`
	SessionID      string   `json:"sessionId"`
	Timestamp      string   `json:"timestamp"`
}

// ConnectionConfirmed is sent once after the link opens
type ConnectionConfirmed struct {
	SocketID  string `json:"socketId"`
	Timestamp string `json:"timestamp"`
}

// Pong answers a ping
type Pong struct {
	Timestamp string `json:"timestamp"`
}

// LanguageDetected answers detect_language
type LanguageDetected struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

// ErrorEvent reports a failure that has no result event of its own
type ErrorEvent struct {
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Timestamp formats t as UTC ISO-8601 with milliseconds
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Encode builds a text frame for an outbound event
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// ParseText decodes a JSON text frame
func ParseText(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("event name missing")
	}
	return &env, nil
}

// ParseFrame decodes a binary frame: a big-endian length, a JSON envelope of that length,
// then raw audio. The audio is returned separately so callers can attach it to the
// payload without a base64 round trip.
func ParseFrame(frame []byte) (*Envelope, []byte, error) {
	if len(frame) < FrameHeaderSize {
		return nil, nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", FrameHeaderSize, len(frame))
	}

	metaLen := binary.BigEndian.Uint32(frame[0:FrameHeaderSize])
	if metaLen == 0 || metaLen > MaxMetaSize {
		return nil, nil, fmt.Errorf("invalid metadata length %d", metaLen)
	}
	if uint64(len(frame)) < uint64(FrameHeaderSize)+uint64(metaLen) {
		return nil, nil, fmt.Errorf("frame truncated: metadata length %d, frame %d bytes", metaLen, len(frame))
	}

	env, err := ParseText(frame[FrameHeaderSize : FrameHeaderSize+metaLen])
	if err != nil {
		return nil, nil, err
	}

	audio := frame[FrameHeaderSize+metaLen:]
	if len(audio) == 0 {
		return env, nil, nil
	}
	out := make([]byte, len(audio))
	copy(out, audio)
	return env, out, nil
}

// EncodeFrame builds a binary frame carrying an event envelope and raw audio
func EncodeFrame(event string, payload any, audio []byte) ([]byte, error) {
	meta, err := Encode(event, payload)
	if err != nil {
		return nil, err
	}
	if len(meta) > MaxMetaSize {
		return nil, fmt.Errorf("metadata too large: %d bytes", len(meta))
	}

	frame := make([]byte, FrameHeaderSize+len(meta)+len(audio))
	binary.BigEndian.PutUint32(frame[0:FrameHeaderSize], uint32(len(meta)))
	copy(frame[FrameHeaderSize:], meta)
	copy(frame[FrameHeaderSize+len(meta):], audio)
	return frame, nil
}

// DecodeAudioChunk decodes an audio_chunk or audio_transcribe payload. Binary audio taken
// from a frame overrides any audio in the JSON data.
func DecodeAudioChunk(env *Envelope, audio []byte) (AudioChunk, error) {
	var chunk AudioChunk

	switch env.Event {
	case EventAudioChunk:
		if err := decodeData(env.Data, &chunk); err != nil {
			return AudioChunk{}, err
		}
	case EventAudioTranscribe:
		var legacy LegacyAudioChunk
		if err := decodeData(env.Data, &legacy); err != nil {
			return AudioChunk{}, err
		}
		chunk = legacy.Normalize()
	default:
		return AudioChunk{}, fmt.Errorf("event %q is not an audio event", env.Event)
	}

	if audio != nil {
		chunk.Audio = audio
	}
	return chunk, nil
}

// Decode decodes an envelope's data into v
func Decode(env *Envelope, v any) error {
	return decodeData(env.Data, v)
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// SessionIDOf extracts a sessionId from a possibly malformed payload
func SessionIDOf(env *Envelope) string {
	var probe struct {
		SessionID any `json:"sessionId"`
	}
	if err := json.Unmarshal(env.Data, &probe); err != nil {
		return ""
	}
	if s, ok := probe.SessionID.(string); ok {
		return s
	}
	return ""
}

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cty-ut/real-time-translation/internal/downstream"
	"github.com/cty-ut/real-time-translation/internal/protocol"
	"github.com/cty-ut/real-time-translation/internal/staging"
	"github.com/cty-ut/real-time-translation/internal/transcription"
	"github.com/cty-ut/real-time-translation/internal/translation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type emitted struct {
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (e *recordingEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{event: event, payload: payload})
	return e.err
}

func (e *recordingEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

type stubService struct {
	calls    atomic.Int32
	response string
	status   int
}

func (s *stubService) handler(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	if s.status != 0 {
		w.WriteHeader(s.status)
	}
	io.WriteString(w, s.response)
}

type fixture struct {
	orchestrator *Orchestrator
	stager       *staging.Stager
	whisper      *stubService
	translator   *stubService
}

func newFixture(t *testing.T, whisperResponse, translatorResponse string) *fixture {
	t.Helper()

	whisper := &stubService{response: whisperResponse}
	whisperSrv := httptest.NewServer(http.HandlerFunc(whisper.handler))
	t.Cleanup(whisperSrv.Close)

	translator := &stubService{response: translatorResponse}
	translatorSrv := httptest.NewServer(http.HandlerFunc(translator.handler))
	t.Cleanup(translatorSrv.Close)

	stager, err := staging.NewStager(staging.Config{Dir: filepath.Join(t.TempDir(), "uploads")}, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create stager: %v", err)
	}

	invoker := downstream.NewClient(downstream.Config{MaxRetries: 1}, testLogger(), nil)
	transcriber, err := transcription.NewClient(transcription.Config{BaseURL: whisperSrv.URL, Timeout: 5 * time.Second}, invoker, stager, testLogger())
	if err != nil {
		t.Fatalf("Failed to create transcription client: %v", err)
	}
	translatorClient, err := translation.NewClient(translation.Config{BaseURL: translatorSrv.URL, Timeout: 5 * time.Second}, invoker, testLogger())
	if err != nil {
		t.Fatalf("Failed to create translation client: %v", err)
	}

	f := &fixture{
		orchestrator: New(stager, transcriber, translatorClient, testLogger(), nil),
		stager:       stager,
		whisper:      whisper,
		translator:   translator,
	}
	t.Cleanup(func() { f.assertStagingEmpty(t) })
	return f
}

func (f *fixture) assertStagingEmpty(t *testing.T) {
	t.Helper()
	pending, err := f.stager.Pending()
	if err != nil {
		t.Fatalf("Failed to count staged files: %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected empty staging area, found %d files", pending)
	}
}

func opusBlob() []byte {
	blob := make([]byte, 200)
	copy(blob, []byte{0x1A, 0x45, 0xDF, 0xA3})
	for i := 4; i < len(blob); i++ {
		blob[i] = byte(i)
	}
	return blob
}

func TestProcessChunkTranscribesAndTranslates(t *testing.T) {
	f := newFixture(t,
		`{"success":true,"result":{"text":"こんにちは","language":"ja"}}`,
		`{"success":true,"result":{"translated_text":"Hello"}}`,
	)
	emitter := &recordingEmitter{}

	f.orchestrator.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{
		Audio:      opusBlob(),
		Language:   "ja",
		TargetLang: "en",
		SessionID:  "abc",
		MimeType:   "audio/webm;codecs=opus",
	})

	events := emitter.all()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %+v", len(events), events)
	}

	if events[0].event != protocol.EventTranscriptionResult {
		t.Fatalf("Expected transcription_result first, got %s", events[0].event)
	}
	transcript := events[0].payload.(protocol.TranscriptionResult)
	if !transcript.Success || transcript.Text != "こんにちは" || transcript.Language != "ja" || transcript.SessionID != "abc" {
		t.Errorf("Unexpected transcription result %+v", transcript)
	}
	if transcript.Timestamp == "" {
		t.Error("Expected a timestamp")
	}

	if events[1].event != protocol.EventTranslationResult {
		t.Fatalf("Expected translation_result second, got %s", events[1].event)
	}
	translated := events[1].payload.(protocol.TranslationResult)
	if !translated.Success || translated.TranslatedText != "Hello" || translated.SessionID != "abc" {
		t.Errorf("Unexpected translation result %+v", translated)
	}
}

func TestProcessChunkTranscriptionFailure(t *testing.T) {
	f := newFixture(t,
		`{"success":false,"error":"model overloaded"}`,
		`{"success":true,"result":{"translated_text":"Hello"}}`,
	)
	emitter := &recordingEmitter{}

	f.orchestrator.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{
		Audio:      opusBlob(),
		Language:   "ja",
		TargetLang: "en",
		SessionID:  "abc",
	})

	events := emitter.all()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d: %+v", len(events), events)
	}
	result := events[0].payload.(protocol.TranscriptionResult)
	if events[0].event != protocol.EventTranscriptionResult || result.Success || result.SessionID != "abc" {
		t.Errorf("Unexpected event %s %+v", events[0].event, result)
	}
	if !strings.HasPrefix(result.Error, "Transcription failed: ") || !strings.HasSuffix(result.Error, "model overloaded") {
		t.Errorf("Unexpected error message %q", result.Error)
	}
	if f.translator.calls.Load() != 0 {
		t.Errorf("Expected no translation calls, got %d", f.translator.calls.Load())
	}
}

func TestProcessChunkTransportFailure(t *testing.T) {
	f := newFixture(t, "", "")
	f.whisper.status = http.StatusBadGateway
	emitter := &recordingEmitter{}

	f.orchestrator.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{
		Audio:      opusBlob(),
		TargetLang: "en",
		SessionID:  "s-502",
	})

	events := emitter.all()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	result := events[0].payload.(protocol.TranscriptionResult)
	if result.Success || !strings.Contains(result.Error, "HTTP 502") {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestProcessChunkValidationDoesNoIO(t *testing.T) {
	tests := []struct {
		name    string
		chunk   protocol.AudioChunk
		missing string
	}{
		{"missing audio", protocol.AudioChunk{SessionID: "abc", TargetLang: "en"}, "audio"},
		{"missing session", protocol.AudioChunk{Audio: opusBlob()}, "sessionId"},
		{"missing both", protocol.AudioChunk{}, "audio, sessionId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, `{"success":true,"result":{"text":"x"}}`, `{"success":true,"result":{"translated_text":"y"}}`)
			emitter := &recordingEmitter{}

			f.orchestrator.ProcessChunk(context.Background(), emitter, tt.chunk)

			events := emitter.all()
			if len(events) != 1 || events[0].event != protocol.EventError {
				t.Fatalf("Expected a single error event, got %+v", events)
			}
			errEvent := events[0].payload.(protocol.ErrorEvent)
			if errEvent.Type != protocol.ErrorTypeValidation || !strings.Contains(errEvent.Details, tt.missing) {
				t.Errorf("Unexpected error event %+v", errEvent)
			}
			if errEvent.SessionID != tt.chunk.SessionID {
				t.Errorf("Expected sessionId %q echoed, got %q", tt.chunk.SessionID, errEvent.SessionID)
			}
			if f.whisper.calls.Load() != 0 || f.translator.calls.Load() != 0 {
				t.Errorf("Expected no downstream calls, got whisper=%d translator=%d",
					f.whisper.calls.Load(), f.translator.calls.Load())
			}
		})
	}
}

func TestProcessChunkSkipsTranslation(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		language   string
		target     string
	}{
		{"no target", `{"success":true,"result":{"text":"hello","language":"en"}}`, "", ""},
		{"target none", `{"success":true,"result":{"text":"hello","language":"en"}}`, "", "none"},
		{"same language", `{"success":true,"result":{"text":"こんにちは","language":"ja"}}`, "", "ja"},
		{"declared language matches", `{"success":true,"result":{"text":"hola"}}`, "es", "es"},
		{"blank text", `{"success":true,"result":{"text":"   ","language":"ja"}}`, "ja", "en"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.transcript, `{"success":true,"result":{"translated_text":"unused"}}`)
			emitter := &recordingEmitter{}

			f.orchestrator.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{
				Audio:      opusBlob(),
				Language:   tt.language,
				TargetLang: tt.target,
				SessionID:  "skip",
			})

			events := emitter.all()
			if len(events) != 1 || events[0].event != protocol.EventTranscriptionResult {
				t.Fatalf("Expected only a transcription_result, got %+v", events)
			}
			if !events[0].payload.(protocol.TranscriptionResult).Success {
				t.Errorf("Expected successful transcription, got %+v", events[0].payload)
			}
			if f.translator.calls.Load() != 0 {
				t.Errorf("Expected no translation calls, got %d", f.translator.calls.Load())
			}
		})
	}
}

func TestProcessChunkTranslationFailureKeepsTranscript(t *testing.T) {
	f := newFixture(t,
		`{"success":true,"result":{"text":"こんにちは","language":"ja"}}`,
		`{"success":false,"error":"Unsupported translation direction: ja -> xx"}`,
	)
	emitter := &recordingEmitter{}

	f.orchestrator.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{
		Audio:      opusBlob(),
		TargetLang: "xx",
		SessionID:  "abc",
	})

	events := emitter.all()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if !events[0].payload.(protocol.TranscriptionResult).Success {
		t.Error("Transcript must be emitted as a success")
	}
	translated := events[1].payload.(protocol.TranslationResult)
	if translated.Success || translated.SessionID != "abc" {
		t.Errorf("Unexpected translation result %+v", translated)
	}
	if !strings.HasPrefix(translated.Error, "Translation failed: ") || !strings.Contains(translated.Error, "Unsupported translation direction") {
		t.Errorf("Unexpected error message %q", translated.Error)
	}
}

func TestProcessChunkStagingFailure(t *testing.T) {
	stager, err := staging.NewStager(staging.Config{Dir: t.TempDir(), MaxSize: 10}, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create stager: %v", err)
	}
	transcriber := &panickingTranscriber{}
	o := New(stager, transcriber, nil, testLogger(), nil)
	emitter := &recordingEmitter{}

	o.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{Audio: opusBlob(), SessionID: "big"})

	events := emitter.all()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	result := events[0].payload.(protocol.TranscriptionResult)
	if result.Success || result.SessionID != "big" || !strings.HasPrefix(result.Error, "Transcription failed: ") {
		t.Errorf("Unexpected result %+v", result)
	}
	if transcriber.calls.Load() != 0 {
		t.Error("Transcriber must not run when staging fails")
	}
}

type panickingTranscriber struct {
	calls atomic.Int32
}

func (p *panickingTranscriber) Transcribe(context.Context, *staging.Handle, string) (transcription.Result, error) {
	p.calls.Add(1)
	panic("decoder exploded")
}

func TestProcessChunkRecoversPanicAndReleases(t *testing.T) {
	stager, err := staging.NewStager(staging.Config{Dir: t.TempDir()}, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create stager: %v", err)
	}
	o := New(stager, &panickingTranscriber{}, nil, testLogger(), nil)
	emitter := &recordingEmitter{}

	o.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{Audio: opusBlob(), SessionID: "boom"})

	events := emitter.all()
	if len(events) != 1 || events[0].event != protocol.EventTranscriptionResult {
		t.Fatalf("Expected one transcription_result, got %+v", events)
	}
	result := events[0].payload.(protocol.TranscriptionResult)
	if result.Success || !strings.Contains(result.Error, "decoder exploded") {
		t.Errorf("Unexpected result %+v", result)
	}

	pending, err := stager.Pending()
	if err != nil || pending != 0 {
		t.Errorf("Expected empty staging area, got %d (%v)", pending, err)
	}
}

func TestProcessChunkClosedEmitterStillCleansUp(t *testing.T) {
	f := newFixture(t,
		`{"success":true,"result":{"text":"こんにちは","language":"ja"}}`,
		`{"success":true,"result":{"translated_text":"Hello"}}`,
	)
	emitter := &recordingEmitter{err: errors.New("connection closed")}

	f.orchestrator.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{
		Audio:      opusBlob(),
		TargetLang: "en",
		SessionID:  "gone",
	})

	// The pipeline runs to completion even when nobody is listening
	if f.translator.calls.Load() != 1 {
		t.Errorf("Expected translation to run, got %d calls", f.translator.calls.Load())
	}
}

func TestConcurrentChunksEachGetOneTranscript(t *testing.T) {
	f := newFixture(t,
		`{"success":true,"result":{"text":"こんにちは","language":"ja"}}`,
		`{"success":true,"result":{"translated_text":"Hello"}}`,
	)
	emitter := &recordingEmitter{}

	const chunks = 20
	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.orchestrator.ProcessChunk(context.Background(), emitter, protocol.AudioChunk{
				Audio:      opusBlob(),
				TargetLang: "en",
				SessionID:  "s" + string(rune('a'+i)),
			})
		}(i)
	}
	wg.Wait()

	transcripts := make(map[string]int)
	translations := make(map[string]int)
	for _, e := range emitter.all() {
		switch p := e.payload.(type) {
		case protocol.TranscriptionResult:
			transcripts[p.SessionID]++
		case protocol.TranslationResult:
			translations[p.SessionID]++
		}
	}
	if len(transcripts) != chunks || len(translations) != chunks {
		t.Fatalf("Expected %d sessions, got %d transcripts and %d translations", chunks, len(transcripts), len(translations))
	}
	for id, n := range transcripts {
		if n != 1 || translations[id] != 1 {
			t.Errorf("Session %s: %d transcripts, %d translations", id, n, translations[id])
		}
	}
}

func TestProcessTranslateRequest(t *testing.T) {
	f := newFixture(t, "", `{"success":true,"result":{"translated_text":"Hello","confidence":0.9}}`)

	t.Run("success", func(t *testing.T) {
		emitter := &recordingEmitter{}
		f.orchestrator.ProcessTranslateRequest(context.Background(), emitter, protocol.TranslateRequest{
			Text: "こんにちは", SourceLang: "ja", TargetLang: "en", SessionID: "t1",
		})
		events := emitter.all()
		if len(events) != 1 || events[0].event != protocol.EventTranslationResult {
			t.Fatalf("Expected one translation_result, got %+v", events)
		}
		result := events[0].payload.(protocol.TranslationResult)
		if !result.Success || result.TranslatedText != "Hello" || result.SessionID != "t1" {
			t.Errorf("Unexpected result %+v", result)
		}
	})

	t.Run("validation", func(t *testing.T) {
		before := f.translator.calls.Load()
		emitter := &recordingEmitter{}
		f.orchestrator.ProcessTranslateRequest(context.Background(), emitter, protocol.TranslateRequest{
			Text: "こんにちは", TargetLang: "en", SessionID: "t2",
		})
		events := emitter.all()
		if len(events) != 1 || events[0].event != protocol.EventError {
			t.Fatalf("Expected one error event, got %+v", events)
		}
		if events[0].payload.(protocol.ErrorEvent).Type != protocol.ErrorTypeValidation {
			t.Errorf("Unexpected error event %+v", events[0].payload)
		}
		if f.translator.calls.Load() != before {
			t.Error("Validation failure must not reach the translator")
		}
	})
}

func TestDetectLanguageEvent(t *testing.T) {
	o := New(nil, nil, nil, testLogger(), nil)
	emitter := &recordingEmitter{}

	o.DetectLanguage(emitter, protocol.DetectLanguageRequest{Text: "안녕하세요"})

	events := emitter.all()
	if len(events) != 1 || events[0].event != protocol.EventLanguageDetected {
		t.Fatalf("Expected language_detected, got %+v", events)
	}
	detected := events[0].payload.(protocol.LanguageDetected)
	if detected.Language != "ko" || detected.Confidence != 0.8 || detected.Text != "안녕하세요" {
		t.Errorf("Unexpected detection %+v", detected)
	}
}

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cty-ut/real-time-translation/internal/protocol"
	"github.com/cty-ut/real-time-translation/internal/relayerr"
	"github.com/cty-ut/real-time-translation/internal/staging"
	"github.com/cty-ut/real-time-translation/internal/transcription"
	"github.com/cty-ut/real-time-translation/internal/translation"
)

// Chunk outcomes reported to the Recorder
const (
	OutcomeInvalid             = "invalid"
	OutcomeStagingFailed       = "staging_failed"
	OutcomeTranscriptionFailed = "transcription_failed"
	OutcomeTranscribed         = "transcribed"
	OutcomeTranslated          = "translated"
	OutcomeTranslationFailed   = "translation_failed"
	OutcomePanic               = "panic"
)

// Pipeline stages reported to the Recorder
const (
	StageStaging       = "staging"
	StageTranscription = "transcription"
	StageTranslation   = "translation"
)

// Stager stages chunk audio and releases it
type Stager interface {
	Stage(data []byte, mimeType, sessionID string) (*staging.Handle, error)
	Release(h *staging.Handle)
}

// Transcriber turns staged audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, h *staging.Handle, language string) (transcription.Result, error)
}

// Translator translates text between languages
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (translation.Result, error)
}

// Emitter sends an outbound event to the client that owns the request
type Emitter interface {
	Emit(event string, payload any) error
}

// Recorder receives pipeline metrics
type Recorder interface {
	RecordChunk(outcome string)
	ObserveStage(stage string, seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordChunk(string)           {}
func (nopRecorder) ObserveStage(string, float64) {}

// Orchestrator runs the per-chunk relay pipeline. It holds no per-chunk state, so one
// instance serves every connection.
type Orchestrator struct {
	stager      Stager
	transcriber Transcriber
	translator  Translator
	logger      *slog.Logger
	recorder    Recorder

	now func() time.Time
}

// New creates an orchestrator. A nil recorder disables metrics.
func New(stager Stager, transcriber Transcriber, translator Translator, logger *slog.Logger, recorder Recorder) *Orchestrator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Orchestrator{
		stager:      stager,
		transcriber: transcriber,
		translator:  translator,
		logger:      logger,
		recorder:    recorder,
		now:         time.Now,
	}
}

// chunkRun tracks which result events one chunk has produced so a recovered panic
// never emits a second transcription_result.
type chunkRun struct {
	sessionID   string
	transcribed bool
	translating bool
}

// ProcessChunk runs one audio chunk through validate, stage, transcribe and the optional
// translate step. It emits exactly one transcription_result for every valid chunk and at
// most one translation_result, and always releases the staged audio before returning.
// Failures become result events; nothing is returned to the caller.
func (o *Orchestrator) ProcessChunk(ctx context.Context, emitter Emitter, chunk protocol.AudioChunk) {
	logger := o.logger.With(slog.String("session_id", chunk.SessionID))

	if err := validateChunk(chunk); err != nil {
		o.recorder.RecordChunk(OutcomeInvalid)
		logger.Warn("Rejected audio chunk", slog.String("error", err.Error()))
		o.emit(emitter, logger, protocol.EventError, protocol.ErrorEvent{
			Message:   "Invalid audio chunk",
			Details:   err.Error(),
			Type:      protocol.ErrorTypeValidation,
			SessionID: chunk.SessionID,
		})
		return
	}

	run := &chunkRun{sessionID: chunk.SessionID}

	start := o.now()
	h, err := o.stager.Stage(chunk.Audio, chunk.MimeType, chunk.SessionID)
	o.recorder.ObserveStage(StageStaging, o.now().Sub(start).Seconds())
	if err != nil {
		o.recorder.RecordChunk(OutcomeStagingFailed)
		logger.Error("Failed to stage audio", slog.String("error", err.Error()))
		o.failTranscription(emitter, logger, run, err)
		return
	}

	defer o.stager.Release(h)
	defer func() {
		if r := recover(); r != nil {
			o.recorder.RecordChunk(OutcomePanic)
			logger.Error("Recovered from panic in chunk pipeline", slog.Any("panic", r))
			o.recoverRun(emitter, logger, run, fmt.Errorf("internal error: %v", r))
		}
	}()

	logger.Debug("Staged audio chunk",
		slog.String("file", h.Name),
		slog.Int("size", h.Size),
		slog.String("mime_type", h.MimeType),
	)

	start = o.now()
	result, err := o.transcriber.Transcribe(ctx, h, chunk.Language)
	o.recorder.ObserveStage(StageTranscription, o.now().Sub(start).Seconds())
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		o.recorder.RecordChunk(OutcomeTranscriptionFailed)
		logger.Error("Transcription failed",
			slog.String("error", err.Error()),
			slog.String("kind", kindName(err)),
		)
		o.failTranscription(emitter, logger, run, err)
		return
	}

	transcript := result.Transcript
	run.transcribed = true
	o.emit(emitter, logger, protocol.EventTranscriptionResult, protocol.TranscriptionResult{
		Success:    true,
		Text:       transcript.Text,
		Language:   transcript.Language,
		Confidence: transcript.Confidence,
		SessionID:  chunk.SessionID,
		Timestamp:  protocol.Timestamp(o.now()),
	})
	logger.Info("Transcription completed",
		slog.String("language", transcript.Language),
		slog.Int("text_length", len(transcript.Text)),
	)

	sourceLang := sourceLanguage(transcript.Language, chunk.Language)
	if !shouldTranslate(transcript.Text, sourceLang, chunk.TargetLang) {
		o.recorder.RecordChunk(OutcomeTranscribed)
		logger.Debug("Translation skipped",
			slog.String("source_lang", sourceLang),
			slog.String("target_lang", chunk.TargetLang),
		)
		return
	}

	run.translating = true
	if o.translate(ctx, emitter, logger, chunk.SessionID, transcript.Text, sourceLang, chunk.TargetLang) {
		o.recorder.RecordChunk(OutcomeTranslated)
	} else {
		o.recorder.RecordChunk(OutcomeTranslationFailed)
	}
	run.translating = false
}

// ProcessTranslateRequest translates text supplied directly by the client
func (o *Orchestrator) ProcessTranslateRequest(ctx context.Context, emitter Emitter, req protocol.TranslateRequest) {
	logger := o.logger.With(slog.String("session_id", req.SessionID))

	if err := validateTranslateRequest(req); err != nil {
		logger.Warn("Rejected translate request", slog.String("error", err.Error()))
		o.emit(emitter, logger, protocol.EventError, protocol.ErrorEvent{
			Message:   "Invalid translate request",
			Details:   err.Error(),
			Type:      protocol.ErrorTypeValidation,
			SessionID: req.SessionID,
		})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in translate request", slog.Any("panic", r))
			o.failTranslation(emitter, logger, req.SessionID, fmt.Errorf("internal error: %v", r))
		}
	}()

	o.translate(ctx, emitter, logger, req.SessionID, req.Text, req.SourceLang, req.TargetLang)
}

// DetectLanguage answers a detect_language event from the text's script
func (o *Orchestrator) DetectLanguage(emitter Emitter, req protocol.DetectLanguageRequest) {
	detection := protocol.DetectLanguage(req.Text)
	o.emit(emitter, o.logger, protocol.EventLanguageDetected, protocol.LanguageDetected{
		Text:       req.Text,
		Language:   detection.Language,
		Confidence: detection.Confidence,
		Timestamp:  protocol.Timestamp(o.now()),
	})
}

// translate emits exactly one translation_result and reports whether it succeeded
func (o *Orchestrator) translate(ctx context.Context, emitter Emitter, logger *slog.Logger, sessionID, text, sourceLang, targetLang string) bool {
	start := o.now()
	result, err := o.translator.Translate(ctx, text, sourceLang, targetLang)
	o.recorder.ObserveStage(StageTranslation, o.now().Sub(start).Seconds())
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		logger.Error("Translation failed",
			slog.String("source_lang", sourceLang),
			slog.String("target_lang", targetLang),
			slog.String("error", err.Error()),
			slog.String("kind", kindName(err)),
		)
		o.failTranslation(emitter, logger, sessionID, err)
		return false
	}

	o.emit(emitter, logger, protocol.EventTranslationResult, protocol.TranslationResult{
		Success:        true,
		TranslatedText: result.Translation.Text,
		Confidence:     result.Translation.Confidence,
		SessionID:      sessionID,
		Timestamp:      protocol.Timestamp(o.now()),
	})
	logger.Info("Translation completed",
		slog.String("source_lang", sourceLang),
		slog.String("target_lang", targetLang),
	)
	return true
}

func (o *Orchestrator) failTranscription(emitter Emitter, logger *slog.Logger, run *chunkRun, err error) {
	run.transcribed = true
	o.emit(emitter, logger, protocol.EventTranscriptionResult, protocol.TranscriptionResult{
		Success:   false,
		Error:     "Transcription failed: " + err.Error(),
		SessionID: run.sessionID,
		Timestamp: protocol.Timestamp(o.now()),
	})
}

func (o *Orchestrator) failTranslation(emitter Emitter, logger *slog.Logger, sessionID string, err error) {
	o.emit(emitter, logger, protocol.EventTranslationResult, protocol.TranslationResult{
		Success:   false,
		Error:     "Translation failed: " + err.Error(),
		SessionID: sessionID,
		Timestamp: protocol.Timestamp(o.now()),
	})
}

// recoverRun emits whichever result event the interrupted run still owes
func (o *Orchestrator) recoverRun(emitter Emitter, logger *slog.Logger, run *chunkRun, err error) {
	switch {
	case !run.transcribed:
		o.failTranscription(emitter, logger, run, err)
	case run.translating:
		o.failTranslation(emitter, logger, run.sessionID, err)
	}
}

// emit sends an event. Emission is best effort: a closed link drops the event and the
// pipeline carries on.
func (o *Orchestrator) emit(emitter Emitter, logger *slog.Logger, event string, payload any) {
	if err := emitter.Emit(event, payload); err != nil {
		logger.Debug("Dropped outbound event",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func validateChunk(chunk protocol.AudioChunk) error {
	var missing []string
	if len(chunk.Audio) == 0 {
		missing = append(missing, "audio")
	}
	if chunk.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if len(missing) > 0 {
		return relayerr.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func validateTranslateRequest(req protocol.TranslateRequest) error {
	var missing []string
	if strings.TrimSpace(req.Text) == "" {
		missing = append(missing, "text")
	}
	if req.SourceLang == "" {
		missing = append(missing, "source_lang")
	}
	if req.TargetLang == "" {
		missing = append(missing, "target_lang")
	}
	if req.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if len(missing) > 0 {
		return relayerr.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// sourceLanguage prefers the detected language, then the declared one
func sourceLanguage(detected, declared string) string {
	switch {
	case detected != "":
		return detected
	case declared != "":
		return declared
	default:
		return "auto"
	}
}

func shouldTranslate(text, sourceLang, targetLang string) bool {
	if targetLang == "" || targetLang == protocol.NoTranslation {
		return false
	}
	if strings.EqualFold(targetLang, sourceLang) {
		return false
	}
	return strings.TrimSpace(text) != ""
}

func kindName(err error) string {
	if kind, ok := relayerr.KindOf(err); ok {
		return kind.String()
	}
	return "unclassified"
}

var (
	_ Stager      = (*staging.Stager)(nil)
	_ Transcriber = (*transcription.Client)(nil)
	_ Translator  = (*translation.Client)(nil)
)

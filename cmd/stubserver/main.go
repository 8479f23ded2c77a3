// Command stubserver runs stand-ins for the speech and translation services so the relay
// can be exercised locally without models.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type envelope struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type transcriptResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type translationResult struct {
	TranslatedText string  `json:"translated_text"`
	Confidence     float64 `json:"confidence"`
}

type stub struct {
	logger     *slog.Logger
	delay      time.Duration
	overloaded bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *stub) health(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "healthy",
			"service": name,
			"model":   "stub",
		})
	}
}

func (s *stub) transcribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Error parsing form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "No audio file provided"})
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Error reading audio file"})
		return
	}

	language := r.FormValue("language")
	s.logger.Info("Transcription request",
		slog.String("file", header.Filename),
		slog.String("content_type", header.Header.Get("Content-Type")),
		slog.Int("size", len(audio)),
		slog.String("language", language),
		slog.String("realtime", r.FormValue("realtime")),
	)

	time.Sleep(s.delay)

	if s.overloaded {
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: "model overloaded"})
		return
	}

	if language == "" {
		language = "ja"
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Result: transcriptResult{
			Text:       sampleText(language),
			Language:   language,
			Confidence: 0.95,
		},
	})
}

func (s *stub) translate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string `json:"text"`
		SourceLang string `json:"source_lang"`
		TargetLang string `json:"target_lang"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "Invalid JSON body"})
		return
	}

	s.logger.Info("Translation request",
		slog.String("source_lang", req.SourceLang),
		slog.String("target_lang", req.TargetLang),
		slog.Int("length", len(req.Text)),
	)

	time.Sleep(s.delay)

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Result: translationResult{
			TranslatedText: fmt.Sprintf("[%s] %s", strings.ToLower(req.TargetLang), req.Text),
			Confidence:     0.9,
		},
	})
}

func (s *stub) supportedLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"languages": []map[string]string{
			{"code": "en", "name": "English"},
			{"code": "ja", "name": "Japanese"},
			{"code": "zh", "name": "Chinese"},
			{"code": "ko", "name": "Korean"},
		},
	})
}

func sampleText(language string) string {
	switch language {
	case "ja":
		return "こんにちは"
	case "zh":
		return "你好"
	case "ko":
		return "안녕하세요"
	default:
		return "hello"
	}
}

func serve(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Stub listening", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	whisperAddr := flag.String("whisper-addr", ":8001", "Listen address of the speech stub")
	translatorAddr := flag.String("translator-addr", ":8002", "Listen address of the translation stub")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time per request")
	overloaded := flag.Bool("overloaded", false, "Make the speech stub reject every chunk with 'model overloaded'")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	s := &stub{logger: logger, delay: *delay, overloaded: *overloaded}

	whisper := http.NewServeMux()
	whisper.HandleFunc("GET /health", s.health("whisper"))
	whisper.HandleFunc("POST /transcribe", s.transcribe)

	translator := http.NewServeMux()
	translator.HandleFunc("GET /health", s.health("translator"))
	translator.HandleFunc("POST /translate", s.translate)
	translator.HandleFunc("GET /supported_languages", s.supportedLanguages)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(ctx, logger.With(slog.String("service", "whisper")), *whisperAddr, whisper)
	})
	g.Go(func() error {
		return serve(ctx, logger.With(slog.String("service", "translator")), *translatorAddr, translator)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Stub server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

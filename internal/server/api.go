package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/cty-ut/real-time-translation/internal/audio"
	"github.com/cty-ut/real-time-translation/internal/downstream"
	"github.com/cty-ut/real-time-translation/internal/protocol"
)

var supportedFormats = []string{"webm", "wav", "mp3", "m4a", "ogg"}

// multipartOverhead is the allowance for form fields and boundaries on top of the audio
const multipartOverhead = 1 << 20

// handleHealth probes both downstream services concurrently. Any unhealthy service
// turns the response into a 503.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	services := []struct{ name, url string }{
		{"whisper", h.config.Whisper.URL},
		{"translator", h.config.Translator.URL},
	}
	results := make([]downstream.HealthStatus, len(services))

	var g errgroup.Group
	for i, svc := range services {
		g.Go(func() error {
			results[i] = h.services.Downstream.CheckHealth(r.Context(), svc.name, svc.url)
			return nil
		})
	}
	g.Wait()

	status := downstream.StatusHealthy
	statusCode := http.StatusOK
	byName := make(map[string]downstream.HealthStatus, len(results))
	for _, result := range results {
		byName[result.Name] = result
		if !result.Healthy() {
			status = downstream.StatusUnhealthy
			statusCode = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"status":       status,
		"timestamp":    protocol.Timestamp(time.Now()),
		"uptime":       time.Since(h.startTime).Seconds(),
		"responseTime": fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		"environment":  h.config.Server.Environment,
		"version":      serviceVersion,
		"services":     byName,
	})
}

// handleInfo reports process information
func (h *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"name":        serviceName,
		"version":     serviceVersion,
		"description": "Real-time speech transcription and translation relay",
		"environment": h.config.Server.Environment,
		"uptime":      time.Since(h.startTime).Seconds(),
		"memory": map[string]any{
			"alloc":       humanize.Bytes(mem.Alloc),
			"heap_inuse":  humanize.Bytes(mem.HeapInuse),
			"sys":         humanize.Bytes(mem.Sys),
			"alloc_bytes": mem.Alloc,
			"num_gc":      mem.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"goVersion":  runtime.Version(),
		"downstream": h.services.Downstream.Stats(),
		"timestamp":  protocol.Timestamp(time.Now()),
	})
}

// handleConfig implements the /api/config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"services": map[string]any{
			"whisper": map[string]any{
				"url":     h.config.Whisper.URL,
				"enabled": true,
			},
			"translator": map[string]any{
				"url":     h.config.Translator.URL,
				"enabled": true,
			},
		},
		"features": map[string]any{
			"realtime_transcription": true,
			"translation":            true,
			"websocket":              true,
			"file_upload":            true,
		},
		"limits": map[string]any{
			"max_file_size":     h.config.Staging.MaxFileSize.String(),
			"supported_formats": supportedFormats,
		},
	})
}

// handleLanguages relays the translator's language listing
func (h *HTTPServer) handleLanguages(w http.ResponseWriter, r *http.Request) {
	languages, err := h.services.Translator.SupportedLanguages(r.Context())
	if err != nil {
		h.logger.Error("Failed to fetch supported languages", slog.String("error", err.Error()))
		writeFailure(w, http.StatusInternalServerError, "Failed to fetch supported languages")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(languages)
}

// handleTranscribe stages one uploaded file, transcribes it and releases it
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.config.Staging.MaxFileSize)+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeFailure(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Failed to read audio file")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	format := audio.Detect(data)
	if !isAudioUpload(mimeType, header.Filename) && format == audio.FormatUnknown {
		writeFailure(w, http.StatusBadRequest, "Only audio files are allowed")
		return
	}

	if !strings.HasPrefix(mimeType, "audio/") {
		mimeType = uploadMimeType(format, header.Filename)
	}

	if format == audio.FormatWAV {
		info, err := audio.InspectWAV(data)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Debug("WAV upload",
			slog.Uint64("sample_rate", uint64(info.SampleRate)),
			slog.Int("channels", int(info.Channels)),
			slog.Float64("duration_seconds", info.Duration),
		)
	}

	requestID := middleware.GetReqID(r.Context())
	language := r.FormValue("language")

	h.logger.Info("Processing uploaded audio",
		slog.String("request_id", requestID),
		slog.String("file", header.Filename),
		slog.Int("size", len(data)),
		slog.String("language", language),
	)

	handle, err := h.services.Stager.Stage(data, mimeType, requestID)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer h.services.Stager.Release(handle)

	result, err := h.services.Transcriber.Transcribe(r.Context(), handle, language)
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		h.logger.Error("Transcription failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result.Transcript,
	})
}

type translateBody struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

// handleTranslate translates a JSON body {text, source_lang, target_lang}
func (h *HTTPServer) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var body translateBody
	if err := json.NewDecoder(io.LimitReader(r.Body, multipartOverhead)).Decode(&body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Text) == "" || body.SourceLang == "" || body.TargetLang == "" {
		writeFailure(w, http.StatusBadRequest, "Missing required fields: text, source_lang, target_lang")
		return
	}

	result, err := h.services.Translator.Translate(r.Context(), body.Text, body.SourceLang, body.TargetLang)
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		h.logger.Error("Translation failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result.Translation,
	})
}

// handleWSStats reports the live connection registry
func (h *HTTPServer) handleWSStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.services.Registry.Stats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"GET /":                      "API documentation",
		"GET /api/health":            "Downstream service health",
		"GET /api/info":              "Process information",
		"GET /api/config":            "Public configuration",
		"GET /api/audio/languages":   "Supported translation languages",
		"POST /api/audio/transcribe": "Transcribe an uploaded audio file",
		"POST /api/audio/translate":  "Translate text",
		"GET /ws-stats":              "Live connection statistics",
		"GET /metrics":               "Prometheus metrics",
	}
	endpoints["GET "+h.config.WebSocket.Path] = "WebSocket event stream"

	writeJSON(w, http.StatusOK, map[string]any{
		"service":   serviceName,
		"version":   serviceVersion,
		"endpoints": endpoints,
		"timestamp": protocol.Timestamp(time.Now()),
	})
}

// uploadMimeType names an untyped upload by its content, falling back to its extension
func uploadMimeType(format audio.Format, filename string) string {
	if mimeType := format.MimeType(); mimeType != "" {
		return mimeType
	}
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		return "audio/" + ext
	}
	return ""
}

// isAudioUpload accepts audio MIME types, octet streams and known audio extensions
func isAudioUpload(mimeType, filename string) bool {
	if strings.HasPrefix(mimeType, "audio/") || mimeType == "application/octet-stream" {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cty-ut/real-time-translation/internal/config"
	"github.com/cty-ut/real-time-translation/internal/downstream"
	"github.com/cty-ut/real-time-translation/internal/metrics"
	"github.com/cty-ut/real-time-translation/internal/registry"
	"github.com/cty-ut/real-time-translation/internal/relay"
)

const (
	serviceName    = "real-time-translation"
	serviceVersion = "1.0.0"
)

// Downstream probes the downstream services and reports client counters
type Downstream interface {
	CheckHealth(ctx context.Context, name, baseURL string) downstream.HealthStatus
	Stats() downstream.ClientStats
}

// Translator is the translation adapter as used by the REST surface
type Translator interface {
	relay.Translator
	SupportedLanguages(ctx context.Context) (json.RawMessage, error)
}

// Services are the collaborators the HTTP surface routes to
type Services struct {
	Downstream  Downstream
	Stager      relay.Stager
	Transcriber relay.Transcriber
	Translator  Translator
	Relay       Relay
	Registry    *registry.Registry
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// HTTPServer serves the websocket endpoint and the REST API
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	ws       *WebSocketHandler
	logger   *slog.Logger
	config   *config.Config
	services Services

	startTime time.Time
}

// NewHTTPServer creates the HTTP server and its routes
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, services Services) *HTTPServer {
	if services.Gatherer == nil {
		services.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		services:  services,
		startTime: time.Now(),
	}
	h.ws = NewWebSocketHandler(cfg.WebSocket, cfg.Server.CORSOrigin, services.Registry,
		services.Relay, services.Metrics, logger.With(slog.String("component", "websocket")))

	router := chi.NewRouter()
	h.setupRoutes(router)
	h.handler = router

	// No WriteTimeout: transcription requests can legitimately run for minutes and
	// websocket writes carry their own deadlines
	h.server = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures middleware and routes
func (h *HTTPServer) setupRoutes(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(h.config.Server.CORSOrigin))

	// Client link
	r.Handle(h.config.WebSocket.Path, h.ws)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.withMetrics("/api/health", h.handleHealth))
		r.Get("/info", h.withMetrics("/api/info", h.handleInfo))
		r.Get("/config", h.withMetrics("/api/config", h.handleConfig))

		r.Route("/audio", func(r chi.Router) {
			r.Get("/languages", h.withMetrics("/api/audio/languages", h.handleLanguages))
			r.Post("/transcribe", h.withMetrics("/api/audio/transcribe", h.handleTranscribe))
			r.Post("/translate", h.withMetrics("/api/audio/translate", h.handleTranslate))
		})
	})

	r.Get("/ws-stats", h.withMetrics("/ws-stats", h.handleWSStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Handle("/metrics", promhttp.HandlerFor(h.services.Gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	r.Get("/", h.withMetrics("/", h.handleRoot))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "Not found",
			"message": fmt.Sprintf("Route %s %s not found", r.Method, r.URL.Path),
		})
	})
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.services.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.services.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP server",
		slog.String("address", listener.Addr().String()),
		slog.String("websocket_path", h.config.WebSocket.Path),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting requests, closes client links and waits for in-flight pipelines
// until ctx expires
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	httpErr := h.server.Shutdown(ctx)
	wsErr := h.ws.Shutdown(ctx)

	return errors.Join(httpErr, wsErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

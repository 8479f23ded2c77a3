package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/cty-ut/real-time-translation/internal/config"
	"github.com/cty-ut/real-time-translation/internal/protocol"
	"github.com/cty-ut/real-time-translation/internal/registry"
	"github.com/cty-ut/real-time-translation/internal/relay"
)

const writeWait = 10 * time.Second

var errConnClosed = errors.New("connection closed")

// Relay handles the events that reach the pipeline
type Relay interface {
	ProcessChunk(ctx context.Context, emitter relay.Emitter, chunk protocol.AudioChunk)
	ProcessTranslateRequest(ctx context.Context, emitter relay.Emitter, req protocol.TranslateRequest)
	DetectLanguage(emitter relay.Emitter, req protocol.DetectLanguageRequest)
}

// EventRecorder receives transport metrics
type EventRecorder interface {
	RecordEvent(event string)
	RecordProtocolError(errorType string)
	RecordChunkSize(sizeBytes int)
}

// WebSocketHandler accepts client links and dispatches their events. Each audio chunk or
// translate request runs in its own goroutine; the read loop never waits for a pipeline
// unless a per-connection in-flight bound is configured.
type WebSocketHandler struct {
	config   config.WebSocketConfig
	registry *registry.Registry
	relay    Relay
	recorder EventRecorder
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Pipelines outlive their connection; ctx is cancelled only by a forced shutdown
	ctx       context.Context
	cancel    context.CancelFunc
	pipelines sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*wsConn
	closing bool
}

// NewWebSocketHandler creates the client link handler
func NewWebSocketHandler(cfg config.WebSocketConfig, corsOrigin string, reg *registry.Registry,
	r Relay, recorder EventRecorder, logger *slog.Logger) *WebSocketHandler {

	ctx, cancel := context.WithCancel(context.Background())
	h := &WebSocketHandler{
		config:   cfg,
		registry: reg,
		relay:    r,
		recorder: recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*wsConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(corsOrigin),
	}
	return h
}

// originChecker allows requests without an Origin header, any origin for "*", and
// otherwise only the configured origin
func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		return strings.EqualFold(origin, allowed)
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until it closes
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &wsConn{id: uuid.NewString(), ws: ws}
	logger := h.logger.With(slog.String("connection_id", c.id))

	if !h.track(c) {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	h.registry.Open(c.id, r.RemoteAddr)
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		h.untrack(c)
		h.registry.Close(c.id)
	}()

	idle := h.config.GetIdleTimeoutDuration()
	ws.SetReadLimit(int64(h.config.MaxMessageSize))
	ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		h.registry.Touch(c.id)
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(c, logger, done)

	c.Emit(protocol.EventConnectionConfirmed, protocol.ConnectionConfirmed{
		SocketID:  c.id,
		Timestamp: protocol.Timestamp(time.Now()),
	})

	var sem *semaphore.Weighted
	if h.config.MaxInFlight > 0 {
		sem = semaphore.NewWeighted(int64(h.config.MaxInFlight))
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Connection closed unexpectedly", slog.String("error", err.Error()))
			} else {
				logger.Debug("Connection read ended", slog.String("error", err.Error()))
			}
			return
		}

		h.registry.Touch(c.id)
		// dispatch may wait for an in-flight slot while no pongs are read, so the idle
		// clock is suspended until it returns
		ws.SetReadDeadline(time.Time{})
		h.dispatch(c, logger, sem, messageType, data)
		ws.SetReadDeadline(time.Now().Add(idle))
	}
}

// keepAlive pings the client until done is closed
func (h *WebSocketHandler) keepAlive(c *wsConn, logger *slog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.GetPingIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				logger.Debug("Ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *WebSocketHandler) dispatch(c *wsConn, logger *slog.Logger, sem *semaphore.Weighted, messageType int, data []byte) {
	var (
		env   *protocol.Envelope
		audio []byte
		err   error
	)
	switch messageType {
	case websocket.TextMessage:
		env, err = protocol.ParseText(data)
	case websocket.BinaryMessage:
		env, audio, err = protocol.ParseFrame(data)
	default:
		return
	}
	if err != nil {
		h.recorder.RecordProtocolError(protocol.ErrorTypeProtocol)
		logger.Warn("Malformed frame", slog.String("error", err.Error()))
		c.Emit(protocol.EventError, protocol.ErrorEvent{
			Message: "Malformed event",
			Details: err.Error(),
			Type:    protocol.ErrorTypeProtocol,
		})
		return
	}

	h.recorder.RecordEvent(env.Event)

	switch env.Event {
	case protocol.EventAudioChunk, protocol.EventAudioTranscribe:
		chunk, err := protocol.DecodeAudioChunk(env, audio)
		if err != nil {
			h.rejectPayload(c, logger, env, err)
			return
		}
		h.recorder.RecordChunkSize(len(chunk.Audio))
		h.spawn(sem, func(ctx context.Context) {
			h.relay.ProcessChunk(ctx, c, chunk)
		})

	case protocol.EventTranslate:
		var req protocol.TranslateRequest
		if err := protocol.Decode(env, &req); err != nil {
			h.rejectPayload(c, logger, env, err)
			return
		}
		h.spawn(sem, func(ctx context.Context) {
			h.relay.ProcessTranslateRequest(ctx, c, req)
		})

	case protocol.EventDetectLanguage:
		var req protocol.DetectLanguageRequest
		if err := protocol.Decode(env, &req); err != nil {
			c.Emit(protocol.EventError, protocol.ErrorEvent{
				Message: "Language detection failed",
				Details: err.Error(),
				Type:    protocol.ErrorTypeLanguageDetection,
			})
			return
		}
		h.relay.DetectLanguage(c, req)

	case protocol.EventPing:
		c.Emit(protocol.EventPong, protocol.Pong{Timestamp: protocol.Timestamp(time.Now())})

	default:
		h.recorder.RecordProtocolError(protocol.ErrorTypeUnknownEvent)
		logger.Warn("Unknown event", slog.String("event", env.Event))
		c.Emit(protocol.EventError, protocol.ErrorEvent{
			Message: "Unknown event: " + env.Event,
			Type:    protocol.ErrorTypeUnknownEvent,
		})
	}
}

func (h *WebSocketHandler) rejectPayload(c *wsConn, logger *slog.Logger, env *protocol.Envelope, err error) {
	sessionID := protocol.SessionIDOf(env)
	h.recorder.RecordProtocolError(protocol.ErrorTypeValidation)
	logger.Warn("Invalid payload",
		slog.String("event", env.Event),
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
	c.Emit(protocol.EventError, protocol.ErrorEvent{
		Message:   "Invalid " + env.Event + " payload",
		Details:   err.Error(),
		Type:      protocol.ErrorTypeValidation,
		SessionID: sessionID,
	})
}

// spawn runs fn in its own goroutine. With a bound configured, the read loop waits for
// a free slot, which pushes back on the client instead of queueing unboundedly.
func (h *WebSocketHandler) spawn(sem *semaphore.Weighted, fn func(ctx context.Context)) {
	if sem != nil {
		if err := sem.Acquire(h.ctx, 1); err != nil {
			return
		}
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		if sem != nil {
			sem.Release(1)
		}
		return
	}
	h.pipelines.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.pipelines.Done()
		if sem != nil {
			defer sem.Release(1)
		}
		fn(h.ctx)
	}()
}

func (h *WebSocketHandler) track(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *WebSocketHandler) untrack(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
}

// Shutdown closes every link and waits for in-flight pipelines. When ctx expires first,
// the remaining pipelines are cancelled and ctx's error is returned.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	finished := make(chan struct{})
	go func() {
		h.pipelines.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.logger.Warn("Cancelling in-flight pipelines")
		h.cancel()
		return ctx.Err()
	}
}

// wsConn is the Emitter for one client link. Writes are serialised; after close every
// emit is dropped with errConnClosed.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsConn) Emit(event string, payload any) error {
	if c.closed.Load() {
		return errConnClosed
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) close(code int, text string) {
	if c.closed.Swap(true) {
		return
	}
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	c.ws.Close()
}

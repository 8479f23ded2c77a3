package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Connection tracks one live bidirectional link
type Connection struct {
	ID           string
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ConnectionInfo is the externally visible view of a connection
type ConnectionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	DurationMs   int64     `json:"durationMs"`
}

// Stats is a point-in-time snapshot of the registry
type Stats struct {
	Total       int              `json:"total"`
	Connections []ConnectionInfo `json:"connections"`
}

// Recorder receives connection lifecycle metrics
type Recorder interface {
	SetActiveConnections(count int)
	RecordConnectionOpened()
	RecordConnectionClosed(durationSeconds float64)
}

type nopRecorder struct{}

func (nopRecorder) SetActiveConnections(int)       {}
func (nopRecorder) RecordConnectionOpened()        {}
func (nopRecorder) RecordConnectionClosed(float64) {}

// Registry tracks live connections. All methods are safe for concurrent use.
type Registry struct {
	conns    map[string]*Connection
	mu       sync.RWMutex
	logger   *slog.Logger
	recorder Recorder

	now func() time.Time
}

// New creates an empty registry. A nil recorder disables metrics.
func New(logger *slog.Logger, recorder Recorder) *Registry {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Registry{
		conns:    make(map[string]*Connection),
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

// Open registers a new connection. Re-opening a known id resets its timestamps.
func (r *Registry) Open(id, remoteAddr string) {
	r.mu.Lock()
	now := r.now()
	r.conns[id] = &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActivity: now,
	}
	total := len(r.conns)
	// The gauge is set under the lock so concurrent updates land in order
	r.recorder.SetActiveConnections(total)
	r.mu.Unlock()

	r.recorder.RecordConnectionOpened()
	r.logger.Info("Client connected",
		slog.String("connection_id", id),
		slog.String("remote_addr", remoteAddr),
		slog.Int("total", total),
	)
}

// Touch records inbound activity on a connection
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[id]
	if !exists {
		r.logger.Debug("Activity for unknown connection", slog.String("connection_id", id))
		return
	}
	conn.LastActivity = r.now()
}

// Close removes a connection. It returns false if the id was not registered.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	conn, exists := r.conns[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	remaining := len(r.conns)
	now := r.now()
	r.recorder.SetActiveConnections(remaining)
	r.mu.Unlock()

	duration := now.Sub(conn.ConnectedAt)
	r.recorder.RecordConnectionClosed(duration.Seconds())
	r.logger.Info("Client disconnected",
		slog.String("connection_id", id),
		slog.Duration("duration", duration),
		slog.Int("remaining", remaining),
	)
	return true
}

// Len returns the number of open connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Get returns a copy of the connection record
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[id]
	if !exists {
		return Connection{}, false
	}
	return *conn, true
}

// Stats returns a snapshot ordered by connection time
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	now := r.now()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, ConnectionInfo{
			ID:           conn.ID,
			RemoteAddr:   conn.RemoteAddr,
			ConnectedAt:  conn.ConnectedAt,
			LastActivity: conn.LastActivity,
			DurationMs:   now.Sub(conn.ConnectedAt).Milliseconds(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})

	return Stats{Total: len(infos), Connections: infos}
}

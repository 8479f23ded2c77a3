package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cty-ut/real-time-translation/internal/relayerr"
)

// DefaultExtension is used when the MIME type carries no usable subtype
const DefaultExtension = "webm"

// Config contains staging area configuration
type Config struct {
	Dir     string
	MaxSize int64 // bytes; 0 disables the limit
}

// Handle identifies one staged audio resource
type Handle struct {
	Name      string
	Path      string
	MimeType  string
	Extension string
	SessionID string // diagnostics only
	Size      int
}

// Recorder receives staging metrics
type Recorder interface {
	RecordCleanupWarning()
}

type nopRecorder struct{}

func (nopRecorder) RecordCleanupWarning() {}

// Stager writes chunks to the staging area and removes them
type Stager struct {
	config   Config
	logger   *slog.Logger
	recorder Recorder
}

// NewStager creates the staging directory if needed
func NewStager(config Config, logger *slog.Logger, recorder Recorder) (*Stager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("staging directory cannot be empty")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", config.Dir, err)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Stager{config: config, logger: logger, recorder: recorder}, nil
}

// Dir returns the staging directory
func (s *Stager) Dir() string {
	return s.config.Dir
}

// Stage writes data to a new uniquely named file
func (s *Stager) Stage(data []byte, mimeType, sessionID string) (*Handle, error) {
	if len(data) == 0 {
		return nil, relayerr.Staging("stage", errors.New("audio chunk is empty"))
	}
	if s.config.MaxSize > 0 && int64(len(data)) > s.config.MaxSize {
		return nil, relayerr.Staging("stage",
			fmt.Errorf("audio chunk of %d bytes exceeds limit of %d bytes", len(data), s.config.MaxSize))
	}

	ext := ExtensionFor(mimeType)
	name := uuid.NewString() + "." + ext
	path := filepath.Join(s.config.Dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, relayerr.Staging("create", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return nil, relayerr.Staging("write", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, relayerr.Staging("close", err)
	}

	s.logger.Debug("Audio chunk staged",
		slog.String("session_id", sessionID),
		slog.String("path", path),
		slog.Int("size", len(data)),
	)

	return &Handle{
		Name:      name,
		Path:      path,
		MimeType:  mimeType,
		Extension: ext,
		SessionID: sessionID,
		Size:      len(data),
	}, nil
}

// Open reads back a staged resource
func (s *Stager) Open(h *Handle) ([]byte, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return nil, relayerr.Staging("read", err)
	}
	return data, nil
}

// Release removes a staged resource. It is safe to call more than once and on nil.
// Removal failures are logged and counted, never returned.
func (s *Stager) Release(h *Handle) {
	if h == nil {
		return
	}

	err := os.Remove(h.Path)
	switch {
	case err == nil:
		s.logger.Debug("Staged audio released",
			slog.String("session_id", h.SessionID),
			slog.String("path", h.Path),
		)
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("Staged audio already removed",
			slog.String("session_id", h.SessionID),
			slog.String("path", h.Path),
		)
	default:
		s.recorder.RecordCleanupWarning()
		s.logger.Warn("Failed to remove staged audio",
			slog.String("session_id", h.SessionID),
			slog.String("path", h.Path),
			slog.String("error", relayerr.Cleanup("remove", err).Error()),
		)
	}
}

// Pending returns the number of resources currently in the staging area
func (s *Stager) Pending() (int, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	return count, nil
}

// ExtensionFor derives a file-name-safe extension from a MIME type's subtype:
// "audio/webm;codecs=opus" gives "webm", "audio/x-wav" gives "xwav".
func ExtensionFor(mimeType string) string {
	_, subtype, ok := strings.Cut(mimeType, "/")
	if !ok {
		return DefaultExtension
	}
	subtype, _, _ = strings.Cut(subtype, ";")
	subtype = strings.ToLower(strings.TrimSpace(subtype))

	var b strings.Builder
	for _, r := range subtype {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return DefaultExtension
	}
	return b.String()
}

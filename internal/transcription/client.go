package transcription

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cty-ut/real-time-translation/internal/downstream"
	"github.com/cty-ut/real-time-translation/internal/relayerr"
	"github.com/cty-ut/real-time-translation/internal/staging"
)

const serviceName = "whisper"

// Config contains transcription adapter configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Invoker performs downstream calls
type Invoker interface {
	Invoke(ctx context.Context, req *downstream.Request) (*downstream.Response, error)
}

// AudioSource reads staged audio
type AudioSource interface {
	Open(h *staging.Handle) ([]byte, error)
}

// Transcript is the text the speech service produced
type Transcript struct {
	Text       string   `json:"text"`
	Language   string   `json:"language"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Result is the tagged outcome of a transcription call that reached the service
type Result struct {
	Status     downstream.Status
	Transcript Transcript
	Reason     string // set when Status is StatusRejected
}

// Err returns the logical failure for a rejected result, nil otherwise
func (r Result) Err() error {
	if r.Status == downstream.StatusOK {
		return nil
	}
	return relayerr.Logical(serviceName, r.Reason)
}

// Client is the typed adapter for POST {WHISPER_URL}/transcribe
type Client struct {
	config  Config
	invoker Invoker
	audio   AudioSource
	logger  *slog.Logger
}

// NewClient creates a transcription adapter
func NewClient(config Config, invoker Invoker, audio AudioSource, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 90 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{config: config, invoker: invoker, audio: audio, logger: logger}, nil
}

// Transcribe sends a staged chunk to the speech service. A non-nil error is a transport
// or staging failure; a service-reported failure comes back as a rejected Result.
// The staged resource is only read, never released.
func (c *Client) Transcribe(ctx context.Context, h *staging.Handle, language string) (Result, error) {
	data, err := c.audio.Open(h)
	if err != nil {
		return Result{}, err
	}

	body, contentType, err := createMultipartRequest(h, data, language)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create multipart request: %w", err)
	}

	c.logger.Info("Calling speech service",
		slog.String("session_id", h.SessionID),
		slog.String("file", h.Name),
		slog.Int("size", h.Size),
		slog.String("language", language),
	)

	resp, err := c.invoker.Invoke(ctx, &downstream.Request{
		Service: serviceName,
		Method:  http.MethodPost,
		URL:     c.config.BaseURL + "/transcribe",
		Body:    body,
		Header:  http.Header{"Content-Type": []string{contentType}},
		Timeout: c.config.Timeout,
	})
	if err != nil {
		return Result{}, err
	}

	var transcript Transcript
	status, reason := downstream.DecodeEnvelope(resp, &transcript)
	if status != downstream.StatusOK {
		c.logger.Warn("Speech service rejected chunk",
			slog.String("session_id", h.SessionID),
			slog.Int("status_code", resp.StatusCode),
			slog.String("reason", reason),
		)
		return Result{Status: status, Reason: reason}, nil
	}

	transcript.Text = strings.TrimSpace(transcript.Text)
	return Result{Status: downstream.StatusOK, Transcript: transcript}, nil
}

// createMultipartRequest builds the multipart body: the audio under "file", an optional
// language hint, and realtime=true for webm so the service converts the container first.
func createMultipartRequest(h *staging.Handle, data []byte, language string) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, h.Name))
	mimeType := h.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	partHeader.Set("Content-Type", mimeType)

	fileWriter, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	if language != "" && language != "auto" {
		if err := writer.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("failed to write field language: %w", err)
		}
	}
	if h.Extension == "webm" {
		if err := writer.WriteField("realtime", "true"); err != nil {
			return nil, "", fmt.Errorf("failed to write field realtime: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

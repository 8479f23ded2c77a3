package translation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cty-ut/real-time-translation/internal/downstream"
	"github.com/cty-ut/real-time-translation/internal/relayerr"
)

const serviceName = "translator"

// Config contains translation adapter configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Invoker performs downstream calls
type Invoker interface {
	Invoke(ctx context.Context, req *downstream.Request) (*downstream.Response, error)
}

// Translation is the text the translation service produced
type Translation struct {
	Text       string   `json:"translated_text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Result is the tagged outcome of a translation call that reached the service
type Result struct {
	Status      downstream.Status
	Translation Translation
	Reason      string
}

// Err returns the logical failure for a rejected result, nil otherwise
func (r Result) Err() error {
	if r.Status == downstream.StatusOK {
		return nil
	}
	return relayerr.Logical(serviceName, r.Reason)
}

type translateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

// Client is the typed adapter for POST {TRANSLATOR_URL}/translate
type Client struct {
	config  Config
	invoker Invoker
	logger  *slog.Logger
}

// NewClient creates a translation adapter
func NewClient(config Config, invoker Invoker, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{config: config, invoker: invoker, logger: logger}, nil
}

// Translate sends text to the translation service. Empty arguments fail before any
// network call.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (Result, error) {
	var missing []string
	if text == "" {
		missing = append(missing, "text")
	}
	if sourceLang == "" {
		missing = append(missing, "source_lang")
	}
	if targetLang == "" {
		missing = append(missing, "target_lang")
	}
	if len(missing) > 0 {
		return Result{}, relayerr.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}

	body, err := json.Marshal(translateRequest{Text: text, SourceLang: sourceLang, TargetLang: targetLang})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode translation request: %w", err)
	}

	c.logger.Info("Calling translation service",
		slog.String("source_lang", sourceLang),
		slog.String("target_lang", targetLang),
		slog.Int("text_length", len(text)),
	)

	resp, err := c.invoker.Invoke(ctx, &downstream.Request{
		Service: serviceName,
		Method:  http.MethodPost,
		URL:     c.config.BaseURL + "/translate",
		Body:    body,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Timeout: c.config.Timeout,
	})
	if err != nil {
		return Result{}, err
	}

	var translation Translation
	status, reason := downstream.DecodeEnvelope(resp, &translation)
	if status != downstream.StatusOK {
		c.logger.Warn("Translation service rejected request",
			slog.Int("status_code", resp.StatusCode),
			slog.String("reason", reason),
		)
		return Result{Status: status, Reason: reason}, nil
	}

	return Result{Status: downstream.StatusOK, Translation: translation}, nil
}

// SupportedLanguages returns the service's language listing verbatim
func (c *Client) SupportedLanguages(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.invoker.Invoke(ctx, &downstream.Request{
		Service: serviceName,
		Method:  http.MethodGet,
		URL:     c.config.BaseURL + "/supported_languages",
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, relayerr.Logical(serviceName, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	if !json.Valid(resp.Body) {
		return nil, relayerr.Logical(serviceName, "malformed language listing")
	}
	return json.RawMessage(resp.Body), nil
}

package downstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Status tags the logical outcome of a downstream call that reached the service
type Status int

const (
	// StatusOK means the service answered success:true with a result.
	StatusOK Status = iota
	// StatusRejected means the service answered but reported its own failure.
	StatusRejected
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "rejected"
}

// Envelope is the response shape shared by the speech and translation services
type Envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"` // FastAPI error body
}

// DecodeEnvelope interprets resp as an envelope and, on success, decodes its result into
// out. It returns StatusRejected with a reason whenever the service did not report success,
// including non-2xx answers and bodies that are not an envelope.
func DecodeEnvelope(resp *Response, out any) (Status, string) {
	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		if !resp.OK() {
			return StatusRejected, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(resp.Body), 200))
		}
		return StatusRejected, fmt.Sprintf("malformed response: %v", err)
	}

	if !resp.OK() || !env.Success {
		reason := env.Error
		if reason == "" {
			reason = detailString(env.Detail)
		}
		if reason == "" {
			if resp.OK() {
				reason = "unexpected response format"
			} else {
				reason = fmt.Sprintf("HTTP %d", resp.StatusCode)
			}
		}
		return StatusRejected, reason
	}

	if len(env.Result) == 0 || string(env.Result) == "null" {
		return StatusRejected, "response has no result"
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return StatusRejected, fmt.Sprintf("malformed result: %v", err)
	}
	return StatusOK, ""
}

func detailString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

package kiro

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
)

// errorBodyLimit caps how much of an upstream error body is read. Error
// payloads are small JSON documents; anything larger is noise.
const errorBodyLimit = 1 << 20

// APIError is a non-200 upstream response with its reason and message pulled
// out of the JSON body.
type APIError struct {
	StatusCode int
	// Reason is the upstream's machine-readable reason string, when present.
	Reason string
	// Message is the human-readable message, suffixed with "(reason: …)"
	// when a reason accompanied it. Falls back to the raw body when the body
	// is not JSON.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// IsQuotaExceeded reports whether the monthly request quota was hit. The
// allocator marks the credential expired on this one.
func (e *APIError) IsQuotaExceeded() bool {
	return strings.Contains(e.combined(), config.MarkerMonthlyLimit)
}

// IsContextOverflow reports whether the conversation exceeded the upstream
// context window. Not retryable; clients get a 400.
func (e *APIError) IsContextOverflow() bool {
	return strings.Contains(e.combined(), config.MarkerContentLength)
}

// IsInputTooLong reports whether a single input exceeded upstream limits.
// Not retryable; clients get a 400.
func (e *APIError) IsInputTooLong() bool {
	return strings.Contains(e.combined(), config.MarkerInputTooLong)
}

func (e *APIError) combined() string {
	return e.Reason + e.Message
}

// ParseAPIError reads and closes the body of a non-200 upstream response.
// The upstream emits either {"reason", "message"} or {"error": {"reason",
// "message"}}; a top-level field wins over the nested one.
func ParseAPIError(resp *http.Response) *APIError {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
	if err != nil {
		logrus.Warnf("Failed to read upstream error body: %v", err)
		raw = nil
	}

	text := string(raw)
	if text == "" {
		text = "unknown error"
	}
	logrus.Errorf("Error from upstream API: %d - %s", resp.StatusCode, text)

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: text}

	var body struct {
		Reason  any    `json:"reason"`
		Message string `json:"message"`
		Error   struct {
			Reason  any    `json:"reason"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Reason != nil {
			apiErr.Reason = fmt.Sprint(body.Reason)
		}
		if body.Message != "" {
			apiErr.Message = body.Message
		} else {
			if body.Error.Message != "" {
				apiErr.Message = body.Error.Message
			}
			if apiErr.Reason == "" && body.Error.Reason != nil {
				apiErr.Reason = fmt.Sprint(body.Error.Reason)
			}
		}
		if apiErr.Reason != "" {
			apiErr.Message = fmt.Sprintf("%s (reason: %s)", apiErr.Message, apiErr.Reason)
		}
	}

	return apiErr
}

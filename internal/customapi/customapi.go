// Package customapi forwards chat requests to user-configured external
// accounts instead of the native upstream. OpenAI-format accounts receive a
// converted chat.completions request and their chunk stream is translated
// back into Anthropic block events; Anthropic-format accounts receive the
// client's own body nearly verbatim. Responses surface through the same
// stream/collect split the native engine exposes, so handlers treat both
// upstreams uniformly.
package customapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/tokencount"
	"github.com/kirobox/kirobox/internal/typ"
)

const (
	anthropicVersion = "2023-06-01"

	// errorBodyLimit caps how much of a failed response is read.
	errorBodyLimit = 1 << 20
)

// Client issues outbound requests to external accounts. Only 429 responses
// are retried; everything else surfaces immediately.
type Client struct {
	hc         *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient() *Client {
	return NewClientWithHTTP(&http.Client{
		Timeout: time.Duration(config.DefaultRequestTimeoutSec) * time.Second,
	})
}

// NewClientWithHTTP wires a custom http.Client, used by tests.
func NewClientWithHTTP(hc *http.Client) *Client {
	return &Client{
		hc:         hc,
		maxRetries: config.DefaultMaxRetries429,
		baseDelay:  time.Duration(config.DefaultBackoffBaseSec) * time.Second,
		maxDelay:   time.Duration(config.DefaultBackoffCapSec) * time.Second,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delegation is one request bound for an external account. RawAnthropic is
// the client's original /v1/messages body when it spoke Anthropic; the
// passthrough path forwards it so fields the normalized form does not model
// survive the trip. Requests that arrived in OpenAI form leave it nil.
type Delegation struct {
	Account      *typ.ExternalAccount
	Request      *typ.ChatRequest
	RawAnthropic []byte
}

// Result summarizes one completed delegated response for outcome recording.
// StopReason uses the dialect of the surface that produced it.
type Result struct {
	Completed  bool
	Usage      tokencount.Usage
	StopReason string
	ToolCalls  int
}

// UpstreamError is a non-200 response from an external account with the
// message and type lifted out of the body. Type uses the Anthropic error
// vocabulary regardless of the account's own dialect.
type UpstreamError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("external API status %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// outbound is a fully prepared external request plus everything response
// handling needs to know about it.
type outbound struct {
	url             string
	body            []byte
	format          typ.AccountFormat
	model           string
	apiKey          string
	thinkingEnabled bool
	inputTokens     int
}

// buildOutbound renders the request for the account's dialect. The outbound
// call always streams; non-streaming clients are answered from a local
// collect pass.
func buildOutbound(d *Delegation) (*outbound, error) {
	model := d.Account.OutboundModel(d.Request.Model)
	ob := &outbound{
		format:      d.Account.Format,
		model:       model,
		apiKey:      d.Account.APIKey,
		inputTokens: tokencount.EstimateRequest(d.Request),
	}

	switch d.Account.Format {
	case typ.FormatAnthropic:
		ob.url = endpointURL(d.Account.APIBase, "/messages")
		body, err := anthropicOutboundBody(d, model)
		if err != nil {
			return nil, err
		}
		ob.body = body
	default:
		ob.url = endpointURL(d.Account.APIBase, "/chat/completions")
		ob.thinkingEnabled = d.Request.ThinkingRequested()
		body, err := json.Marshal(openaiBody(d.Request, model, ob.thinkingEnabled))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal outbound request: %w", err)
		}
		ob.body = body
	}

	logrus.Infof("Delegating to external account %q: format=%s, model=%s, url=%s",
		d.Account.Name, ob.format, model, ob.url)
	return ob, nil
}

// endpointURL joins the account base with the resource path, tolerating
// bases that already carry the /v1 suffix.
func endpointURL(base, resource string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + resource
}

// anthropicOutboundBody prefers the client's own Anthropic body so fields
// the normalized form does not carry survive. Requests that arrived in
// OpenAI form are rebuilt from the normalized request. Either way the model
// override and streaming land on the wire, and Azure-hosted variants get
// the cleanup pass.
func anthropicOutboundBody(d *Delegation, model string) ([]byte, error) {
	if len(d.RawAnthropic) == 0 {
		return json.Marshal(anthropicBody(d.Request, model))
	}

	body := d.RawAnthropic
	if strings.EqualFold(d.Account.ProviderTag, "azure") {
		body = cleanForAzure(body)
	}
	var err error
	if body, err = sjson.SetBytes(body, "model", model); err != nil {
		return nil, fmt.Errorf("failed to prepare passthrough body: %w", err)
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, fmt.Errorf("failed to prepare passthrough body: %w", err)
	}
	return body, nil
}

// open sends the outbound request and returns the live streaming response.
// 429s wait out the Retry-After header when it parses and fall back to
// exponential backoff; any other non-200 fails immediately as an
// *UpstreamError.
func (cl *Client) open(ctx context.Context, ob *outbound) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := cl.post(ctx, ob)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			if attempt > 0 {
				logrus.Infof("External API recovered after %d rate-limit retries", attempt)
			}
			return resp, nil
		}

		upErr := parseUpstreamError(resp, ob.format)
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= cl.maxRetries {
			return nil, upErr
		}

		delay := cl.retryDelay(resp.Header.Get("Retry-After"), attempt)
		logrus.Warnf("External API rate limited, retrying in %s (%d/%d)", delay, attempt+1, cl.maxRetries)
		if err := cl.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (cl *Client) post(ctx context.Context, ob *outbound) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ob.url, bytes.NewReader(ob.body))
	if err != nil {
		return nil, fmt.Errorf("failed to build external request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ob.format == typ.FormatAnthropic {
		req.Header.Set("x-api-key", ob.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	} else {
		req.Header.Set("Authorization", "Bearer "+ob.apiKey)
	}

	resp, err := cl.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external API request failed: %w", err)
	}
	return resp, nil
}

// retryDelay prefers the server's Retry-After seconds, capped at the
// backoff ceiling.
func (cl *Client) retryDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil && secs > 0 {
			d := time.Duration(secs * float64(time.Second))
			if d > cl.maxDelay {
				d = cl.maxDelay
			}
			return d
		}
	}
	d := cl.baseDelay << uint(attempt)
	if d > cl.maxDelay || d <= 0 {
		d = cl.maxDelay
	}
	return d
}

// parseUpstreamError reads and closes the body of a failed response. OpenAI
// error types and codes are translated into the Anthropic vocabulary;
// Anthropic bodies pass their own type through; anything unparseable falls
// back to a status-derived type with the raw body as message.
func parseUpstreamError(resp *http.Response, format typ.AccountFormat) *UpstreamError {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
	if err != nil {
		logrus.Warnf("Failed to read external error body: %v", err)
		raw = nil
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = "unknown error"
	}
	logrus.Errorf("External API error: %d - %s", resp.StatusCode, text)

	out := &UpstreamError{
		StatusCode: resp.StatusCode,
		Type:       errorTypeForStatus(resp.StatusCode),
		Message:    text,
	}

	var body struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		out.Message = body.Error.Message
		if t := mapOpenAIErrorType(body.Error.Type); t != "" {
			out.Type = t
		} else if t := mapOpenAIErrorType(body.Error.Code); t != "" {
			out.Type = t
		} else if format == typ.FormatAnthropic && body.Error.Type != "" {
			out.Type = body.Error.Type
		}
	}
	return out
}

// mapOpenAIErrorType translates OpenAI error types and codes into the
// Anthropic vocabulary. Unknown values return "".
func mapOpenAIErrorType(t string) string {
	switch t {
	case "invalid_request_error", "authentication_error", "permission_error",
		"not_found_error", "rate_limit_error":
		return t
	case "server_error":
		return "api_error"
	case "service_unavailable":
		return "overloaded_error"
	}
	return ""
}

// errorTypeForStatus is the fallback when the body names no known type.
func errorTypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

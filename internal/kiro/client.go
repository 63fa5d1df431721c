package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
)

// TokenSource supplies bearer tokens for upstream calls. The credential
// manager implements it.
type TokenSource interface {
	// AccessToken returns a valid token, refreshing when the cached one is
	// expired or missing.
	AccessToken(ctx context.Context) (string, error)
	// ForceRefresh drops the cached token and fetches a fresh one.
	ForceRefresh(ctx context.Context) (string, error)
	// APIHost is the region-derived upstream base URL.
	APIHost() string
}

// Client posts conversation payloads to the upstream and hands back the raw
// streaming response. It carries no client-level timeout: responses stream
// for minutes and are bounded by the request context instead.
type Client struct {
	hc *http.Client
}

func NewClient() *Client {
	return &Client{hc: &http.Client{}}
}

// NewClientWithHTTP wires a custom http.Client, used by tests.
func NewClientWithHTTP(hc *http.Client) *Client {
	return &Client{hc: hc}
}

// Send posts the payload and returns the upstream response with its body
// still open. Callers own the body and must close it. A 403 is retried once
// after a forced token refresh; the upstream revokes access tokens ahead of
// their recorded expiry.
func (c *Client) Send(ctx context.Context, src TokenSource, payload *Payload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream payload: %w", err)
	}

	token, err := src.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	resp, err := c.post(ctx, src.APIHost(), token, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	drainAndClose(resp)
	logrus.Warn("Upstream returned 403, refreshing token and retrying once")
	token, err = src.ForceRefresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token after 403: %w", err)
	}
	return c.post(ctx, src.APIHost(), token, body)
}

func (c *Client) post(ctx context.Context, host, token string, body []byte) (*http.Response, error) {
	url := host + config.GenerateResponsePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// drainAndClose consumes the remainder of a response body so the underlying
// connection can be reused.
func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

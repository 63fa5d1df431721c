package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMissingKeyAnthropicShape(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, http.MethodPost, "/v1/messages", "", `{"model":"m","messages":[]}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	got := bodyJSON(t, w)
	assert.Equal(t, "error", got["type"])
	inner, ok := got["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "authentication_error", inner["type"])
	assert.Contains(t, inner["message"], "missing API key")
}

func TestAuthMissingKeyOpenAIShape(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, http.MethodPost, "/v1/chat/completions", "", `{"model":"m","messages":[]}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	got := bodyJSON(t, w)
	_, hasEnvelope := got["type"]
	assert.False(t, hasEnvelope, "OpenAI errors carry no top-level type")
	inner, ok := got["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "authentication_error", inner["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), inner["code"])
}

func TestAuthStaticKeyViaBearer(t *testing.T) {
	srv := newTestServer(t)
	w := do(srv, http.MethodGet, "/v1/models", testStaticKey, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthStaticKeyViaXAPIKey(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", testStaticKey)
	w := httptest.NewRecorder()
	srv.GetRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthWrongStaticKey(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, http.MethodGet, "/v1/models", "sk-wrong", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	got := bodyJSON(t, w)
	inner := got["error"].(map[string]any)
	assert.Equal(t, "invalid API key", inner["message"])
}

func TestAuthGatewayIssuedKey(t *testing.T) {
	srv := newTestServer(t)

	key, err := srv.jwtManager.GenerateAPIKey("user-7", time.Hour)
	require.NoError(t, err)

	w := do(srv, http.MethodGet, "/v1/models", key, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMalformedGatewayKey(t *testing.T) {
	srv := newTestServer(t)

	// Carries the gateway prefix, so it must validate as a JWT and fail
	// instead of falling back to the static list.
	w := do(srv, http.MethodGet, "/v1/models", "kirobox-not-a-real-key", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthExpiredGatewayKey(t *testing.T) {
	srv := newTestServer(t)

	key, err := srv.jwtManager.GenerateAPIKey("user-7", -time.Minute)
	require.NoError(t, err)

	w := do(srv, http.MethodGet, "/v1/models", key, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthResolvesUserID(t *testing.T) {
	srv := newTestServer(t)

	key, err := srv.jwtManager.GenerateAPIKey("user-42", time.Hour)
	require.NoError(t, err)

	// An authenticated user with no credentials of their own never falls
	// back to the public pool; the message names the user.
	w := do(srv, http.MethodPost, "/v1/messages", key,
		`{"model":"claude-sonnet-4-20250514","max_tokens":16,"messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	got := bodyJSON(t, w)
	inner := got["error"].(map[string]any)
	assert.Contains(t, inner["message"], "user-42")
}

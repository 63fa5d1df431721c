package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/customapi"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/pool"
	"github.com/kirobox/kirobox/internal/stream"
)

func mapperServer(t *testing.T, debug bool) *Server {
	t.Helper()
	settings, err := config.NewSettingsWithDir(t.TempDir())
	require.NoError(t, err)
	settings.Debug = debug
	return &Server{settings: settings}
}

func TestMapUpstreamErrorContextOverflow(t *testing.T) {
	s := mapperServer(t, false)

	// The upstream rejects oversized context with a 500; clients still get
	// a 400 because retrying cannot help.
	status, errType, msg := s.mapError(&kiro.APIError{
		StatusCode: http.StatusInternalServerError,
		Reason:     "CONTENT_LENGTH_EXCEEDS_THRESHOLD",
		Message:    "Encountered unexpectedly high load",
	})

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errTypeInvalidRequest, errType)
	assert.Equal(t, config.ErrMsgContextFull, msg)
}

func TestMapUpstreamErrorInputTooLong(t *testing.T) {
	s := mapperServer(t, false)

	status, errType, msg := s.mapError(&kiro.APIError{
		StatusCode: http.StatusBadRequest,
		Message:    "Improperly formed request: Input is too long.",
	})

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errTypeInvalidRequest, errType)
	assert.Equal(t, config.ErrMsgInputLong, msg)
}

func TestMapUpstreamErrorMirrorsStatus(t *testing.T) {
	s := mapperServer(t, false)

	cases := []struct {
		name     string
		apiErr   *kiro.APIError
		status   int
		errType  string
		contains string
	}{
		{
			name:     "quota keeps upstream 400",
			apiErr:   &kiro.APIError{StatusCode: 400, Reason: "MONTHLY_REQUEST_COUNT_REACHED", Message: "Monthly limit hit (reason: MONTHLY_REQUEST_COUNT_REACHED)"},
			status:   400,
			errType:  errTypeAPI,
			contains: "MONTHLY_REQUEST_COUNT_REACHED",
		},
		{
			name:    "429 is rate limit",
			apiErr:  &kiro.APIError{StatusCode: 429, Message: "slow down"},
			status:  429,
			errType: errTypeRateLimit,
		},
		{
			name:    "401 is authentication",
			apiErr:  &kiro.APIError{StatusCode: 401, Message: "bad token"},
			status:  401,
			errType: errTypeAuthentication,
		},
		{
			name:    "403 is permission",
			apiErr:  &kiro.APIError{StatusCode: 403, Message: "forbidden"},
			status:  403,
			errType: errTypePermission,
		},
		{
			name:    "503 is overloaded",
			apiErr:  &kiro.APIError{StatusCode: 503, Message: "busy"},
			status:  503,
			errType: errTypeOverloaded,
		},
		{
			name:     "empty message gets a fallback",
			apiErr:   &kiro.APIError{StatusCode: 500},
			status:   500,
			errType:  errTypeAPI,
			contains: "upstream request failed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, errType, msg := s.mapError(tc.apiErr)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.errType, errType)
			if tc.contains != "" {
				assert.Contains(t, msg, tc.contains)
			}
		})
	}
}

func TestMapErrorFirstTokenTimeout(t *testing.T) {
	s := mapperServer(t, false)

	status, errType, _ := s.mapError(stream.ErrFirstTokenTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, errTypeAPI, errType)
}

func TestMapErrorNoToken(t *testing.T) {
	s := mapperServer(t, false)

	err := fmt.Errorf("%w: public pool is empty", pool.ErrNoToken)
	status, errType, msg := s.mapError(err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, errTypeOverloaded, errType)
	assert.Contains(t, msg, "public pool is empty")
}

func TestMapErrorDelegatedUpstream(t *testing.T) {
	s := mapperServer(t, false)

	status, errType, msg := s.mapError(&customapi.UpstreamError{
		StatusCode: 502,
		Type:       errTypeOverloaded,
		Message:    "backend saturated",
	})
	assert.Equal(t, 502, status)
	assert.Equal(t, errTypeOverloaded, errType)
	assert.Equal(t, "backend saturated", msg)
}

func TestMapErrorRedactsInternalByDefault(t *testing.T) {
	s := mapperServer(t, false)

	status, errType, msg := s.mapError(errors.New("pool corrupted at 0xdeadbeef"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, errTypeAPI, errType)
	assert.Equal(t, "internal server error", msg)
}

func TestMapErrorDebugKeepsMessage(t *testing.T) {
	s := mapperServer(t, true)

	_, _, msg := s.mapError(errors.New("pool corrupted at 0xdeadbeef"))
	assert.Equal(t, "pool corrupted at 0xdeadbeef", msg)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"upstream reason", &kiro.APIError{StatusCode: 400, Reason: "MONTHLY_REQUEST_COUNT_REACHED"}, "MONTHLY_REQUEST_COUNT_REACHED"},
		{"upstream status only", &kiro.APIError{StatusCode: 403}, "403"},
		{"delegated status", &customapi.UpstreamError{StatusCode: 502}, "502"},
		{"first token timeout", stream.ErrFirstTokenTimeout, "first_token_timeout"},
		{"no token", fmt.Errorf("%w: nothing usable", pool.ErrNoToken), "no_token"},
		{"interrupted stream", errStreamInterrupted, "stream_interrupted"},
		{"anything else", errors.New("boom"), "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorCode(tc.err))
		})
	}
}

func TestWriteWireErrorShapes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeWireError(c, formatAnthropic, http.StatusBadRequest, errTypeInvalidRequest, "bad input")
	assert.JSONEq(t,
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad input"}}`,
		w.Body.String())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	writeWireError(c, formatOpenAI, http.StatusTooManyRequests, errTypeRateLimit, "slow down")
	assert.JSONEq(t,
		`{"error":{"message":"slow down","type":"rate_limit_error","code":429}}`,
		w.Body.String())
}

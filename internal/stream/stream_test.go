package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

// testModel has timeout multiplier 1.0, so millisecond test timeouts apply
// unscaled, and a 200000-token context window.
const testModel = "claude-3-5-haiku-20241022"

func testCatalog(t *testing.T) *config.ModelCatalog {
	t.Helper()
	return config.NewModelCatalog(t.TempDir())
}

func testRequest() *typ.ChatRequest {
	return &typ.ChatRequest{
		Model:    testModel,
		Messages: []typ.Message{{Role: typ.RoleUser, Content: "Hi"}},
	}
}

func testEngine(t *testing.T, thinkingEnabled bool) *Engine {
	t.Helper()
	return NewEngine(Options{
		Model:                testModel,
		Request:              testRequest(),
		Catalog:              testCatalog(t),
		ThinkingEnabled:      thinkingEnabled,
		FirstTokenTimeout:    500 * time.Millisecond,
		FirstTokenMaxRetries: 1,
		ReadTimeout:          500 * time.Millisecond,
	})
}

// bodyOpener serves one in-memory upstream body. Concatenated bare JSON
// objects exercise the frame parser's non-framed fallback.
func bodyOpener(payload string) Opener {
	return func(ctx context.Context) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(payload)),
		}, nil
	}
}

func newStreamContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	return c, w
}

// sseEvent is one decoded server-sent event. name is empty for unnamed
// events; data stays nil when the payload is not JSON, as for [DONE].
type sseEvent struct {
	name string
	raw  string
	data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, chunk := range strings.Split(strings.TrimSpace(body), "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.raw = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		if ev.raw != "" {
			_ = json.Unmarshal([]byte(ev.raw), &ev.data)
		}
		events = append(events, ev)
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.name)
	}
	return names
}

// field digs a dotted path out of a decoded event payload.
func field(t *testing.T, data map[string]any, path string) any {
	t.Helper()
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "field %s: %v is not an object", path, cur)
		cur, ok = m[key]
		require.True(t, ok, "field %s: key %s missing", path, key)
	}
	return cur
}

func intField(t *testing.T, data map[string]any, path string) int {
	t.Helper()
	num, ok := field(t, data, path).(float64)
	require.True(t, ok, "field %s is not a number", path)
	return int(num)
}

func strField(t *testing.T, data map[string]any, path string) string {
	t.Helper()
	s, ok := field(t, data, path).(string)
	require.True(t, ok, "field %s is not a string", path)
	return s
}

package customapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/tokencount"
)

const upstreamAnthropicBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_up","type":"message","role":"assistant","content":[],"model":"claude-3-opus","usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}

`

const upstreamToolBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_t","type":"message","role":"assistant","content":[],"model":"claude-3-opus","usage":{"input_tokens":5}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"search"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":\"go\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":8}}

event: message_stop
data: {"type":"message_stop"}

`

func upstreamOpenAIBody() string {
	return sse(
		`{"choices":[{"delta":{"role":"assistant","content":"Hi"}}]}`,
		`{"choices":[{"delta":{"content":" there"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3}}`,
		doneMarker,
	)
}

// sseServer serves one canned SSE body and records what it was asked for.
func sseServer(t *testing.T, body string, gotPath *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotPath != nil {
			*gotPath = r.URL.Path
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamAnthropicConvertsChunks(t *testing.T) {
	var path string
	srv := sseServer(t, upstreamOpenAIBody(), &path)
	cl, _ := testClient(srv)
	c, w := newStreamContext(t)

	res, err := cl.StreamAnthropic(c, testDelegation(openaiAccount(srv.URL)))
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", path)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	events := parseTestSSE(t, w.Body.String())
	require.Equal(t, []string{
		eventTypeMessageStart, eventTypePing,
		eventTypeContentBlockStart, eventTypeContentBlockDelta, eventTypeContentBlockDelta, eventTypeContentBlockStop,
		eventTypeMessageDelta, eventTypeMessageStop,
	}, eventNames(events))

	assert.Equal(t, testClientModel, strField(t, events[0].data, "message.model"))
	assert.Equal(t, "Hi", strField(t, events[3].data, "delta.text"))
	assert.Equal(t, " there", strField(t, events[4].data, "delta.text"))
	assert.Equal(t, stopReasonEndTurn, strField(t, events[6].data, "delta.stop_reason"))
	assert.Equal(t, 3, intField(t, events[6].data, "usage.output_tokens"))

	require.True(t, res.Completed)
	assert.Equal(t, stopReasonEndTurn, res.StopReason)
	assert.Equal(t, 9, res.Usage.InputTokens)
	assert.Equal(t, 3, res.Usage.OutputTokens)
	assert.Equal(t, tokencount.SourceUpstream, res.Usage.Source)
}

func TestStreamAnthropicPassthrough(t *testing.T) {
	var path string
	srv := sseServer(t, upstreamAnthropicBody, &path)
	cl, _ := testClient(srv)
	c, w := newStreamContext(t)

	res, err := cl.StreamAnthropic(c, testDelegation(anthropicAccount(srv.URL)))
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", path)
	// Blocks are forwarded verbatim, upstream ids and model included.
	assert.Equal(t, upstreamAnthropicBody, w.Body.String())

	events := parseTestSSE(t, w.Body.String())
	assert.Equal(t, "msg_up", strField(t, events[0].data, "message.id"))
	assert.Equal(t, "claude-3-opus", strField(t, events[0].data, "message.model"))

	require.True(t, res.Completed)
	assert.Equal(t, stopReasonEndTurn, res.StopReason)
	assert.Equal(t, 25, res.Usage.InputTokens)
	assert.Equal(t, 12, res.Usage.OutputTokens)
	assert.Equal(t, tokencount.SourceUpstream, res.Usage.Source)
}

func TestStreamOpenAIPassthrough(t *testing.T) {
	body := upstreamOpenAIBody()
	srv := sseServer(t, body, nil)
	cl, _ := testClient(srv)
	c, w := newStreamContext(t)

	res, err := cl.StreamOpenAI(c, testDelegation(openaiAccount(srv.URL)))
	require.NoError(t, err)

	assert.Equal(t, body, w.Body.String())

	require.True(t, res.Completed)
	assert.Equal(t, finishReasonStop, res.StopReason)
	assert.Equal(t, 9, res.Usage.InputTokens)
	assert.Equal(t, 3, res.Usage.OutputTokens)
	assert.Equal(t, tokencount.SourceUpstream, res.Usage.Source)
}

func TestStreamOpenAIRendersAnthropicEvents(t *testing.T) {
	srv := sseServer(t, upstreamAnthropicBody, nil)
	cl, _ := testClient(srv)
	c, w := newStreamContext(t)

	res, err := cl.StreamOpenAI(c, testDelegation(anthropicAccount(srv.URL)))
	require.NoError(t, err)

	events := parseTestSSE(t, w.Body.String())
	require.Len(t, events, 4)

	role := events[0].data["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "assistant", role["delta"].(map[string]any)["role"])
	assert.Equal(t, testClientModel, events[0].data["model"])

	content := events[1].data["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "Hello", content["delta"].(map[string]any)["content"])

	final := events[2].data["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, finishReasonStop, final["finish_reason"])
	assert.Equal(t, 25, intField(t, events[2].data, "usage.prompt_tokens"))
	assert.Equal(t, 12, intField(t, events[2].data, "usage.completion_tokens"))

	assert.Equal(t, doneMarker, events[3].raw)

	require.True(t, res.Completed)
	assert.Equal(t, finishReasonStop, res.StopReason)
	assert.Equal(t, 37, res.Usage.TotalTokens)
}

func TestStreamOpenAIRendersToolUse(t *testing.T) {
	srv := sseServer(t, upstreamToolBody, nil)
	cl, _ := testClient(srv)
	c, w := newStreamContext(t)

	res, err := cl.StreamOpenAI(c, testDelegation(anthropicAccount(srv.URL)))
	require.NoError(t, err)

	events := parseTestSSE(t, w.Body.String())
	require.Len(t, events, 5)

	start := events[1].data["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	call := start["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(0), call["index"])
	assert.Equal(t, "toolu_1", call["id"])
	assert.Equal(t, "search", call["function"].(map[string]any)["name"])

	args := events[2].data["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	frag := args["tool_calls"].([]any)[0].(map[string]any)
	assert.JSONEq(t, `{"q":"go"}`, frag["function"].(map[string]any)["arguments"].(string))

	final := events[3].data["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, finishReasonToolCalls, final["finish_reason"])

	require.True(t, res.Completed)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, finishReasonToolCalls, res.StopReason)
}

func TestStreamAnthropicPreStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"type":"server_error","message":"boom"}}`)
	}))
	t.Cleanup(srv.Close)
	cl, _ := testClient(srv)
	c, w := newStreamContext(t)

	res, err := cl.StreamAnthropic(c, testDelegation(openaiAccount(srv.URL)))
	require.Error(t, err)
	assert.Nil(t, res)
	// Nothing was written, so the caller can still send its own error.
	assert.Zero(t, w.Body.Len())

	var up *UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, http.StatusInternalServerError, up.StatusCode)
	assert.Equal(t, "api_error", up.Type)
	assert.Equal(t, "boom", up.Message)
}

func TestStreamAnthropicMidStreamError(t *testing.T) {
	body := sse(
		`{"choices":[{"delta":{"role":"assistant","content":"part"}}]}`,
		`{"error":{"type":"server_error","message":"cut off"}}`,
	)
	srv := sseServer(t, body, nil)
	cl, _ := testClient(srv)
	c, w := newStreamContext(t)

	res, err := cl.StreamAnthropic(c, testDelegation(openaiAccount(srv.URL)))
	require.NoError(t, err)
	assert.False(t, res.Completed)

	events := parseTestSSE(t, w.Body.String())
	last := events[len(events)-1]
	assert.Equal(t, eventTypeError, last.name)
	assert.Equal(t, "cut off", strField(t, last.data, "error.message"))

	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	assert.NotContains(t, names, eventTypeMessageStop)
}

func TestAnthropicSkimDefaults(t *testing.T) {
	s := newAnthropicSkim(4)
	s.event(&anthropicEvent{Type: eventTypeContentBlockDelta, Delta: anthropicDelta{Type: deltaTypeTextDelta, Text: "some words"}})

	res := s.result()
	assert.False(t, res.Completed)
	assert.Equal(t, stopReasonEndTurn, res.StopReason)
	assert.Equal(t, 4, res.Usage.InputTokens)
	assert.Equal(t, tokencount.Count("some words"), res.Usage.OutputTokens)
	assert.Equal(t, tokencount.SourceTiktoken, res.Usage.Source)
}

func TestOpenAISkimCountsToolCalls(t *testing.T) {
	s := newOpenAISkim(4)
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"a","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`,
		doneMarker,
	}
	for _, ch := range chunks {
		s.data(ch)
	}

	res := s.result()
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, finishReasonToolCalls, res.StopReason)
}

func TestRendererSkipsThinkingDeltas(t *testing.T) {
	var chunks []map[string]any
	rd := newChunkRenderer(func(chunk map[string]any) { chunks = append(chunks, chunk) }, testClientModel, 3)

	rd.event(&anthropicEvent{Type: eventTypeMessageStart, Message: map[string]any{}})
	rd.event(&anthropicEvent{Type: eventTypeContentBlockStart, Index: 0, ContentBlock: map[string]any{"type": blockTypeThinking}})
	rd.event(&anthropicEvent{Type: eventTypeContentBlockDelta, Index: 0, Delta: anthropicDelta{Type: deltaTypeThinkingDelta, Thinking: "hidden"}})
	rd.event(&anthropicEvent{Type: eventTypeContentBlockStart, Index: 1, ContentBlock: map[string]any{"type": blockTypeText}})
	rd.event(&anthropicEvent{Type: eventTypeContentBlockDelta, Index: 1, Delta: anthropicDelta{Type: deltaTypeTextDelta, Text: "shown"}})
	done := rd.event(&anthropicEvent{Type: eventTypeMessageStop})
	require.True(t, done)

	// Role chunk, one content chunk, final chunk. Nothing for the thinking.
	require.Len(t, chunks, 3)
	delta := chunks[1]["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	assert.Equal(t, "shown", delta["content"])

	data, err := json.Marshal(chunks)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
}

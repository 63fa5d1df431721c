package customapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Anthropic event vocabulary plus the OpenAI chunk counterparts.
const (
	eventTypeMessageStart      = "message_start"
	eventTypeContentBlockStart = "content_block_start"
	eventTypeContentBlockDelta = "content_block_delta"
	eventTypeContentBlockStop  = "content_block_stop"
	eventTypeMessageDelta      = "message_delta"
	eventTypeMessageStop       = "message_stop"
	eventTypePing              = "ping"
	eventTypeError             = "error"

	blockTypeText     = "text"
	blockTypeThinking = "thinking"
	blockTypeToolUse  = "tool_use"

	deltaTypeTextDelta      = "text_delta"
	deltaTypeThinkingDelta  = "thinking_delta"
	deltaTypeInputJSONDelta = "input_json_delta"
	deltaTypeSignatureDelta = "signature_delta"

	stopReasonEndTurn   = "end_turn"
	stopReasonMaxTokens = "max_tokens"
	stopReasonToolUse   = "tool_use"

	objectChatCompletion      = "chat.completion"
	objectChatCompletionChunk = "chat.completion.chunk"

	finishReasonStop      = "stop"
	finishReasonLength    = "length"
	finishReasonToolCalls = "tool_calls"

	doneMarker = "[DONE]"
)

// writeSSEHeaders sets the stream side-channel headers. The SSE render
// stamps Content-Type itself on the first event, so it is not set here.
func writeSSEHeaders(c *gin.Context) (http.Flusher, error) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Cache-Control")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported by this connection")
	}
	return flusher, nil
}

// eventSink receives one named Anthropic SSE event.
type eventSink func(eventType string, payload map[string]any)

// liveSink writes events straight to the client connection.
func liveSink(c *gin.Context, flusher http.Flusher) eventSink {
	return func(eventType string, payload map[string]any) {
		data, err := json.Marshal(payload)
		if err != nil {
			logrus.Errorf("Failed to marshal %s event: %v", eventType, err)
			return
		}
		c.SSEvent(eventType, string(data))
		flusher.Flush()
	}
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func newToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func messageStartPayload(messageID, model string, inputTokens int) map[string]any {
	return map[string]any{
		"type": eventTypeMessageStart,
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":                inputTokens,
				"output_tokens":               0,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     0,
			},
		},
	}
}

// errorEvent surfaces a mid-stream failure in the Anthropic error shape.
func errorEvent(send eventSink, message string) {
	send(eventTypeError, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": message,
		},
	})
}

// splitSSE tokenizes a byte stream into blank-line-separated SSE blocks.
// A trailing partial block is flushed at EOF so nothing is lost when the
// upstream closes without a final separator.
func splitSSE(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// newEventScanner wraps an upstream body in a block scanner. The ceiling is
// generous; single events stay far below it in practice.
func newEventScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	sc.Split(splitSSE)
	return sc
}

// parseSSEBlock extracts the event name and joined data payload from one
// raw block. Comment and retry lines are ignored.
func parseSSEBlock(block []byte) (event, data string) {
	var parts []string
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			parts = append(parts, strings.TrimSpace(line[len("data:"):]))
		}
	}
	return event, strings.Join(parts, "\n")
}

// anthropicEvent is the decoded form of one upstream Anthropic SSE event.
// Message and ContentBlock stay raw maps so passthrough folding preserves
// fields this package does not model.
type anthropicEvent struct {
	Type         string         `json:"type"`
	Index        int            `json:"index"`
	Message      map[string]any `json:"message"`
	ContentBlock map[string]any `json:"content_block"`
	Delta        anthropicDelta `json:"delta"`
	Usage        *eventUsage    `json:"usage"`
	Error        *eventError    `json:"error"`
}

type anthropicDelta struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	Thinking     string `json:"thinking"`
	PartialJSON  string `json:"partial_json"`
	Signature    string `json:"signature"`
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence"`
}

type eventUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type eventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// nestedInt digs an integer out of a raw JSON map, tolerating missing keys.
func nestedInt(m map[string]any, keys ...string) int {
	var cur any = m
	for _, k := range keys {
		inner, ok := cur.(map[string]any)
		if !ok {
			return 0
		}
		cur = inner[k]
	}
	if f, ok := cur.(float64); ok {
		return int(f)
	}
	return 0
}

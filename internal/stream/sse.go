package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/thinking"
	"github.com/kirobox/kirobox/internal/typ"
)

// Anthropic event vocabulary.
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

	stopReasonEndTurn = "end_turn"
	stopReasonToolUse = "tool_use"
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

// anthropicEmitter is the content-block state machine shared by the live
// and buffered Anthropic paths. Block indices increase monotonically
// across text, thinking, and tool_use blocks; at most one text and one
// thinking block are open at a time, and a thinking block closes the open
// text block first.
type anthropicEmitter struct {
	send          eventSink
	nextIndex     int
	textIndex     int
	thinkingIndex int
}

func newAnthropicEmitter(send eventSink) *anthropicEmitter {
	return &anthropicEmitter{send: send, textIndex: -1, thinkingIndex: -1}
}

func (em *anthropicEmitter) messageStart(messageID, model string, inputTokens int) {
	em.send(eventTypeMessageStart, messageStartPayload(messageID, model, inputTokens))
}

// segment routes one thinking-parser segment into block events.
func (em *anthropicEmitter) segment(seg thinking.Segment) {
	if seg.Type == thinking.SegmentThinking {
		switch seg.Action {
		case thinking.ActionStart:
			em.closeText()
			em.thinkingIndex = em.nextIndex
			em.nextIndex++
			em.send(eventTypeContentBlockStart, map[string]any{
				"type":          eventTypeContentBlockStart,
				"index":         em.thinkingIndex,
				"content_block": map[string]any{"type": blockTypeThinking, "thinking": ""},
			})
		case thinking.ActionDelta:
			if em.thinkingIndex >= 0 && seg.Content != "" {
				em.send(eventTypeContentBlockDelta, map[string]any{
					"type":  eventTypeContentBlockDelta,
					"index": em.thinkingIndex,
					"delta": map[string]any{"type": deltaTypeThinkingDelta, "thinking": seg.Content},
				})
			}
		case thinking.ActionStop:
			em.closeThinking()
		}
		return
	}
	if seg.Action == thinking.ActionDelta && seg.Content != "" {
		em.text(seg.Content)
	}
}

// text appends a text delta, opening a text block when none is open.
func (em *anthropicEmitter) text(content string) {
	if em.textIndex < 0 {
		em.textIndex = em.nextIndex
		em.nextIndex++
		em.send(eventTypeContentBlockStart, map[string]any{
			"type":          eventTypeContentBlockStart,
			"index":         em.textIndex,
			"content_block": map[string]any{"type": blockTypeText, "text": ""},
		})
	}
	em.send(eventTypeContentBlockDelta, map[string]any{
		"type":  eventTypeContentBlockDelta,
		"index": em.textIndex,
		"delta": map[string]any{"type": deltaTypeTextDelta, "text": content},
	})
}

func (em *anthropicEmitter) closeText() {
	if em.textIndex >= 0 {
		em.send(eventTypeContentBlockStop, map[string]any{
			"type":  eventTypeContentBlockStop,
			"index": em.textIndex,
		})
		em.textIndex = -1
	}
}

func (em *anthropicEmitter) closeThinking() {
	if em.thinkingIndex >= 0 {
		em.send(eventTypeContentBlockStop, map[string]any{
			"type":  eventTypeContentBlockStop,
			"index": em.thinkingIndex,
		})
		em.thinkingIndex = -1
	}
}

// closeOpen closes whatever block is still open, thinking first.
func (em *anthropicEmitter) closeOpen() {
	em.closeThinking()
	em.closeText()
}

// toolUse emits a complete tool_use block: start with an empty input, one
// input_json_delta carrying the full arguments, and stop. Undecodable
// arguments degrade to an empty input.
func (em *anthropicEmitter) toolUse(tc typ.ToolCall) {
	id := tc.ID
	if id == "" {
		id = "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}
	index := em.nextIndex
	em.nextIndex++

	em.send(eventTypeContentBlockStart, map[string]any{
		"type":  eventTypeContentBlockStart,
		"index": index,
		"content_block": map[string]any{
			"type":  blockTypeToolUse,
			"id":    id,
			"name":  tc.Name,
			"input": map[string]any{},
		},
	})

	if input := decodeToolInput(tc); len(input) > 0 {
		if partial, err := json.Marshal(input); err == nil {
			em.send(eventTypeContentBlockDelta, map[string]any{
				"type":  eventTypeContentBlockDelta,
				"index": index,
				"delta": map[string]any{"type": deltaTypeInputJSONDelta, "partial_json": string(partial)},
			})
		}
	}

	em.send(eventTypeContentBlockStop, map[string]any{
		"type":  eventTypeContentBlockStop,
		"index": index,
	})
}

// messageDelta carries the stop reason and the final output-token count.
func (em *anthropicEmitter) messageDelta(stopReason string, outputTokens int) {
	em.send(eventTypeMessageDelta, map[string]any{
		"type": eventTypeMessageDelta,
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	})
}

func (em *anthropicEmitter) messageStop() {
	em.send(eventTypeMessageStop, map[string]any{"type": eventTypeMessageStop})
}

func decodeToolInput(tc typ.ToolCall) map[string]any {
	var input map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
		logrus.Warnf("Tool call %q carries undecodable arguments, sending empty input", tc.Name)
		return nil
	}
	return input
}

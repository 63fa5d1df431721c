package customapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/thinking"
	"github.com/kirobox/kirobox/internal/tokencount"
)

// chatChunk is the decoded form of one chat.completion.chunk. Only the
// first choice is consumed.
type chatChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
	Error   *eventError   `json:"error"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	Refusal          string          `json:"refusal"`
	ToolCalls        []chunkToolCall `json:"tool_calls"`
}

type chunkToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// mapFinishReason translates an OpenAI finish_reason into an Anthropic
// stop_reason. Unknown and missing reasons read as a normal end of turn.
func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return stopReasonMaxTokens
	case "tool_calls", "function_call":
		return stopReasonToolUse
	}
	return stopReasonEndTurn
}

// chunkConverter turns an OpenAI chunk stream into Anthropic message
// events. At most one content block is open at a time; text, thinking, and
// tool blocks close each other as the stream switches channels. Thinking
// arrives two ways: a dedicated reasoning_content field, or tags inline in
// the content that the parser splits out when thinking is on.
type chunkConverter struct {
	send eventSink
	tags *thinking.Parser

	messageID   string
	model       string
	inputTokens int

	started    bool
	done       bool
	nextIndex  int
	textIndex  int
	thinkIndex int

	// toolBlocks maps the upstream tool-call index to the content block it
	// opened, so argument fragments land on the right block even when a
	// chunk interleaves calls.
	toolBlocks map[int]int
	openTool   int

	emitted      strings.Builder
	finishReason string
	usage        *chunkUsage
	toolCalls    int

	finalUsage tokencount.Usage
	stopReason string
}

func newChunkConverter(send eventSink, model string, inputTokens int, thinkingEnabled bool) *chunkConverter {
	cv := &chunkConverter{
		send:        send,
		messageID:   newMessageID(),
		model:       model,
		inputTokens: inputTokens,
		textIndex:   -1,
		thinkIndex:  -1,
		openTool:    -1,
		toolBlocks:  make(map[int]int),
	}
	if thinkingEnabled {
		cv.tags = thinking.NewParser()
	}
	return cv
}

func (cv *chunkConverter) ensureStarted() {
	if cv.started {
		return
	}
	cv.started = true
	cv.send(eventTypeMessageStart, messageStartPayload(cv.messageID, cv.model, cv.inputTokens))
	cv.send(eventTypePing, map[string]any{"type": eventTypePing})
}

// feed routes one decoded chunk into block events.
func (cv *chunkConverter) feed(chunk *chatChunk) {
	if cv.done {
		return
	}
	cv.ensureStarted()
	if chunk.Usage != nil {
		cv.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := &chunk.Choices[0]

	if choice.Delta.ReasoningContent != "" {
		cv.thinkingDelta(choice.Delta.ReasoningContent)
	}
	if choice.Delta.Content != "" {
		if cv.tags != nil {
			for _, seg := range cv.tags.Process(choice.Delta.Content) {
				cv.segment(seg)
			}
		} else {
			cv.textDelta(choice.Delta.Content)
		}
	}
	if choice.Delta.Refusal != "" {
		cv.textDelta(choice.Delta.Refusal)
	}
	for i := range choice.Delta.ToolCalls {
		cv.toolDelta(&choice.Delta.ToolCalls[i])
	}
	if choice.FinishReason != "" {
		cv.finishReason = choice.FinishReason
	}
}

func (cv *chunkConverter) segment(seg thinking.Segment) {
	if seg.Type == thinking.SegmentThinking {
		switch seg.Action {
		case thinking.ActionStart:
			cv.openThinking()
		case thinking.ActionDelta:
			if seg.Content != "" {
				cv.thinkingDelta(seg.Content)
			}
		case thinking.ActionStop:
			cv.closeThinking()
		}
		return
	}
	if seg.Action == thinking.ActionDelta && seg.Content != "" {
		cv.textDelta(seg.Content)
	}
}

func (cv *chunkConverter) openThinking() {
	if cv.thinkIndex >= 0 {
		return
	}
	cv.closeText()
	cv.closeTool()
	cv.thinkIndex = cv.nextIndex
	cv.nextIndex++
	cv.send(eventTypeContentBlockStart, map[string]any{
		"type":          eventTypeContentBlockStart,
		"index":         cv.thinkIndex,
		"content_block": map[string]any{"type": blockTypeThinking, "thinking": ""},
	})
}

func (cv *chunkConverter) thinkingDelta(text string) {
	cv.openThinking()
	cv.emitted.WriteString(text)
	cv.send(eventTypeContentBlockDelta, map[string]any{
		"type":  eventTypeContentBlockDelta,
		"index": cv.thinkIndex,
		"delta": map[string]any{"type": deltaTypeThinkingDelta, "thinking": text},
	})
}

func (cv *chunkConverter) textDelta(text string) {
	if cv.textIndex < 0 {
		cv.closeThinking()
		cv.closeTool()
		cv.textIndex = cv.nextIndex
		cv.nextIndex++
		cv.send(eventTypeContentBlockStart, map[string]any{
			"type":          eventTypeContentBlockStart,
			"index":         cv.textIndex,
			"content_block": map[string]any{"type": blockTypeText, "text": ""},
		})
	}
	cv.emitted.WriteString(text)
	cv.send(eventTypeContentBlockDelta, map[string]any{
		"type":  eventTypeContentBlockDelta,
		"index": cv.textIndex,
		"delta": map[string]any{"type": deltaTypeTextDelta, "text": text},
	})
}

// toolDelta opens a tool block when the fragment names a new call and
// forwards argument fragments to the block the call opened.
func (cv *chunkConverter) toolDelta(tc *chunkToolCall) {
	if tc.ID != "" || tc.Function.Name != "" {
		cv.closeThinking()
		cv.closeText()
		cv.closeTool()

		block := cv.nextIndex
		cv.nextIndex++
		cv.toolBlocks[tc.Index] = block
		cv.openTool = block
		cv.toolCalls++

		id := tc.ID
		if id == "" {
			id = newToolID()
		}
		cv.send(eventTypeContentBlockStart, map[string]any{
			"type":  eventTypeContentBlockStart,
			"index": block,
			"content_block": map[string]any{
				"type":  blockTypeToolUse,
				"id":    id,
				"name":  tc.Function.Name,
				"input": map[string]any{},
			},
		})
	}
	if tc.Function.Arguments == "" {
		return
	}
	block, ok := cv.toolBlocks[tc.Index]
	if !ok {
		logrus.Warnf("Dropping tool arguments for unknown call index %d", tc.Index)
		return
	}
	cv.emitted.WriteString(tc.Function.Arguments)
	cv.send(eventTypeContentBlockDelta, map[string]any{
		"type":  eventTypeContentBlockDelta,
		"index": block,
		"delta": map[string]any{"type": deltaTypeInputJSONDelta, "partial_json": tc.Function.Arguments},
	})
}

func (cv *chunkConverter) closeText() {
	if cv.textIndex >= 0 {
		cv.send(eventTypeContentBlockStop, map[string]any{
			"type":  eventTypeContentBlockStop,
			"index": cv.textIndex,
		})
		cv.textIndex = -1
	}
}

func (cv *chunkConverter) closeThinking() {
	if cv.thinkIndex >= 0 {
		cv.send(eventTypeContentBlockStop, map[string]any{
			"type":  eventTypeContentBlockStop,
			"index": cv.thinkIndex,
		})
		cv.thinkIndex = -1
	}
}

func (cv *chunkConverter) closeTool() {
	if cv.openTool >= 0 {
		cv.send(eventTypeContentBlockStop, map[string]any{
			"type":  eventTypeContentBlockStop,
			"index": cv.openTool,
		})
		cv.openTool = -1
	}
}

// finish flushes the tag parser, closes open blocks, and emits the message
// tail exactly once. An upstream that sent nothing still yields a complete
// envelope.
func (cv *chunkConverter) finish() {
	if cv.done {
		return
	}
	cv.done = true
	cv.ensureStarted()

	if cv.tags != nil {
		for _, seg := range cv.tags.Flush() {
			cv.segment(seg)
		}
	}
	cv.closeThinking()
	cv.closeText()
	cv.closeTool()

	cv.stopReason = mapFinishReason(cv.finishReason)
	if cv.finishReason == "" && cv.toolCalls > 0 {
		cv.stopReason = stopReasonToolUse
	}

	cv.finalUsage = tokencount.Usage{
		InputTokens: cv.inputTokens,
		Source:      tokencount.SourceTiktoken,
	}
	if cv.usage != nil {
		if cv.usage.PromptTokens > 0 {
			cv.finalUsage.InputTokens = cv.usage.PromptTokens
		}
		cv.finalUsage.OutputTokens = cv.usage.CompletionTokens
		cv.finalUsage.Source = tokencount.SourceUpstream
	} else {
		cv.finalUsage.OutputTokens = tokencount.Count(cv.emitted.String())
	}
	cv.finalUsage.TotalTokens = cv.finalUsage.InputTokens + cv.finalUsage.OutputTokens

	usage := map[string]any{"output_tokens": cv.finalUsage.OutputTokens}
	if cv.usage != nil && cv.usage.PromptTokens > 0 {
		usage["input_tokens"] = cv.usage.PromptTokens
	}
	cv.send(eventTypeMessageDelta, map[string]any{
		"type": eventTypeMessageDelta,
		"delta": map[string]any{
			"stop_reason":   cv.stopReason,
			"stop_sequence": nil,
		},
		"usage": usage,
	})
	cv.send(eventTypeMessageStop, map[string]any{"type": eventTypeMessageStop})
}

func (cv *chunkConverter) result() *Result {
	return &Result{
		Completed:  cv.done,
		Usage:      cv.finalUsage,
		StopReason: cv.stopReason,
		ToolCalls:  cv.toolCalls,
	}
}

// convertChunkStream feeds the upstream body through the converter until
// [DONE] or EOF. Undecodable chunks are skipped; a missing [DONE] still
// closes the message.
func convertChunkStream(ctx context.Context, r io.Reader, cv *chunkConverter) error {
	sc := newEventScanner(r)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, data := parseSSEBlock(sc.Bytes())
		if data == "" {
			continue
		}
		if data == doneMarker {
			cv.finish()
			return nil
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logrus.Warnf("Skipping undecodable upstream chunk: %v", err)
			continue
		}
		if chunk.Error != nil {
			msg := chunk.Error.Message
			if msg == "" {
				msg = "upstream error"
			}
			return errors.New(msg)
		}
		cv.feed(&chunk)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	cv.finish()
	return nil
}

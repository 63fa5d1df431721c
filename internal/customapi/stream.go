package customapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/tokencount"
	"github.com/kirobox/kirobox/internal/typ"
)

// StreamAnthropic relays a delegated exchange as Anthropic message SSE.
// Same-dialect accounts pass through block by block; OpenAI accounts run
// through the chunk converter. The upstream is opened before any bytes are
// written, so pre-stream failures surface as the returned error.
func (cl *Client) StreamAnthropic(c *gin.Context, d *Delegation) (*Result, error) {
	ob, err := buildOutbound(d)
	if err != nil {
		return nil, err
	}
	resp, err := cl.open(c.Request.Context(), ob)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	flusher, err := writeSSEHeaders(c)
	if err != nil {
		return nil, err
	}
	send := liveSink(c, flusher)
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("Panic in delegated Anthropic streaming handler: %v", rec)
			errorEvent(send, "internal streaming error")
		}
	}()

	if ob.format == typ.FormatAnthropic {
		return relayAnthropic(c, flusher, send, resp.Body, ob.inputTokens), nil
	}

	cv := newChunkConverter(send, d.Request.Model, ob.inputTokens, ob.thinkingEnabled)
	if err := convertChunkStream(c.Request.Context(), resp.Body, cv); err != nil {
		if errors.Is(err, context.Canceled) {
			logrus.Debug("Client disconnected, aborting delegated Anthropic stream")
			return &Result{}, nil
		}
		logrus.Errorf("Error during delegated Anthropic streaming: %v", err)
		errorEvent(send, err.Error())
		return &Result{}, nil
	}
	return cv.result(), nil
}

// StreamOpenAI relays a delegated exchange as chat.completion.chunk SSE.
// Same-dialect accounts pass through; Anthropic accounts are rendered into
// chunks. Mid-stream failures truncate the stream; the chunk format has no
// error event.
func (cl *Client) StreamOpenAI(c *gin.Context, d *Delegation) (*Result, error) {
	ob, err := buildOutbound(d)
	if err != nil {
		return nil, err
	}
	resp, err := cl.open(c.Request.Context(), ob)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	flusher, err := writeSSEHeaders(c)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("Panic in delegated OpenAI streaming handler: %v", rec)
		}
	}()

	if ob.format == typ.FormatAnthropic {
		return cl.renderOpenAI(c, flusher, resp.Body, d.Request.Model, ob.inputTokens)
	}
	return relayOpenAI(c, flusher, resp.Body, ob.inputTokens), nil
}

// relayAnthropic forwards upstream SSE blocks verbatim, skimming each one
// for the usage and stop data the caller records.
func relayAnthropic(c *gin.Context, flusher http.Flusher, send eventSink, body io.Reader, inputEstimate int) *Result {
	skim := newAnthropicSkim(inputEstimate)
	sc := newEventScanner(body)
	for sc.Scan() {
		select {
		case <-c.Request.Context().Done():
			logrus.Debug("Client disconnected, aborting delegated Anthropic stream")
			return &Result{}
		default:
		}
		block := sc.Bytes()
		if len(bytes.TrimSpace(block)) == 0 {
			continue
		}
		if _, err := c.Writer.Write(block); err != nil {
			return &Result{}
		}
		if _, err := io.WriteString(c.Writer, "\n\n"); err != nil {
			return &Result{}
		}
		flusher.Flush()
		skim.block(block)
	}
	if err := sc.Err(); err != nil {
		logrus.Errorf("Error relaying delegated Anthropic stream: %v", err)
		errorEvent(send, err.Error())
		return &Result{}
	}
	return skim.result()
}

// relayOpenAI forwards upstream chunk blocks verbatim, skimming for the
// finish reason, usage, and tool-call count.
func relayOpenAI(c *gin.Context, flusher http.Flusher, body io.Reader, inputEstimate int) *Result {
	skim := newOpenAISkim(inputEstimate)
	sc := newEventScanner(body)
	for sc.Scan() {
		select {
		case <-c.Request.Context().Done():
			logrus.Debug("Client disconnected, aborting delegated stream")
			return &Result{}
		default:
		}
		block := sc.Bytes()
		if len(bytes.TrimSpace(block)) == 0 {
			continue
		}
		if _, err := c.Writer.Write(block); err != nil {
			return &Result{}
		}
		if _, err := io.WriteString(c.Writer, "\n\n"); err != nil {
			return &Result{}
		}
		flusher.Flush()
		_, data := parseSSEBlock(block)
		skim.data(data)
	}
	if err := sc.Err(); err != nil {
		logrus.Errorf("Error relaying delegated stream: %v", err)
		return &Result{}
	}
	return skim.result()
}

// renderOpenAI turns upstream Anthropic events into chat.completion.chunk
// SSE. Thinking deltas have no chunk counterpart and are dropped.
func (cl *Client) renderOpenAI(c *gin.Context, flusher http.Flusher, body io.Reader, model string, inputEstimate int) (*Result, error) {
	rd := newChunkRenderer(func(chunk map[string]any) {
		c.SSEvent("", chunk)
		flusher.Flush()
	}, model, inputEstimate)

	sc := newEventScanner(body)
	for sc.Scan() {
		select {
		case <-c.Request.Context().Done():
			logrus.Debug("Client disconnected, aborting delegated stream")
			return &Result{}, nil
		default:
		}
		_, data := parseSSEBlock(sc.Bytes())
		if data == "" {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logrus.Warnf("Skipping undecodable upstream event: %v", err)
			continue
		}
		if rd.event(&ev) {
			break
		}
	}
	if err := sc.Err(); err != nil {
		logrus.Errorf("Error during delegated streaming: %v", err)
		return &Result{}, nil
	}
	if !rd.finished {
		return &Result{}, nil
	}

	c.SSEvent("", doneMarker)
	flusher.Flush()
	return rd.result(), nil
}

// anthropicSkim accumulates the outcome of a passed-through Anthropic
// stream without altering it.
type anthropicSkim struct {
	inputTokens  int
	outputTokens int
	upstream     bool
	text         strings.Builder
	stopReason   string
	toolCalls    int
	completed    bool
}

func newAnthropicSkim(inputEstimate int) *anthropicSkim {
	return &anthropicSkim{inputTokens: inputEstimate}
}

func (s *anthropicSkim) block(block []byte) {
	_, data := parseSSEBlock(block)
	if data == "" {
		return
	}
	var ev anthropicEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return
	}
	s.event(&ev)
}

func (s *anthropicSkim) event(ev *anthropicEvent) {
	switch ev.Type {
	case eventTypeMessageStart:
		if n := nestedInt(ev.Message, "usage", "input_tokens"); n > 0 {
			s.inputTokens = n
			s.upstream = true
		}
	case eventTypeContentBlockStart:
		if t, _ := ev.ContentBlock["type"].(string); t == blockTypeToolUse {
			s.toolCalls++
		}
	case eventTypeContentBlockDelta:
		s.text.WriteString(ev.Delta.Text)
		s.text.WriteString(ev.Delta.Thinking)
		s.text.WriteString(ev.Delta.PartialJSON)
	case eventTypeMessageDelta:
		if ev.Delta.StopReason != "" {
			s.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				s.inputTokens = ev.Usage.InputTokens
				s.upstream = true
			}
			if ev.Usage.OutputTokens > 0 {
				s.outputTokens = ev.Usage.OutputTokens
				s.upstream = true
			}
		}
	case eventTypeMessageStop:
		s.completed = true
	}
}

func (s *anthropicSkim) result() *Result {
	usage := tokencount.Usage{
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		Source:       tokencount.SourceTiktoken,
	}
	if s.upstream {
		usage.Source = tokencount.SourceUpstream
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = tokencount.Count(s.text.String())
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	stop := s.stopReason
	if stop == "" {
		stop = stopReasonEndTurn
		if s.toolCalls > 0 {
			stop = stopReasonToolUse
		}
	}
	return &Result{
		Completed:  s.completed,
		Usage:      usage,
		StopReason: stop,
		ToolCalls:  s.toolCalls,
	}
}

// openaiSkim accumulates the outcome of a passed-through chunk stream.
type openaiSkim struct {
	inputTokens  int
	text         strings.Builder
	usage        *chunkUsage
	finishReason string
	toolCalls    int
	completed    bool
}

func newOpenAISkim(inputEstimate int) *openaiSkim {
	return &openaiSkim{inputTokens: inputEstimate}
}

func (s *openaiSkim) data(data string) {
	if data == "" {
		return
	}
	if data == doneMarker {
		s.completed = true
		return
	}
	var chunk chatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := &chunk.Choices[0]
	s.text.WriteString(choice.Delta.ReasoningContent)
	s.text.WriteString(choice.Delta.Content)
	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" || tc.Function.Name != "" {
			s.toolCalls++
		}
		s.text.WriteString(tc.Function.Arguments)
	}
	if choice.FinishReason != "" {
		s.finishReason = choice.FinishReason
	}
}

func (s *openaiSkim) result() *Result {
	usage := tokencount.Usage{
		InputTokens: s.inputTokens,
		Source:      tokencount.SourceTiktoken,
	}
	if s.usage != nil {
		if s.usage.PromptTokens > 0 {
			usage.InputTokens = s.usage.PromptTokens
		}
		usage.OutputTokens = s.usage.CompletionTokens
		usage.Source = tokencount.SourceUpstream
	} else {
		usage.OutputTokens = tokencount.Count(s.text.String())
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	finish := s.finishReason
	if finish == "" {
		finish = finishReasonStop
		if s.toolCalls > 0 {
			finish = finishReasonToolCalls
		}
	}
	return &Result{
		Completed:  s.completed,
		Usage:      usage,
		StopReason: finish,
		ToolCalls:  s.toolCalls,
	}
}

// chunkRenderer turns Anthropic message events into chat.completion
// chunks. Tool blocks become incremental tool_calls fragments numbered in
// encounter order.
type chunkRenderer struct {
	write        func(map[string]any)
	completionID string
	created      int64
	model        string

	inputTokens  int
	outputTokens int
	upstream     bool

	sentRole   bool
	nextTool   int
	blockTools map[int]int
	emitted    strings.Builder
	stopReason string
	toolCalls  int
	finished   bool
}

func newChunkRenderer(write func(map[string]any), model string, inputEstimate int) *chunkRenderer {
	return &chunkRenderer{
		write:        write,
		completionID: newCompletionID(),
		created:      time.Now().Unix(),
		model:        model,
		inputTokens:  inputEstimate,
		blockTools:   make(map[int]int),
	}
}

func (rd *chunkRenderer) chunk(delta map[string]any, finishReason any) map[string]any {
	return map[string]any{
		"id":      rd.completionID,
		"object":  objectChatCompletionChunk,
		"created": rd.created,
		"model":   rd.model,
		"choices": []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finishReason}},
	}
}

// event consumes one upstream event. It returns true when the stream is
// over, either normally or on an upstream error event.
func (rd *chunkRenderer) event(ev *anthropicEvent) bool {
	switch ev.Type {
	case eventTypeMessageStart:
		if n := nestedInt(ev.Message, "usage", "input_tokens"); n > 0 {
			rd.inputTokens = n
			rd.upstream = true
		}
		if !rd.sentRole {
			rd.sentRole = true
			rd.write(rd.chunk(map[string]any{"role": "assistant"}, nil))
		}

	case eventTypeContentBlockStart:
		if t, _ := ev.ContentBlock["type"].(string); t == blockTypeToolUse {
			idx := rd.nextTool
			rd.nextTool++
			rd.blockTools[ev.Index] = idx
			rd.toolCalls++
			id, _ := ev.ContentBlock["id"].(string)
			name, _ := ev.ContentBlock["name"].(string)
			rd.write(rd.chunk(map[string]any{
				"tool_calls": []any{map[string]any{
					"index": idx,
					"id":    id,
					"type":  "function",
					"function": map[string]any{
						"name":      name,
						"arguments": "",
					},
				}},
			}, nil))
		}

	case eventTypeContentBlockDelta:
		switch ev.Delta.Type {
		case deltaTypeTextDelta:
			if ev.Delta.Text != "" {
				rd.emitted.WriteString(ev.Delta.Text)
				rd.write(rd.chunk(map[string]any{"content": ev.Delta.Text}, nil))
			}
		case deltaTypeInputJSONDelta:
			if idx, ok := rd.blockTools[ev.Index]; ok && ev.Delta.PartialJSON != "" {
				rd.emitted.WriteString(ev.Delta.PartialJSON)
				rd.write(rd.chunk(map[string]any{
					"tool_calls": []any{map[string]any{
						"index":    idx,
						"function": map[string]any{"arguments": ev.Delta.PartialJSON},
					}},
				}, nil))
			}
		}

	case eventTypeMessageDelta:
		if ev.Delta.StopReason != "" {
			rd.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				rd.inputTokens = ev.Usage.InputTokens
			}
			if ev.Usage.OutputTokens > 0 {
				rd.outputTokens = ev.Usage.OutputTokens
			}
			rd.upstream = true
		}

	case eventTypeMessageStop:
		usage := rd.usage()
		final := rd.chunk(map[string]any{}, rd.finishReason())
		final["usage"] = map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.TotalTokens,
		}
		rd.write(final)
		rd.finished = true
		return true

	case eventTypeError:
		msg := "upstream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		logrus.Errorf("Upstream error event mid-stream: %s", msg)
		return true
	}
	return false
}

func (rd *chunkRenderer) finishReason() string {
	return openaiFinishReason(rd.stopReason, rd.toolCalls)
}

func (rd *chunkRenderer) usage() tokencount.Usage {
	usage := tokencount.Usage{
		InputTokens:  rd.inputTokens,
		OutputTokens: rd.outputTokens,
		Source:       tokencount.SourceTiktoken,
	}
	if rd.upstream {
		usage.Source = tokencount.SourceUpstream
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = tokencount.Count(rd.emitted.String())
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

func (rd *chunkRenderer) result() *Result {
	return &Result{
		Completed:  rd.finished,
		Usage:      rd.usage(),
		StopReason: rd.finishReason(),
		ToolCalls:  rd.toolCalls,
	}
}

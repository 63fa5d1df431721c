package customapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/tokencount"
	"github.com/kirobox/kirobox/internal/typ"
)

// CollectAnthropic runs the delegated exchange to completion and returns
// one message object. The upstream call still streams; the events are
// folded locally.
func (cl *Client) CollectAnthropic(ctx context.Context, d *Delegation) (map[string]any, *Result, error) {
	ob, err := buildOutbound(d)
	if err != nil {
		return nil, nil, err
	}
	resp, err := cl.open(ctx, ob)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if ob.format == typ.FormatAnthropic {
		f, err := foldAnthropic(ctx, resp.Body)
		if err != nil {
			return nil, nil, err
		}
		msg, res := f.anthropicResponse(d.Request.Model, ob.inputTokens)
		return msg, res, nil
	}

	dr, err := drainChunks(ctx, resp.Body)
	if err != nil {
		return nil, nil, err
	}
	msg, res := dr.anthropicResponse(d.Request.Model, ob.inputTokens)
	return msg, res, nil
}

// CollectOpenAI runs the delegated exchange to completion and returns one
// chat.completion object.
func (cl *Client) CollectOpenAI(ctx context.Context, d *Delegation) (map[string]any, *Result, error) {
	ob, err := buildOutbound(d)
	if err != nil {
		return nil, nil, err
	}
	resp, err := cl.open(ctx, ob)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if ob.format == typ.FormatAnthropic {
		f, err := foldAnthropic(ctx, resp.Body)
		if err != nil {
			return nil, nil, err
		}
		out, res := f.openaiResponse(d.Request.Model, ob.inputTokens)
		return out, res, nil
	}

	dr, err := drainChunks(ctx, resp.Body)
	if err != nil {
		return nil, nil, err
	}
	out, res := dr.openaiResponse(d.Request.Model, ob.inputTokens)
	return out, res, nil
}

// openaiFinishReason maps an Anthropic stop_reason onto the chunk dialect.
func openaiFinishReason(stopReason string, toolCalls int) string {
	switch stopReason {
	case stopReasonMaxTokens:
		return finishReasonLength
	case stopReasonToolUse:
		return finishReasonToolCalls
	case "":
		if toolCalls > 0 {
			return finishReasonToolCalls
		}
	}
	return finishReasonStop
}

func openaiToolCallList(calls []typ.ToolCall) []any {
	out := make([]any, 0, len(calls))
	for _, tc := range calls {
		out = append(out, map[string]any{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.Name,
				"arguments": argumentsOrEmpty(tc.Arguments),
			},
		})
	}
	return out
}

// folded is a fully consumed Anthropic event stream. Raw maps from the
// start events are kept so fields this package does not model survive the
// round trip, signatures included.
type folded struct {
	message      map[string]any
	blocks       []*foldedBlock
	byIndex      map[int]*foldedBlock
	stopReason   string
	stopSequence string
	inputTokens  int
	outputTokens int
	sawUsage     bool
	completed    bool
}

type foldedBlock struct {
	raw       map[string]any
	text      strings.Builder
	thinking  strings.Builder
	partial   strings.Builder
	signature string
}

// foldAnthropic consumes the event stream to message_stop or EOF. An
// upstream error event aborts the fold; nothing has been written to the
// client yet, so it surfaces as a plain error.
func foldAnthropic(ctx context.Context, r io.Reader) (*folded, error) {
	f := &folded{byIndex: make(map[int]*foldedBlock)}
	sc := newEventScanner(r)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
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
		if ev.Type == eventTypeError {
			up := &UpstreamError{StatusCode: http.StatusBadGateway, Type: "api_error", Message: "upstream error"}
			if ev.Error != nil {
				if ev.Error.Type != "" {
					up.Type = ev.Error.Type
				}
				if ev.Error.Message != "" {
					up.Message = ev.Error.Message
				}
			}
			return nil, up
		}
		f.event(&ev)
		if f.completed {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *folded) event(ev *anthropicEvent) {
	switch ev.Type {
	case eventTypeMessageStart:
		f.message = ev.Message
		if n := nestedInt(ev.Message, "usage", "input_tokens"); n > 0 {
			f.inputTokens = n
			f.sawUsage = true
		}
	case eventTypeContentBlockStart:
		raw := ev.ContentBlock
		if raw == nil {
			raw = map[string]any{}
		}
		b := &foldedBlock{raw: raw}
		f.blocks = append(f.blocks, b)
		f.byIndex[ev.Index] = b
	case eventTypeContentBlockDelta:
		b, ok := f.byIndex[ev.Index]
		if !ok {
			return
		}
		switch ev.Delta.Type {
		case deltaTypeTextDelta:
			b.text.WriteString(ev.Delta.Text)
		case deltaTypeThinkingDelta:
			b.thinking.WriteString(ev.Delta.Thinking)
		case deltaTypeInputJSONDelta:
			b.partial.WriteString(ev.Delta.PartialJSON)
		case deltaTypeSignatureDelta:
			b.signature += ev.Delta.Signature
		}
	case eventTypeMessageDelta:
		if ev.Delta.StopReason != "" {
			f.stopReason = ev.Delta.StopReason
		}
		if ev.Delta.StopSequence != "" {
			f.stopSequence = ev.Delta.StopSequence
		}
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				f.inputTokens = ev.Usage.InputTokens
			}
			if ev.Usage.OutputTokens > 0 {
				f.outputTokens = ev.Usage.OutputTokens
			}
			f.sawUsage = true
		}
	case eventTypeMessageStop:
		f.completed = true
	}
}

func (f *folded) usageFor(inputEstimate int) tokencount.Usage {
	usage := tokencount.Usage{
		InputTokens: inputEstimate,
		Source:      tokencount.SourceTiktoken,
	}
	if f.sawUsage {
		if f.inputTokens > 0 {
			usage.InputTokens = f.inputTokens
		}
		usage.OutputTokens = f.outputTokens
		usage.Source = tokencount.SourceUpstream
	}
	if usage.OutputTokens == 0 {
		var sb strings.Builder
		for _, b := range f.blocks {
			sb.WriteString(b.text.String())
			sb.WriteString(b.thinking.String())
			sb.WriteString(b.partial.String())
		}
		usage.OutputTokens = tokencount.Count(sb.String())
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

// anthropicResponse reassembles the folded stream into the non-streaming
// message shape, keeping the upstream's own message envelope when it sent
// one.
func (f *folded) anthropicResponse(model string, inputEstimate int) (map[string]any, *Result) {
	msg := f.message
	if msg == nil {
		msg = map[string]any{
			"id":    newMessageID(),
			"type":  "message",
			"role":  "assistant",
			"model": model,
		}
	}

	blocks := make([]any, 0, len(f.blocks))
	toolCalls := 0
	for _, b := range f.blocks {
		block := make(map[string]any, len(b.raw)+1)
		for k, v := range b.raw {
			block[k] = v
		}
		switch t, _ := b.raw["type"].(string); t {
		case blockTypeText:
			block["text"] = b.text.String()
		case blockTypeThinking:
			block["thinking"] = b.thinking.String()
			if b.signature != "" {
				block["signature"] = b.signature
			}
		case blockTypeToolUse:
			toolCalls++
			if b.partial.Len() > 0 {
				block["input"] = toolInputMap(b.partial.String())
			} else if _, ok := block["input"]; !ok {
				block["input"] = map[string]any{}
			}
		}
		blocks = append(blocks, block)
	}
	msg["content"] = blocks

	stop := f.stopReason
	if stop == "" {
		stop = stopReasonEndTurn
		if toolCalls > 0 {
			stop = stopReasonToolUse
		}
	}
	msg["stop_reason"] = stop
	if f.stopSequence != "" {
		msg["stop_sequence"] = f.stopSequence
	} else {
		msg["stop_sequence"] = nil
	}

	usage := f.usageFor(inputEstimate)
	um, _ := msg["usage"].(map[string]any)
	if um == nil {
		um = map[string]any{}
	}
	um["input_tokens"] = usage.InputTokens
	um["output_tokens"] = usage.OutputTokens
	msg["usage"] = um

	return msg, &Result{
		Completed:  f.completed,
		Usage:      usage,
		StopReason: stop,
		ToolCalls:  toolCalls,
	}
}

// openaiResponse renders the folded stream as one chat.completion.
// Thinking blocks have no counterpart in this dialect and are dropped.
func (f *folded) openaiResponse(model string, inputEstimate int) (map[string]any, *Result) {
	var texts []string
	var calls []typ.ToolCall
	for _, b := range f.blocks {
		switch t, _ := b.raw["type"].(string); t {
		case blockTypeText:
			texts = append(texts, b.text.String())
		case blockTypeToolUse:
			id, _ := b.raw["id"].(string)
			if id == "" {
				id = newToolID()
			}
			name, _ := b.raw["name"].(string)
			args := b.partial.String()
			if args == "" {
				if input, ok := b.raw["input"].(map[string]any); ok && len(input) > 0 {
					if encoded, err := json.Marshal(input); err == nil {
						args = string(encoded)
					}
				}
			}
			calls = append(calls, typ.ToolCall{ID: id, Name: name, Arguments: args})
		}
	}

	message := map[string]any{"role": "assistant", "content": strings.Join(texts, "\n")}
	if len(calls) > 0 {
		message["tool_calls"] = openaiToolCallList(calls)
	}
	finish := openaiFinishReason(f.stopReason, len(calls))
	usage := f.usageFor(inputEstimate)

	resp := map[string]any{
		"id":      newCompletionID(),
		"object":  objectChatCompletion,
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{"index": 0, "message": message, "finish_reason": finish}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	return resp, &Result{
		Completed:  f.completed,
		Usage:      usage,
		StopReason: finish,
		ToolCalls:  len(calls),
	}
}

// drainedChunks is a fully consumed chunk stream. Content keeps any
// thinking tags inline; the reasoning channel stays separate.
type drainedChunks struct {
	content      strings.Builder
	reasoning    strings.Builder
	calls        []typ.ToolCall
	callIndex    map[int]int
	finishReason string
	usage        *chunkUsage
	completed    bool
}

// drainChunks consumes the chunk stream to [DONE] or EOF. Providers that
// skip [DONE] but send a finish_reason still count as complete.
func drainChunks(ctx context.Context, r io.Reader) (*drainedChunks, error) {
	d := &drainedChunks{callIndex: make(map[int]int)}
	sc := newEventScanner(r)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		_, data := parseSSEBlock(sc.Bytes())
		if data == "" {
			continue
		}
		if data == doneMarker {
			d.completed = true
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logrus.Warnf("Skipping undecodable upstream chunk: %v", err)
			continue
		}
		if chunk.Error != nil {
			up := &UpstreamError{StatusCode: http.StatusBadGateway, Type: "api_error", Message: "upstream error"}
			if t := mapOpenAIErrorType(chunk.Error.Type); t != "" {
				up.Type = t
			}
			if chunk.Error.Message != "" {
				up.Message = chunk.Error.Message
			}
			return nil, up
		}
		d.feed(&chunk)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if d.finishReason != "" {
		d.completed = true
	}
	return d, nil
}

func (d *drainedChunks) feed(chunk *chatChunk) {
	if chunk.Usage != nil {
		d.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := &chunk.Choices[0]
	d.reasoning.WriteString(choice.Delta.ReasoningContent)
	d.content.WriteString(choice.Delta.Content)
	d.content.WriteString(choice.Delta.Refusal)
	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" || tc.Function.Name != "" {
			id := tc.ID
			if id == "" {
				id = newToolID()
			}
			d.callIndex[tc.Index] = len(d.calls)
			d.calls = append(d.calls, typ.ToolCall{ID: id, Name: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			if pos, ok := d.callIndex[tc.Index]; ok {
				d.calls[pos].Arguments += tc.Function.Arguments
			}
		}
	}
	if choice.FinishReason != "" {
		d.finishReason = choice.FinishReason
	}
}

func (d *drainedChunks) usageFor(inputEstimate int) tokencount.Usage {
	usage := tokencount.Usage{
		InputTokens: inputEstimate,
		Source:      tokencount.SourceTiktoken,
	}
	if d.usage != nil {
		if d.usage.PromptTokens > 0 {
			usage.InputTokens = d.usage.PromptTokens
		}
		usage.OutputTokens = d.usage.CompletionTokens
		usage.Source = tokencount.SourceUpstream
	} else {
		var sb strings.Builder
		sb.WriteString(d.reasoning.String())
		sb.WriteString(d.content.String())
		for _, tc := range d.calls {
			sb.WriteString(tc.Arguments)
		}
		usage.OutputTokens = tokencount.Count(sb.String())
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

// anthropicResponse renders the drained chunks as one message object. The
// reasoning channel becomes a thinking block; tagged thinking inside the
// content stays inline, matching the streaming passthrough.
func (d *drainedChunks) anthropicResponse(model string, inputEstimate int) (map[string]any, *Result) {
	blocks := []map[string]any{}
	if r := d.reasoning.String(); r != "" {
		blocks = append(blocks, map[string]any{"type": blockTypeThinking, "thinking": r})
	}
	if c := d.content.String(); c != "" {
		blocks = append(blocks, map[string]any{"type": blockTypeText, "text": c})
	}
	for _, tc := range d.calls {
		blocks = append(blocks, map[string]any{
			"type":  blockTypeToolUse,
			"id":    tc.ID,
			"name":  tc.Name,
			"input": toolInputMap(tc.Arguments),
		})
	}

	stop := mapFinishReason(d.finishReason)
	if d.finishReason == "" && len(d.calls) > 0 {
		stop = stopReasonToolUse
	}
	usage := d.usageFor(inputEstimate)

	resp := map[string]any{
		"id":            newMessageID(),
		"type":          "message",
		"role":          "assistant",
		"content":       blocks,
		"model":         model,
		"stop_reason":   stop,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	}
	return resp, &Result{
		Completed:  d.completed,
		Usage:      usage,
		StopReason: stop,
		ToolCalls:  len(d.calls),
	}
}

// openaiResponse renders the drained chunks as one chat.completion,
// passing the upstream's own dialect through unchanged.
func (d *drainedChunks) openaiResponse(model string, inputEstimate int) (map[string]any, *Result) {
	message := map[string]any{"role": "assistant", "content": d.content.String()}
	if r := d.reasoning.String(); r != "" {
		message["reasoning_content"] = r
	}
	if len(d.calls) > 0 {
		message["tool_calls"] = openaiToolCallList(d.calls)
	}

	finish := d.finishReason
	if finish == "" {
		finish = finishReasonStop
		if len(d.calls) > 0 {
			finish = finishReasonToolCalls
		}
	}
	usage := d.usageFor(inputEstimate)

	resp := map[string]any{
		"id":      newCompletionID(),
		"object":  objectChatCompletion,
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{"index": 0, "message": message, "finish_reason": finish}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	return resp, &Result{
		Completed:  d.completed,
		Usage:      usage,
		StopReason: finish,
		ToolCalls:  len(d.calls),
	}
}

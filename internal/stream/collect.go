package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/tokencount"
	"github.com/kirobox/kirobox/internal/typ"
)

// drained is the accumulation of a fully consumed upstream stream.
type drained struct {
	content    string
	calls      []typ.ToolCall
	contextPct float64
	credits    float64
	hasCredits bool
}

// drain consumes the reader to EOF. An upstream exception frame or a read
// failure aborts; non-streaming responses have no way to carry a partial
// result.
func drain(r *eventReader) (*drained, error) {
	defer r.Close()

	var (
		content strings.Builder
		d       drained
	)
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case kiro.EventContent:
			content.WriteString(ev.Content)
		case kiro.EventUsage:
			d.credits, d.hasCredits = ev.Credits, true
		case kiro.EventContextUsage:
			d.contextPct = ev.Percent
		case kiro.EventException:
			return nil, fmt.Errorf("upstream exception: %s", ev.Exception)
		}
	}
	d.content = content.String()
	d.calls = kiro.DedupeToolCalls(append(r.ToolCalls(), kiro.ParseBracketToolCalls(d.content)...))
	return &d, nil
}

// CollectOpenAI drains the stream and returns one chat.completion object.
func (e *Engine) CollectOpenAI(ctx context.Context, open Opener) (map[string]any, *Result, error) {
	r, err := e.open(ctx, open)
	if err != nil {
		return nil, nil, err
	}
	d, err := drain(r)
	if err != nil {
		return nil, nil, err
	}

	message := map[string]any{"role": "assistant", "content": d.content}
	finishReason := finishReasonStop
	if len(d.calls) > 0 {
		finishReason = finishReasonToolCalls
		message["tool_calls"] = openAIToolCalls(d.calls, false)
	}

	usage := tokencount.Calculate(d.content, d.contextPct, e.opts.Catalog.MaxInputTokens(e.opts.Model), e.opts.Request)
	logrus.Debugf("[Usage] %s: prompt_tokens=%d (%s), completion_tokens=%d (tiktoken), total_tokens=%d",
		e.opts.Model, usage.InputTokens, usage.Source, usage.OutputTokens, usage.TotalTokens)

	resp := map[string]any{
		"id":      newCompletionID(),
		"object":  objectChatCompletion,
		"created": time.Now().Unix(),
		"model":   e.opts.Model,
		"choices": []any{map[string]any{"index": 0, "message": message, "finish_reason": finishReason}},
		"usage":   usageMap(usage, d.credits, d.hasCredits),
	}
	res := &Result{
		Completed:  true,
		Usage:      usage,
		Credits:    d.credits,
		HasCredits: d.hasCredits,
		ToolCalls:  len(d.calls),
		StopReason: finishReason,
	}
	return resp, res, nil
}

// CollectAnthropic drains the stream and returns one message object. The
// assembled text stays a single block with any thinking tags inline; only
// the streaming paths split them out.
func (e *Engine) CollectAnthropic(ctx context.Context, open Opener) (map[string]any, *Result, error) {
	r, err := e.open(ctx, open)
	if err != nil {
		return nil, nil, err
	}
	d, err := drain(r)
	if err != nil {
		return nil, nil, err
	}

	var blocks []map[string]any
	if d.content != "" {
		blocks = append(blocks, map[string]any{"type": blockTypeText, "text": d.content})
	}
	for _, tc := range d.calls {
		input := decodeToolInput(tc)
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  blockTypeToolUse,
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}
	if blocks == nil {
		blocks = []map[string]any{}
	}

	stopReason := stopReasonEndTurn
	if len(d.calls) > 0 {
		stopReason = stopReasonToolUse
	}

	usage := tokencount.Calculate(d.content, d.contextPct, e.opts.Catalog.MaxInputTokens(e.opts.Model), e.opts.Request)
	logrus.Debugf("[Anthropic Usage] %s: input_tokens=%d (%s), output_tokens=%d",
		e.opts.Model, usage.InputTokens, usage.Source, usage.OutputTokens)

	resp := map[string]any{
		"id":            newMessageID(),
		"type":          "message",
		"role":          "assistant",
		"content":       blocks,
		"model":         e.opts.Model,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	}
	res := &Result{
		Completed:  true,
		Usage:      usage,
		Credits:    d.credits,
		HasCredits: d.hasCredits,
		ToolCalls:  len(d.calls),
		StopReason: stopReason,
	}
	return resp, res, nil
}

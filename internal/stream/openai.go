package stream

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/tokencount"
	"github.com/kirobox/kirobox/internal/typ"
)

const (
	objectChatCompletion      = "chat.completion"
	objectChatCompletionChunk = "chat.completion.chunk"

	finishReasonStop      = "stop"
	finishReasonToolCalls = "tool_calls"
)

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// StreamOpenAI relays the upstream stream as chat.completion.chunk SSE.
// The upstream is opened before any bytes are written, so pre-stream
// failures surface as the returned error and the handler can still answer
// with a plain HTTP error. Mid-stream failures truncate the stream; the
// chunk format has no error event.
func (e *Engine) StreamOpenAI(c *gin.Context, open Opener) (*Result, error) {
	r, err := e.open(c.Request.Context(), open)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	flusher, err := writeSSEHeaders(c)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("Panic in OpenAI streaming handler: %v", rec)
		}
	}()

	completionID := newCompletionID()
	created := time.Now().Unix()

	writeChunk := func(chunk map[string]any) {
		c.SSEvent("", chunk)
		flusher.Flush()
	}

	var (
		content    strings.Builder
		contextPct float64
		credits    float64
		hasCredits bool
		sentRole   bool
	)

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logrus.Errorf("Error during streaming: %v", err)
			return &Result{}, nil
		}
		select {
		case <-c.Request.Context().Done():
			logrus.Debug("Client disconnected, aborting stream")
			return &Result{}, nil
		default:
		}

		switch ev.Type {
		case kiro.EventContent:
			content.WriteString(ev.Content)
			delta := map[string]any{"content": ev.Content}
			if !sentRole {
				delta["role"] = "assistant"
				sentRole = true
			}
			writeChunk(map[string]any{
				"id":      completionID,
				"object":  objectChatCompletionChunk,
				"created": created,
				"model":   e.opts.Model,
				"choices": []any{map[string]any{"index": 0, "delta": delta, "finish_reason": nil}},
			})
		case kiro.EventUsage:
			credits, hasCredits = ev.Credits, true
		case kiro.EventContextUsage:
			contextPct = ev.Percent
		case kiro.EventException:
			logrus.Errorf("Upstream exception mid-stream: %s", ev.Exception)
			return &Result{}, nil
		}
	}

	full := content.String()
	calls := kiro.DedupeToolCalls(append(r.ToolCalls(), kiro.ParseBracketToolCalls(full)...))

	finishReason := finishReasonStop
	if len(calls) > 0 {
		finishReason = finishReasonToolCalls
		logrus.Debugf("Relaying %d tool calls in streaming response", len(calls))
		writeChunk(map[string]any{
			"id":      completionID,
			"object":  objectChatCompletionChunk,
			"created": created,
			"model":   e.opts.Model,
			"choices": []any{map[string]any{
				"index":         0,
				"delta":         map[string]any{"tool_calls": openAIToolCalls(calls, true)},
				"finish_reason": nil,
			}},
		})
	}

	usage := tokencount.Calculate(full, contextPct, e.opts.Catalog.MaxInputTokens(e.opts.Model), e.opts.Request)
	logrus.Debugf("[Usage] %s: prompt_tokens=%d (%s), completion_tokens=%d (tiktoken), total_tokens=%d",
		e.opts.Model, usage.InputTokens, usage.Source, usage.OutputTokens, usage.TotalTokens)

	writeChunk(map[string]any{
		"id":      completionID,
		"object":  objectChatCompletionChunk,
		"created": created,
		"model":   e.opts.Model,
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{}, "finish_reason": finishReason}},
		"usage":   usageMap(usage, credits, hasCredits),
	})

	c.SSEvent("", "[DONE]")
	flusher.Flush()

	return &Result{
		Completed:  true,
		Usage:      usage,
		Credits:    credits,
		HasCredits: hasCredits,
		ToolCalls:  len(calls),
		StopReason: finishReason,
	}, nil
}

// openAIToolCalls renders assembled calls in the wire shape. Streaming
// chunks number each entry with an index; non-streaming entries omit it.
func openAIToolCalls(calls []typ.ToolCall, indexed bool) []any {
	out := make([]any, 0, len(calls))
	for i, tc := range calls {
		entry := map[string]any{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.Name,
				"arguments": tc.Arguments,
			},
		}
		if indexed {
			entry["index"] = i
		}
		out = append(out, entry)
	}
	return out
}

func usageMap(usage tokencount.Usage, credits float64, hasCredits bool) map[string]any {
	m := map[string]any{
		"prompt_tokens":     usage.InputTokens,
		"completion_tokens": usage.OutputTokens,
		"total_tokens":      usage.TotalTokens,
	}
	if hasCredits {
		m["credits_used"] = credits
	}
	return m
}

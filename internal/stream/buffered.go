package stream

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/thinking"
	"github.com/kirobox/kirobox/internal/tokencount"
)

const pingInterval = time.Duration(config.DefaultPingIntervalSec) * time.Second

// bufferedEvent is one SSE event held back until the stream completes.
type bufferedEvent struct {
	name    string
	payload map[string]any
}

// bufferedResult is everything the flush needs once the upstream stream
// has been fully consumed.
type bufferedResult struct {
	events       []bufferedEvent
	inputTokens  int
	outputTokens int
	source       string
	stopReason   string
	toolCalls    int
	err          error
}

// StreamAnthropicBuffered holds every event back until the upstream
// completes, emitting ping keepalives meanwhile, then replays the stream
// behind a message_start whose input_tokens is accurate. Clients that
// meter on message_start need this; they pay for it in latency.
func (e *Engine) StreamAnthropicBuffered(c *gin.Context, open Opener) (*Result, error) {
	r, err := e.open(c.Request.Context(), open)
	if err != nil {
		return nil, err
	}

	flusher, err := writeSSEHeaders(c)
	if err != nil {
		r.Close()
		return nil, err
	}

	send := liveSink(c, flusher)
	done := make(chan bufferedResult, 1)
	go func() { done <- e.consumeBuffered(r) }()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-done:
			if res.err != nil {
				logrus.Errorf("Error during buffered stream processing: %v", res.err)
				errorEvent(send, res.err.Error())
				return &Result{}, nil
			}
			send(eventTypeMessageStart, messageStartPayload(newMessageID(), e.opts.Model, res.inputTokens))
			for _, ev := range res.events {
				send(ev.name, ev.payload)
			}
			return &Result{
				Completed: true,
				Usage: tokencount.Usage{
					InputTokens:  res.inputTokens,
					OutputTokens: res.outputTokens,
					TotalTokens:  res.inputTokens + res.outputTokens,
					Source:       res.source,
				},
				ToolCalls:  res.toolCalls,
				StopReason: res.stopReason,
			}, nil
		case <-ticker.C:
			send(eventTypePing, map[string]any{"type": "ping"})
			logrus.Debug("Sent ping keepalive (buffered mode)")
		case <-c.Request.Context().Done():
			logrus.Debug("Client disconnected during buffered stream")
			r.Close()
			<-done
			return &Result{}, nil
		}
	}
}

// consumeBuffered drains the upstream into a buffer of block events and
// finalizes it with message_delta and message_stop. Always closes the
// reader.
func (e *Engine) consumeBuffered(r *eventReader) bufferedResult {
	defer r.Close()

	var buf []bufferedEvent
	em := newAnthropicEmitter(func(eventType string, payload map[string]any) {
		buf = append(buf, bufferedEvent{name: eventType, payload: payload})
	})

	tagParser := thinking.NewParser()
	var (
		content    strings.Builder
		contextPct float64
	)

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return bufferedResult{err: err}
		}

		switch ev.Type {
		case kiro.EventContent:
			content.WriteString(ev.Content)
			if e.opts.ThinkingEnabled {
				for _, seg := range tagParser.Process(ev.Content) {
					em.segment(seg)
				}
			} else if ev.Content != "" {
				em.text(ev.Content)
			}
		case kiro.EventContextUsage:
			contextPct = ev.Percent
			logrus.Debugf("Received context usage event: %.2f%%", contextPct)
		case kiro.EventException:
			return bufferedResult{err: fmt.Errorf("upstream exception: %s", ev.Exception)}
		}
	}

	if e.opts.ThinkingEnabled {
		for _, seg := range tagParser.Flush() {
			em.segment(seg)
		}
	}
	em.closeOpen()

	full := content.String()
	calls := kiro.DedupeToolCalls(append(r.ToolCalls(), kiro.ParseBracketToolCalls(full)...))
	for _, tc := range calls {
		em.toolUse(tc)
	}

	stopReason := stopReasonEndTurn
	if len(calls) > 0 {
		stopReason = stopReasonToolUse
	}
	outputTokens := tokencount.Count(full)
	em.messageDelta(stopReason, outputTokens)
	em.messageStop()

	// Unlike the live path, input here is the full context size reported by
	// the upstream, not the remainder after output.
	inputTokens := tokencount.InputFromContextUsage(contextPct, e.opts.Catalog.MaxInputTokens(e.opts.Model))
	source := tokencount.SourceContextUsage
	if inputTokens == 0 {
		inputTokens = tokencount.EstimateRequest(e.opts.Request)
		source = tokencount.SourceTiktoken
	}
	logrus.Infof("[Buffered Mode] %s: input_tokens=%d (%s), output_tokens=%d",
		e.opts.Model, inputTokens, source, outputTokens)

	return bufferedResult{
		events:       buf,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		source:       source,
		stopReason:   stopReason,
		toolCalls:    len(calls),
	}
}

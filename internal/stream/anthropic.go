package stream

import (
	"errors"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/thinking"
	"github.com/kirobox/kirobox/internal/tokencount"
)

// StreamAnthropic relays the upstream stream as Anthropic message SSE.
// message_start carries a local input-token estimate; the accurate number
// only exists once the stream has ended (StreamAnthropicBuffered waits for
// it). Mid-stream failures surface as an error event in the Anthropic
// vocabulary.
func (e *Engine) StreamAnthropic(c *gin.Context, open Opener) (*Result, error) {
	r, err := e.open(c.Request.Context(), open)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	flusher, err := writeSSEHeaders(c)
	if err != nil {
		return nil, err
	}

	send := liveSink(c, flusher)
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("Panic in Anthropic streaming handler: %v", rec)
			errorEvent(send, "internal streaming error")
		}
	}()

	em := newAnthropicEmitter(send)
	em.messageStart(newMessageID(), e.opts.Model, tokencount.EstimateRequest(e.opts.Request))

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
			logrus.Errorf("Error during Anthropic streaming: %v", err)
			errorEvent(send, err.Error())
			return &Result{}, nil
		}
		select {
		case <-c.Request.Context().Done():
			logrus.Debug("Client disconnected, aborting Anthropic stream")
			return &Result{}, nil
		default:
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
		case kiro.EventException:
			logrus.Errorf("Upstream exception mid-stream: %s", ev.Exception)
			errorEvent(send, "upstream exception: "+ev.Exception)
			return &Result{}, nil
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

	usage := tokencount.Calculate(full, contextPct, e.opts.Catalog.MaxInputTokens(e.opts.Model), e.opts.Request)
	em.messageDelta(stopReason, usage.OutputTokens)
	em.messageStop()

	logrus.Debugf("[Anthropic Usage] %s: input_tokens=%d (%s), output_tokens=%d",
		e.opts.Model, usage.InputTokens, usage.Source, usage.OutputTokens)

	return &Result{
		Completed:  true,
		Usage:      usage,
		ToolCalls:  len(calls),
		StopReason: stopReason,
	}, nil
}

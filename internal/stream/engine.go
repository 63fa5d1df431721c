// Package stream drives one upstream exchange end to end: it opens the
// response under the first-token retry policy, decodes the frame stream,
// and renders the client's wire format, either live over SSE or collected
// into a single JSON document.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/tokencount"
	"github.com/kirobox/kirobox/internal/typ"
)

// Opener issues one upstream request and returns the raw response. The
// engine calls it again when the first-token window expires, so it must be
// safe to invoke repeatedly with the same payload.
type Opener func(ctx context.Context) (*http.Response, error)

// ErrFirstTokenTimeout reports that every open attempt timed out before the
// upstream produced a byte. Handlers map it to 504.
var ErrFirstTokenTimeout = errors.New("upstream produced no data before the first-token timeout")

// Options configure one Engine. Model is the client-facing name echoed in
// responses; the catalog resolves its context window and timeout scale.
// Timeouts are pre-adaptive bases scaled by the model's multiplier; zero
// values fall back to the package defaults.
type Options struct {
	Model           string
	Request         *typ.ChatRequest
	Catalog         *config.ModelCatalog
	ThinkingEnabled bool

	FirstTokenTimeout    time.Duration
	FirstTokenMaxRetries int
	ReadTimeout          time.Duration
}

// Engine converts one upstream response stream into client output. Each
// request builds its own Engine; nothing in it is shared.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.FirstTokenTimeout <= 0 {
		opts.FirstTokenTimeout = time.Duration(config.DefaultFirstTokenTimeoutSec) * time.Second
	}
	if opts.FirstTokenMaxRetries <= 0 {
		opts.FirstTokenMaxRetries = config.DefaultFirstTokenMaxRetries
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Duration(config.DefaultStreamReadTimeoutSec) * time.Second
	}
	return &Engine{opts: opts}
}

// Result summarizes one exchange for logging and credential accounting.
type Result struct {
	// Completed reports that the upstream stream drained to its end and
	// the closing events were written. False means the stream died after
	// bytes had already been sent to the client.
	Completed  bool
	Usage      tokencount.Usage
	Credits    float64
	HasCredits bool
	ToolCalls  int
	StopReason string
}

// open issues the request and waits for first bytes. A first-token timeout
// cancels the attempt and reopens, up to the configured cap; a non-200
// response is parsed and returned immediately without retrying.
func (e *Engine) open(ctx context.Context, open Opener) (*eventReader, error) {
	firstTimeout := e.opts.Catalog.AdaptiveTimeout(e.opts.Model, e.opts.FirstTokenTimeout)
	readTimeout := e.opts.Catalog.AdaptiveTimeout(e.opts.Model, e.opts.ReadTimeout)
	attempts := e.opts.FirstTokenMaxRetries

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			logrus.Warnf("Retry attempt %d/%d after first token timeout (model: %s)", attempt, attempts, e.opts.Model)
		}

		resp, err := open(ctx)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, kiro.ParseAPIError(resp)
		}

		cs := newChunkStream(resp.Body)
		first, err := cs.read(firstTimeout)
		switch {
		case err == nil:
			r := newEventReader(cs, readTimeout, e.opts.Model)
			r.queued = r.parser.Feed(first)
			return r, nil
		case errors.Is(err, io.EOF):
			// Empty response; the consumer sees EOF on its first read.
			return newEventReader(cs, readTimeout, e.opts.Model), nil
		case errors.Is(err, errReadTimeout):
			logrus.Warnf("First token timeout after %s (model: %s)", firstTimeout, e.opts.Model)
			cs.Close()
		default:
			cs.Close()
			return nil, err
		}
	}

	logrus.Errorf("All %d attempts timed out waiting for the first token (model: %s)", attempts, e.opts.Model)
	return nil, ErrFirstTokenTimeout
}

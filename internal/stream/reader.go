package stream

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/typ"
)

// errReadTimeout reports that no bytes arrived within one read window.
var errReadTimeout = errors.New("stream read timed out")

const readBufSize = 32 * 1024

type readResult struct {
	data []byte
	err  error
}

// chunkStream pumps body reads through a channel so each read can be
// bounded by a timer. Closing the body unblocks a pump stuck in Read.
type chunkStream struct {
	body io.ReadCloser
	ch   chan readResult
	quit chan struct{}
	once sync.Once
}

func newChunkStream(body io.ReadCloser) *chunkStream {
	cs := &chunkStream{
		body: body,
		ch:   make(chan readResult),
		quit: make(chan struct{}),
	}
	go cs.pump()
	return cs
}

func (cs *chunkStream) pump() {
	defer close(cs.ch)
	for {
		buf := make([]byte, readBufSize)
		n, err := cs.body.Read(buf)
		if n > 0 {
			select {
			case cs.ch <- readResult{data: buf[:n]}:
			case <-cs.quit:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case cs.ch <- readResult{err: err}:
				case <-cs.quit:
				}
			}
			return
		}
	}
}

// read returns the next chunk, io.EOF once the body is exhausted, or
// errReadTimeout when nothing arrived within timeout. A chunk in flight
// during a timeout is delivered by the following call.
func (cs *chunkStream) read(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res, ok := <-cs.ch:
		if !ok {
			return nil, io.EOF
		}
		return res.data, res.err
	case <-timer.C:
		return nil, errReadTimeout
	}
}

// Close releases the pump and the body. Safe to call more than once.
func (cs *chunkStream) Close() {
	cs.once.Do(func() {
		close(cs.quit)
		cs.body.Close()
	})
}

// eventReader turns raw body chunks into decoded upstream events,
// absorbing a bounded run of consecutive read timeouts so slow generation
// phases on large contexts do not kill the stream.
type eventReader struct {
	cs          *chunkStream
	parser      *kiro.Parser
	queued      []kiro.Event
	timeout     time.Duration
	maxTimeouts int
	timeouts    int
	model       string
}

func newEventReader(cs *chunkStream, timeout time.Duration, model string) *eventReader {
	return &eventReader{
		cs:          cs,
		parser:      kiro.NewParser(),
		timeout:     timeout,
		maxTimeouts: config.DefaultMaxStreamTimeouts,
		model:       model,
	}
}

// Next returns the next upstream event, io.EOF at end of stream, or the
// error that killed the stream.
func (r *eventReader) Next() (kiro.Event, error) {
	for {
		if len(r.queued) > 0 {
			ev := r.queued[0]
			r.queued = r.queued[1:]
			return ev, nil
		}

		chunk, err := r.cs.read(r.timeout)
		switch {
		case err == nil:
			r.timeouts = 0
			r.queued = r.parser.Feed(chunk)
		case errors.Is(err, errReadTimeout):
			r.timeouts++
			if r.timeouts <= r.maxTimeouts {
				logrus.Warnf("Stream read timeout %d/%d after %s (model: %s), continuing to wait",
					r.timeouts, r.maxTimeouts, r.timeout, r.model)
				continue
			}
			logrus.Errorf("Stream dead after %d consecutive read timeouts (model: %s)", r.maxTimeouts, r.model)
			return kiro.Event{}, err
		default:
			return kiro.Event{}, err
		}
	}
}

// ToolCalls returns every call the frame parser assembled, including ones
// still open when the stream ended.
func (r *eventReader) ToolCalls() []typ.ToolCall {
	return r.parser.ToolCalls()
}

func (r *eventReader) Close() {
	r.cs.Close()
}

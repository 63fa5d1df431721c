package kiro

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/typ"
)

const (
	// prelude (12 bytes) plus message CRC (4 bytes)
	frameMinLen = 16
	// sanity bound; a real frame never comes close, and JSON text fed
	// without the binary envelope always decodes a first byte above it
	frameMaxLen = 1 << 24
)

// Parser incrementally decodes the upstream response body into Events.
// The body carries JSON payloads in an AWS eventstream envelope; some
// responses arrive as bare concatenated JSON objects instead, so anything
// that does not look like a frame is scanned for balanced objects.
// Not safe for concurrent use; feed it from a single reader loop.
type Parser struct {
	buf       []byte
	dec       *eventstream.Decoder
	assembler *toolAssembler
	completed []typ.ToolCall
}

func NewParser() *Parser {
	return &Parser{
		dec:       eventstream.NewDecoder(),
		assembler: newToolAssembler(),
	}
}

// Feed appends chunk to the internal buffer and returns the events that
// became complete. Chunk boundaries may fall anywhere, including mid-frame.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)
	var events []Event

	for len(p.buf) > 0 {
		if len(p.buf) < 4 {
			break
		}

		if total, ok := p.framePrelude(); ok {
			if len(p.buf) < total {
				break
			}
			msg, err := p.dec.Decode(bytes.NewReader(p.buf[:total]), nil)
			p.buf = p.buf[total:]
			if err != nil {
				logrus.Warnf("Dropping malformed upstream frame: %v", err)
				continue
			}
			events = append(events, p.decodePayload(msg.Payload)...)
			continue
		}

		// Bare path: skip to the next object and decode it directly.
		start := bytes.IndexByte(p.buf, '{')
		if start < 0 {
			p.buf = p.buf[:0]
			break
		}
		obj, end, complete := scanJSONObject(p.buf[start:])
		if !complete {
			p.buf = p.buf[start:]
			break
		}
		payload := make([]byte, len(obj))
		copy(payload, obj)
		p.buf = p.buf[start+end:]
		events = append(events, p.decodePayload(payload)...)
	}

	return events
}

// ToolCalls returns every assembled tool call seen so far: calls closed by
// a stop marker plus leftovers still open when the stream ended. Call after
// the last Feed.
func (p *Parser) ToolCalls() []typ.ToolCall {
	out := make([]typ.ToolCall, 0, len(p.completed))
	out = append(out, p.completed...)
	out = append(out, p.assembler.pending()...)
	return out
}

// framePrelude reports the total frame length when the head of the buffer
// plausibly starts an eventstream frame.
func (p *Parser) framePrelude() (int, bool) {
	total := binary.BigEndian.Uint32(p.buf[:4])
	if total < frameMinLen || total > frameMaxLen {
		return 0, false
	}
	return int(total), true
}

// decodePayload maps one JSON payload onto events by key presence.
func (p *Parser) decodePayload(payload []byte) []Event {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		logrus.Warnf("Dropping malformed upstream payload: %v", err)
		return nil
	}

	var events []Event

	if raw, ok := obj["content"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			events = append(events, Event{Type: EventContent, Content: s})
		}
	}

	if raw, ok := obj["toolUseId"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			var name, input string
			var stop bool
			if r, ok := obj["name"]; ok {
				_ = json.Unmarshal(r, &name)
			}
			if r, ok := obj["input"]; ok {
				_ = json.Unmarshal(r, &input)
			}
			if r, ok := obj["stop"]; ok {
				_ = json.Unmarshal(r, &stop)
			}
			p.assembler.add(id, name, input)
			if stop {
				if tc := p.assembler.complete(id); tc != nil {
					p.completed = append(p.completed, *tc)
					events = append(events, Event{Type: EventToolCall, ToolCall: tc})
				}
			}
		}
	}

	if raw, ok := obj["contextUsagePercentage"]; ok {
		var pct float64
		if err := json.Unmarshal(raw, &pct); err == nil {
			events = append(events, Event{Type: EventContextUsage, Percent: pct})
		}
	}

	if raw, ok := obj["exceptionType"]; ok {
		var kind string
		if err := json.Unmarshal(raw, &kind); err == nil && kind != "" {
			events = append(events, Event{Type: EventException, Exception: kind})
		}
	}

	if raw, ok := obj["usage"]; ok {
		var credits float64
		if err := json.Unmarshal(raw, &credits); err == nil {
			events = append(events, Event{Type: EventUsage, Credits: credits})
		}
	}

	// followupPrompt and other keys are intentionally ignored

	return events
}

// scanJSONObject reads one balanced JSON object from the head of b. Returns
// the object bytes, the offset just past it, and whether a complete object
// was present.
func scanJSONObject(b []byte) ([]byte, int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[:i+1], i + 1, true
			}
		}
	}
	return nil, 0, false
}

// Package thinking splits a streamed text channel into plain text and
// reasoning segments delimited by <thinking> tags. Tags may straddle chunk
// boundaries, so the parser holds back any trailing bytes that could still
// complete into a tag.
package thinking

import "strings"

const (
	startTag = "<thinking>"
	endTag   = "</thinking>"
)

// SegmentType labels which channel a segment belongs to.
type SegmentType string

const (
	SegmentText     SegmentType = "text"
	SegmentThinking SegmentType = "thinking"
)

// Action is the lifecycle step a segment represents. Text segments only
// carry deltas; thinking runs are bracketed by start and stop.
type Action string

const (
	ActionStart Action = "start"
	ActionDelta Action = "delta"
	ActionStop  Action = "stop"
)

// Segment is one parsed piece of the stream. Content is set only for deltas.
type Segment struct {
	Type    SegmentType
	Action  Action
	Content string
}

// Parser is an incremental two-state tag scanner. Zero value is ready to
// use. Not safe for concurrent use; each stream owns its own instance.
type Parser struct {
	buf      string
	thinking bool
}

func NewParser() *Parser { return &Parser{} }

// Process consumes one chunk and returns every segment that became
// unambiguous. A trailing prefix of the awaited tag is retained in the
// buffer and re-examined on the next call, so no bytes are ever emitted on
// the wrong side of a tag.
func (p *Parser) Process(chunk string) []Segment {
	if chunk == "" {
		return nil
	}
	p.buf += chunk

	var segs []Segment
	for {
		if p.thinking {
			idx := strings.Index(p.buf, endTag)
			if idx < 0 {
				segs = p.emitSafe(segs, SegmentThinking, endTag)
				return segs
			}
			if idx > 0 {
				segs = append(segs, Segment{Type: SegmentThinking, Action: ActionDelta, Content: p.buf[:idx]})
			}
			segs = append(segs, Segment{Type: SegmentThinking, Action: ActionStop})
			p.buf = p.buf[idx+len(endTag):]
			p.thinking = false
			continue
		}

		idx := strings.Index(p.buf, startTag)
		if idx < 0 {
			segs = p.emitSafe(segs, SegmentText, startTag)
			return segs
		}
		if idx > 0 {
			segs = append(segs, Segment{Type: SegmentText, Action: ActionDelta, Content: p.buf[:idx]})
		}
		segs = append(segs, Segment{Type: SegmentThinking, Action: ActionStart})
		p.buf = p.buf[idx+len(startTag):]
		p.thinking = true
	}
}

// emitSafe flushes the buffer as a delta of typ, keeping back any suffix
// that is a prefix of the awaited tag.
func (p *Parser) emitSafe(segs []Segment, typ SegmentType, tag string) []Segment {
	keep := partialTagLen(p.buf, tag)
	emit := p.buf[:len(p.buf)-keep]
	if emit == "" {
		return segs
	}
	p.buf = p.buf[len(p.buf)-keep:]
	return append(segs, Segment{Type: typ, Action: ActionDelta, Content: emit})
}

// Flush emits whatever is still buffered as a delta in the current state
// and closes an unterminated thinking run. The parser is left ready for a
// new stream.
func (p *Parser) Flush() []Segment {
	var segs []Segment
	if p.buf != "" {
		typ := SegmentText
		if p.thinking {
			typ = SegmentThinking
		}
		segs = append(segs, Segment{Type: typ, Action: ActionDelta, Content: p.buf})
		p.buf = ""
	}
	if p.thinking {
		segs = append(segs, Segment{Type: SegmentThinking, Action: ActionStop})
		p.thinking = false
	}
	return segs
}

// Reset drops buffered bytes and returns to the text state.
func (p *Parser) Reset() {
	p.buf = ""
	p.thinking = false
}

// partialTagLen returns the length of the longest proper prefix of tag that
// s ends with. Those bytes may complete into the tag on the next chunk.
func partialTagLen(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for i := max; i > 0; i-- {
		if strings.HasSuffix(s, tag[:i]) {
			return i
		}
	}
	return 0
}

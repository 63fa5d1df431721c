package kiro

import (
	"strings"

	"github.com/google/uuid"

	"github.com/kirobox/kirobox/internal/typ"
)

// EventType identifies one kind of upstream stream occurrence.
type EventType string

const (
	EventContent      EventType = "content"
	EventToolCall     EventType = "tool_call"
	EventUsage        EventType = "usage"
	EventContextUsage EventType = "context_usage"
	EventException    EventType = "exception"
)

// Event is a single decoded upstream occurrence. Exactly one payload field
// is meaningful, selected by Type.
type Event struct {
	Type EventType

	Content   string        // EventContent
	ToolCall  *typ.ToolCall // EventToolCall
	Credits   float64       // EventUsage
	Percent   float64       // EventContextUsage
	Exception string        // EventException
}

// toolAssembler accumulates toolUseEvent fragments keyed by toolUseId until
// the stop marker closes them. Order of first appearance is preserved.
type toolAssembler struct {
	order  []string
	states map[string]*toolCallState
}

type toolCallState struct {
	id    string
	name  string
	input strings.Builder
}

func newToolAssembler() *toolAssembler {
	return &toolAssembler{states: make(map[string]*toolCallState)}
}

func (a *toolAssembler) add(id, name, inputFragment string) {
	st, ok := a.states[id]
	if !ok {
		st = &toolCallState{id: id}
		a.states[id] = st
		a.order = append(a.order, id)
	}
	if name != "" {
		st.name = name
	}
	st.input.WriteString(inputFragment)
}

// complete removes the state for id and returns the assembled call.
func (a *toolAssembler) complete(id string) *typ.ToolCall {
	st, ok := a.states[id]
	if !ok {
		return nil
	}
	delete(a.states, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return st.build()
}

// pending returns assembled calls whose stop marker never arrived, in
// first-appearance order. The states are kept.
func (a *toolAssembler) pending() []typ.ToolCall {
	var out []typ.ToolCall
	for _, id := range a.order {
		if st, ok := a.states[id]; ok {
			out = append(out, *st.build())
		}
	}
	return out
}

func (st *toolCallState) build() *typ.ToolCall {
	args := st.input.String()
	if args == "" {
		args = "{}"
	}
	return &typ.ToolCall{ID: st.id, Name: st.name, Arguments: args}
}

// DedupeToolCalls removes calls with an already-seen id, keeping the first
// occurrence.
func DedupeToolCalls(calls []typ.ToolCall) []typ.ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]typ.ToolCall, 0, len(calls))
	for _, tc := range calls {
		if _, dup := seen[tc.ID]; dup {
			continue
		}
		seen[tc.ID] = struct{}{}
		out = append(out, tc)
	}
	return out
}

const (
	bracketCallPrefix = "[Called "
	bracketArgsMarker = " with args: "
)

// ParseBracketToolCalls scans assembled response content for textual tool
// invocations of the form "[Called NAME with args: {...}]". Some upstream
// responses embed calls this way instead of emitting toolUseEvent frames.
// Run after the stream ends, over the full concatenated content.
func ParseBracketToolCalls(content string) []typ.ToolCall {
	var calls []typ.ToolCall
	rest := content
	for {
		start := strings.Index(rest, bracketCallPrefix)
		if start < 0 {
			break
		}
		rest = rest[start+len(bracketCallPrefix):]

		argsAt := strings.Index(rest, bracketArgsMarker)
		if argsAt < 0 {
			break
		}
		name := strings.TrimSpace(rest[:argsAt])
		rest = rest[argsAt+len(bracketArgsMarker):]

		obj, end, complete := scanJSONObject([]byte(rest))
		if !complete || name == "" {
			continue
		}
		rest = rest[end:]
		if !strings.HasPrefix(rest, "]") {
			continue
		}
		rest = rest[1:]

		calls = append(calls, typ.ToolCall{
			ID:        "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
			Name:      name,
			Arguments: string(obj),
		})
	}
	return calls
}

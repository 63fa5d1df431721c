// Package tokencount provides local BPE token counting for usage
// accounting. Output tokens are always counted locally from assembled
// content; input tokens prefer the upstream context-usage signal and fall
// back to counting the request.
package tokencount

import (
	"encoding/json"
	"math"

	"github.com/tiktoken-go/tokenizer"

	"github.com/kirobox/kirobox/internal/typ"
)

// Input-token sources recorded in Usage and annotated in logs.
const (
	SourceContextUsage = "context_usage"
	SourceTiktoken     = "tiktoken"
	SourceUpstream     = "upstream"
)

// Count returns the O200kBase token count of text, falling back to a
// character/4 estimate when the tokenizer is unavailable or rejects the
// input.
func Count(text string) int {
	if text == "" {
		return 0
	}
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return len(text) / 4
	}
	count, err := enc.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimateRequest approximates the input token cost of a normalized
// request: system text, roles, message content (thinking and tool payloads
// included), and tool definitions. Image tokens are not modeled.
func EstimateRequest(req *typ.ChatRequest) int {
	total := 0
	if req.System != "" {
		total += Count(req.System)
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += Count(string(msg.Role))
		total += countMessage(msg)
	}
	total += EstimateTools(req.Tools)
	// Small buffer for request framing.
	total += 3
	return total
}

func countMessage(msg *typ.Message) int {
	count := 0
	if msg.HasParts() {
		for _, p := range msg.Parts {
			switch p.Type {
			case typ.PartText:
				count += Count(p.Text)
			case typ.PartThinking:
				count += Count(p.Thinking)
			case typ.PartToolUse:
				if p.ToolUse != nil {
					count += Count(p.ToolUse.Name) + Count(p.ToolUse.Arguments)
				}
			case typ.PartToolResult:
				if p.ToolResult != nil {
					count += Count(p.ToolResult.Content)
				}
			}
		}
	} else {
		count += Count(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		count += Count(tc.Name) + Count(tc.Arguments)
	}
	return count
}

// EstimateTools approximates the token cost of tool definitions: name,
// description, and the serialized input schema.
func EstimateTools(tools []typ.Tool) int {
	total := 0
	for _, t := range tools {
		total += Count(t.Name) + Count(t.Description)
		if len(t.InputSchema) > 0 {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				total += Count(string(raw))
			}
		}
	}
	return total
}

// InputFromContextUsage converts the upstream context-usage percentage into
// an absolute token count against the model's context window.
func InputFromContextUsage(percent float64, maxInput int) int {
	if percent <= 0 || maxInput <= 0 {
		return 0
	}
	return int(math.Round(percent / 100 * float64(maxInput)))
}

// Usage is the resolved token accounting for one completed response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	// Source names the method that produced InputTokens.
	Source string
}

// Calculate resolves final usage for an assembled response. Output tokens
// are counted locally from content. When the upstream reported a
// context-usage percentage, the total context size derives from it and
// input tokens are the remainder after output; otherwise the input is
// re-estimated from the request.
func Calculate(content string, contextPercent float64, maxInput int, req *typ.ChatRequest) Usage {
	output := Count(content)

	if total := InputFromContextUsage(contextPercent, maxInput); total > 0 {
		input := total - output
		if input < 0 {
			input = 0
		}
		return Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  total,
			Source:       SourceContextUsage,
		}
	}

	input := EstimateRequest(req)
	return Usage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
		Source:       SourceTiktoken,
	}
}

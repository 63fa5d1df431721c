package tokencount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/typ"
)

func TestCount(t *testing.T) {
	assert.Zero(t, Count(""))
	assert.Greater(t, Count("Hello, world"), 0)

	short := Count("hi")
	long := Count(strings.Repeat("the quick brown fox ", 50))
	assert.Greater(t, long, short)
}

func TestInputFromContextUsage(t *testing.T) {
	assert.Equal(t, 20000, InputFromContextUsage(10.0, 200000))
	assert.Equal(t, 151000, InputFromContextUsage(75.5, 200000))
	assert.Equal(t, 200000, InputFromContextUsage(100.0, 200000))
	assert.Zero(t, InputFromContextUsage(0, 200000))
	assert.Zero(t, InputFromContextUsage(-1, 200000))
	assert.Zero(t, InputFromContextUsage(50, 0))
}

func TestEstimateRequest(t *testing.T) {
	base := &typ.ChatRequest{
		Model:  "claude-sonnet-4",
		System: "You are helpful",
		Messages: []typ.Message{
			{Role: typ.RoleUser, Content: "What is the weather in Paris?"},
		},
	}
	baseCount := EstimateRequest(base)
	require.Greater(t, baseCount, 0)

	withTools := &typ.ChatRequest{
		Model:    base.Model,
		System:   base.System,
		Messages: base.Messages,
		Tools: []typ.Tool{
			{
				Name:        "get_weather",
				Description: "Look up the current weather for a city",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
		},
	}
	assert.Greater(t, EstimateRequest(withTools), baseCount, "tool definitions add to the estimate")
}

func TestEstimateRequestParts(t *testing.T) {
	req := &typ.ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []typ.Message{
			{
				Role: typ.RoleUser,
				Parts: []typ.ContentPart{
					{Type: typ.PartText, Text: "look at this"},
					{Type: typ.PartToolResult, ToolResult: &typ.ToolResult{ToolUseID: "t1", Content: "result body"}},
				},
			},
			{
				Role:      typ.RoleAssistant,
				ToolCalls: []typ.ToolCall{{ID: "t1", Name: "search", Arguments: `{"q":"go"}`}},
			},
		},
	}
	assert.Greater(t, EstimateRequest(req), 0)
}

func TestCalculateFromContextUsage(t *testing.T) {
	req := &typ.ChatRequest{
		Messages: []typ.Message{{Role: typ.RoleUser, Content: "hi"}},
	}

	content := strings.Repeat("word ", 100)
	usage := Calculate(content, 10.0, 200000, req)

	assert.Equal(t, SourceContextUsage, usage.Source)
	assert.Equal(t, 20000, usage.TotalTokens)
	assert.Equal(t, Count(content), usage.OutputTokens)
	assert.Equal(t, usage.TotalTokens-usage.OutputTokens, usage.InputTokens)
}

func TestCalculateFallback(t *testing.T) {
	req := &typ.ChatRequest{
		Messages: []typ.Message{{Role: typ.RoleUser, Content: "hello there"}},
	}

	usage := Calculate("short reply", 0, 200000, req)

	assert.Equal(t, SourceTiktoken, usage.Source)
	assert.Equal(t, EstimateRequest(req), usage.InputTokens)
	assert.Equal(t, usage.InputTokens+usage.OutputTokens, usage.TotalTokens)
}

func TestCalculateInputNeverNegative(t *testing.T) {
	req := &typ.ChatRequest{
		Messages: []typ.Message{{Role: typ.RoleUser, Content: "hi"}},
	}

	// Tiny context window: reported total is below the output count.
	usage := Calculate(strings.Repeat("many words here ", 50), 50.0, 10, req)
	assert.Equal(t, SourceContextUsage, usage.Source)
	assert.Zero(t, usage.InputTokens)
}

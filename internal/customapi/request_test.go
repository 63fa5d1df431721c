package customapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

func TestFilterReservedKeywords(t *testing.T) {
	in := "You are helpful.\nX-Anthropic-Billing-Header: abc\n\nBe concise."
	out := filterReservedKeywords(in)
	assert.Equal(t, "You are helpful.\n\nBe concise.", out)

	assert.Equal(t, "", filterReservedKeywords("anthropic-billing: 123"))
	assert.Equal(t, "plain", filterReservedKeywords("  plain  "))
}

func TestOpenAIBodyThinkingHint(t *testing.T) {
	req := testChatRequest()
	req.System = "Be terse."

	body := openaiBody(req, "gpt-4o", true)
	msgs := body["messages"].([]map[string]any)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "system", msgs[0]["role"])
	assert.Equal(t, "Be terse.\n"+config.ThinkingInterleavedHint, msgs[0]["content"])

	body = openaiBody(req, "gpt-4o", false)
	msgs = body["messages"].([]map[string]any)
	assert.Equal(t, "Be terse.", msgs[0]["content"])
}

func TestOpenAIBodyHintWithoutSystem(t *testing.T) {
	body := openaiBody(testChatRequest(), "gpt-4o", true)
	msgs := body["messages"].([]map[string]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0]["role"])
	assert.Equal(t, config.ThinkingInterleavedHint, msgs[0]["content"])
	assert.Equal(t, "user", msgs[1]["role"])
}

func TestOpenAIBodyParams(t *testing.T) {
	temp, topP := 0.5, 0.9
	req := &typ.ChatRequest{
		Model:         testClientModel,
		Messages:      []typ.Message{{Role: typ.RoleUser, Content: "Hi"}},
		MaxTokens:     512,
		Temperature:   &temp,
		TopP:          &topP,
		StopSequences: []string{"END"},
	}
	body := openaiBody(req, "gpt-4o", false)

	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, int64(512), body["max_tokens"])
	assert.Equal(t, 0.5, body["temperature"])
	assert.Equal(t, 0.9, body["top_p"])
	assert.Equal(t, []string{"END"}, body["stop"])
}

func TestOpenAIBodyPlaceholderWhenEmpty(t *testing.T) {
	req := &typ.ChatRequest{Model: testClientModel, System: "sys only"}
	body := openaiBody(req, "gpt-4o", false)

	msgs := body["messages"].([]map[string]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0]["role"])
	assert.Equal(t, map[string]any{"role": "user", "content": "."}, msgs[1])
}

func TestOpenAIUserMessagesOrdering(t *testing.T) {
	msg := &typ.Message{
		Role: typ.RoleUser,
		Parts: []typ.ContentPart{
			{Type: typ.PartText, Text: "look at this"},
			{Type: typ.PartImage, Image: &typ.ImagePart{Format: "png", Data: "aWpn"}},
			{Type: typ.PartToolResult, ToolResult: &typ.ToolResult{ToolUseID: "toolu_1", Content: ""}},
			{Type: typ.PartText, Text: "and this"},
		},
	}
	out := openaiUserMessages(msg)
	require.Len(t, out, 3)

	// Images and tool results come first, joined text last.
	content := out[0]["content"].([]map[string]any)
	assert.Equal(t, "image_url", content[0]["type"])
	assert.Equal(t, "data:image/png;base64,aWpn", content[0]["image_url"].(map[string]any)["url"])

	assert.Equal(t, "tool", out[1]["role"])
	assert.Equal(t, "toolu_1", out[1]["tool_call_id"])
	assert.Equal(t, " ", out[1]["content"])

	assert.Equal(t, "user", out[2]["role"])
	assert.Equal(t, "look at this\nand this", out[2]["content"])
}

func TestOpenAIUserMessagesDropsBlank(t *testing.T) {
	assert.Nil(t, openaiUserMessages(&typ.Message{Role: typ.RoleUser, Content: "   "}))
	assert.Nil(t, openaiUserMessages(&typ.Message{
		Role:  typ.RoleUser,
		Parts: []typ.ContentPart{{Type: typ.PartText, Text: " "}},
	}))
}

func TestOpenAIAssistantMessageThinking(t *testing.T) {
	msg := &typ.Message{
		Role: typ.RoleAssistant,
		Parts: []typ.ContentPart{
			{Type: typ.PartThinking, Thinking: "hmm"},
			{Type: typ.PartText, Text: "Answer"},
		},
	}

	out := openaiAssistantMessage(msg, true)
	assert.Equal(t, "<thinking>hmm</thinking>\nAnswer", out["content"])

	out = openaiAssistantMessage(msg, false)
	assert.Equal(t, "Answer", out["content"])
}

func TestOpenAIAssistantMessageToolCalls(t *testing.T) {
	msg := &typ.Message{
		Role: typ.RoleAssistant,
		Parts: []typ.ContentPart{
			{Type: typ.PartToolUse, ToolUse: &typ.ToolCall{ID: "toolu_a", Name: "lookup", Arguments: `{"q":"go"}`}},
		},
		ToolCalls: []typ.ToolCall{{ID: "toolu_b", Name: "fetch", Arguments: ""}},
	}
	out := openaiAssistantMessage(msg, false)

	// Content is a string even when empty; some providers reject null.
	assert.Equal(t, "", out["content"])
	calls := out["tool_calls"].([]map[string]any)
	require.Len(t, calls, 2)
	assert.Equal(t, "toolu_a", calls[0]["id"])
	assert.Equal(t, `{"q":"go"}`, calls[0]["function"].(map[string]any)["arguments"])
	assert.Equal(t, "toolu_b", calls[1]["id"])
	assert.Equal(t, "{}", calls[1]["function"].(map[string]any)["arguments"])
}

func TestOpenAIToolsAndChoice(t *testing.T) {
	tools := openaiTools([]typ.Tool{
		{Name: "lookup", Description: "finds things", InputSchema: map[string]any{"type": "object"}},
		{Name: "bare"},
	})
	require.Len(t, tools, 2)
	fn := tools[0]["function"].(map[string]any)
	assert.Equal(t, "lookup", fn["name"])
	assert.Equal(t, map[string]any{"type": "object"}, fn["parameters"])
	assert.Equal(t, map[string]any{"type": "object"}, tools[1]["function"].(map[string]any)["parameters"])

	assert.Equal(t, "auto", openaiToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceAuto}))
	assert.Equal(t, "required", openaiToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceRequired}))
	assert.Equal(t, "none", openaiToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceNone}))
	named := openaiToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceTool, Name: "lookup"}).(map[string]any)
	assert.Equal(t, "lookup", named["function"].(map[string]any)["name"])
	assert.Nil(t, openaiToolChoice(nil))
}

func TestAnthropicBodyDefaults(t *testing.T) {
	req := testChatRequest()
	req.System = "Be brief."

	body := anthropicBody(req, "claude-opus-4")
	assert.Equal(t, "claude-opus-4", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, int64(config.DefaultMaxTokens), body["max_tokens"])
	assert.Equal(t, "Be brief.", body["system"])
	assert.NotContains(t, body, "thinking")

	msgs := body["messages"].([]map[string]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0]["role"])
	assert.Equal(t, "Hi", msgs[0]["content"])
}

func TestAnthropicBodyPlaceholderWhenEmpty(t *testing.T) {
	body := anthropicBody(&typ.ChatRequest{Model: testClientModel}, "claude-opus-4")
	msgs := body["messages"].([]map[string]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, ".", msgs[0]["content"])
}

func TestAnthropicMessageAssistant(t *testing.T) {
	msg := &typ.Message{
		Role: typ.RoleAssistant,
		Parts: []typ.ContentPart{
			{Type: typ.PartThinking, Thinking: "internal"},
			{Type: typ.PartText, Text: "Answer"},
			{Type: typ.PartToolUse, ToolUse: &typ.ToolCall{ID: "toolu_1", Name: "lookup", Arguments: `{"q":"go"}`}},
		},
	}
	out, ok := anthropicMessage(msg)
	require.True(t, ok)

	blocks := out["content"].([]map[string]any)
	require.Len(t, blocks, 3)
	// Historical thinking has no signature after normalization, so it
	// travels as tagged text.
	assert.Equal(t, "text", blocks[0]["type"])
	assert.Equal(t, "<previous_thinking>internal</previous_thinking>", blocks[0]["text"])
	assert.Equal(t, "Answer", blocks[1]["text"])
	assert.Equal(t, "tool_use", blocks[2]["type"])
	assert.Equal(t, map[string]any{"q": "go"}, blocks[2]["input"])
}

func TestAnthropicMessageToolResult(t *testing.T) {
	msg := &typ.Message{
		Role: typ.RoleTool,
		Parts: []typ.ContentPart{
			{Type: typ.PartToolResult, ToolResult: &typ.ToolResult{ToolUseID: "toolu_1", Content: "42"}},
		},
	}
	out, ok := anthropicMessage(msg)
	require.True(t, ok)
	assert.Equal(t, "user", out["role"])

	blocks := out["content"].([]map[string]any)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0]["type"])
	assert.Equal(t, "toolu_1", blocks[0]["tool_use_id"])
	assert.Equal(t, "42", blocks[0]["content"])
}

func TestAnthropicMessageDropsEmpty(t *testing.T) {
	_, ok := anthropicMessage(&typ.Message{Role: typ.RoleAssistant})
	assert.False(t, ok)
	_, ok = anthropicMessage(&typ.Message{Role: typ.RoleUser})
	assert.False(t, ok)
}

func TestAnthropicToolChoice(t *testing.T) {
	assert.Equal(t, map[string]any{"type": "auto"}, anthropicToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceAuto}))
	assert.Equal(t, map[string]any{"type": "any"}, anthropicToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceRequired}))
	assert.Equal(t, map[string]any{"type": "none"}, anthropicToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceNone}))
	assert.Equal(t, map[string]any{"type": "tool", "name": "x"}, anthropicToolChoice(&typ.ToolChoice{Mode: typ.ToolChoiceTool, Name: "x"}))
	assert.Nil(t, anthropicToolChoice(nil))
}

func TestToolInputMap(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, toolInputMap(`{"a":1}`))
	assert.Equal(t, map[string]any{}, toolInputMap(""))
	assert.Equal(t, map[string]any{}, toolInputMap("not json"))
}

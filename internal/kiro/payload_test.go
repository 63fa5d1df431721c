package kiro

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

func userMsg(content string) typ.Message {
	return typ.Message{Role: typ.RoleUser, Content: content}
}

func assistantMsg(content string) typ.Message {
	return typ.Message{Role: typ.RoleAssistant, Content: content}
}

func TestBuildPayloadSystemInjection(t *testing.T) {
	req := &typ.ChatRequest{
		System:   "Be brief.",
		Messages: []typ.Message{userMsg("Hello")},
	}
	p := BuildPayload(req, BuildOptions{ModelID: "MODEL_X"})

	state := p.ConversationState
	assert.Equal(t, config.ChatTriggerTypeManual, state.ChatTriggerType)
	assert.NotEmpty(t, state.ConversationID)

	require.Len(t, state.History, 2)
	sys := state.History[0].UserInputMessage
	require.NotNil(t, sys)
	assert.Equal(t, "Be brief.\n"+config.ChunkedWritePolicy, sys.Content)
	assert.Equal(t, "MODEL_X", sys.ModelID)
	assert.Equal(t, config.MessageOriginEditor, sys.Origin)

	ack := state.History[1].AssistantResponseMessage
	require.NotNil(t, ack)
	assert.Equal(t, config.AssistantAck, ack.Content)

	cur := state.CurrentMessage.UserInputMessage
	assert.Equal(t, "Hello", cur.Content)
	assert.Equal(t, "MODEL_X", cur.ModelID)
	assert.Equal(t, config.MessageOriginEditor, cur.Origin)
}

func TestBuildPayloadSystemRoleMessagesJoined(t *testing.T) {
	req := &typ.ChatRequest{
		System: "A.",
		Messages: []typ.Message{
			{Role: typ.RoleSystem, Content: "B."},
			userMsg("Hi"),
		},
	}
	p := BuildPayload(req, BuildOptions{ModelID: "m"})

	require.NotEmpty(t, p.ConversationState.History)
	sys := p.ConversationState.History[0].UserInputMessage
	require.NotNil(t, sys)
	assert.True(t, strings.HasPrefix(sys.Content, "A.\nB."))
	assert.Equal(t, "Hi", p.ConversationState.CurrentMessage.UserInputMessage.Content)
}

func TestBuildPayloadThinkingPrefix(t *testing.T) {
	t.Run("default budget without system", func(t *testing.T) {
		req := &typ.ChatRequest{Messages: []typ.Message{userMsg("Hi")}}
		p := BuildPayload(req, BuildOptions{ModelID: "m", ThinkingEnabled: true})

		require.Len(t, p.ConversationState.History, 2)
		want := fmt.Sprintf(config.ThinkingEnabledFormat, config.DefaultThinkingBudget)
		assert.Equal(t, want, p.ConversationState.History[0].UserInputMessage.Content)
		assert.Equal(t, config.AssistantAck, p.ConversationState.History[1].AssistantResponseMessage.Content)
	})

	t.Run("budget clamped to the maximum", func(t *testing.T) {
		req := &typ.ChatRequest{
			Messages: []typ.Message{userMsg("Hi")},
			Thinking: &typ.ThinkingConfig{Type: typ.ThinkingEnabled, BudgetTokens: 99999},
		}
		p := BuildPayload(req, BuildOptions{ModelID: "m", ThinkingEnabled: true})
		want := fmt.Sprintf(config.ThinkingEnabledFormat, config.MaxThinkingBudget)
		assert.Equal(t, want, p.ConversationState.History[0].UserInputMessage.Content)
	})

	t.Run("zero budget falls back to the default", func(t *testing.T) {
		req := &typ.ChatRequest{
			Messages: []typ.Message{userMsg("Hi")},
			Thinking: &typ.ThinkingConfig{Type: typ.ThinkingEnabled},
		}
		p := BuildPayload(req, BuildOptions{ModelID: "m", ThinkingEnabled: true})
		want := fmt.Sprintf(config.ThinkingEnabledFormat, config.DefaultThinkingBudget)
		assert.Equal(t, want, p.ConversationState.History[0].UserInputMessage.Content)
	})

	t.Run("adaptive defaults to high effort", func(t *testing.T) {
		req := &typ.ChatRequest{
			Messages: []typ.Message{userMsg("Hi")},
			Thinking: &typ.ThinkingConfig{Type: typ.ThinkingAdaptive},
		}
		p := BuildPayload(req, BuildOptions{ModelID: "m", ThinkingEnabled: true})
		want := fmt.Sprintf(config.ThinkingAdaptiveFormat, "high")
		assert.Equal(t, want, p.ConversationState.History[0].UserInputMessage.Content)
	})

	t.Run("disabled config injects nothing", func(t *testing.T) {
		req := &typ.ChatRequest{
			Messages: []typ.Message{userMsg("Hi")},
			Thinking: &typ.ThinkingConfig{Type: typ.ThinkingDisabled},
		}
		p := BuildPayload(req, BuildOptions{ModelID: "m", ThinkingEnabled: true})
		assert.Empty(t, p.ConversationState.History)
	})

	t.Run("prefix prepended before system and policy", func(t *testing.T) {
		req := &typ.ChatRequest{
			System:   "Sys.",
			Messages: []typ.Message{userMsg("Hi")},
		}
		p := BuildPayload(req, BuildOptions{ModelID: "m", ThinkingEnabled: true})
		prefix := fmt.Sprintf(config.ThinkingEnabledFormat, config.DefaultThinkingBudget)
		assert.Equal(t, prefix+"\nSys.\n"+config.ChunkedWritePolicy,
			p.ConversationState.History[0].UserInputMessage.Content)
	})

	t.Run("client-supplied thinking tag wins", func(t *testing.T) {
		req := &typ.ChatRequest{
			System:   "<thinking_mode>disabled</thinking_mode> Sys.",
			Messages: []typ.Message{userMsg("Hi")},
		}
		p := BuildPayload(req, BuildOptions{ModelID: "m", ThinkingEnabled: true})
		content := p.ConversationState.History[0].UserInputMessage.Content
		assert.False(t, strings.HasPrefix(content, "<thinking_mode>enabled"))
	})
}

func TestBuildPayloadAssistantFinalBecomesContinue(t *testing.T) {
	req := &typ.ChatRequest{Messages: []typ.Message{
		userMsg("Hi"),
		assistantMsg("Partial answer"),
	}}
	p := BuildPayload(req, BuildOptions{ModelID: "m"})

	state := p.ConversationState
	require.Len(t, state.History, 2)
	assert.Equal(t, "Hi", state.History[0].UserInputMessage.Content)
	assert.Equal(t, "Partial answer", state.History[1].AssistantResponseMessage.Content)
	assert.Equal(t, config.ContinuePrompt, state.CurrentMessage.UserInputMessage.Content)
}

func TestBuildPayloadEmptyRequest(t *testing.T) {
	p := BuildPayload(&typ.ChatRequest{}, BuildOptions{ModelID: "m"})
	assert.Empty(t, p.ConversationState.History)
	assert.Equal(t, config.ContinuePrompt, p.ConversationState.CurrentMessage.UserInputMessage.Content)
}

func TestBuildPayloadToolFlow(t *testing.T) {
	req := &typ.ChatRequest{Messages: []typ.Message{
		userMsg("Check the weather"),
		{
			Role:      typ.RoleAssistant,
			ToolCalls: []typ.ToolCall{{ID: "tooluse_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}},
		},
		{
			Role: typ.RoleTool,
			Parts: []typ.ContentPart{{
				Type:       typ.PartToolResult,
				ToolResult: &typ.ToolResult{ToolUseID: "tooluse_1", Content: "Sunny"},
			}},
		},
	}}
	p := BuildPayload(req, BuildOptions{ModelID: "m"})

	state := p.ConversationState
	require.Len(t, state.History, 2)
	assert.Equal(t, "Check the weather", state.History[0].UserInputMessage.Content)

	asst := state.History[1].AssistantResponseMessage
	require.NotNil(t, asst)
	require.Len(t, asst.ToolUses, 1)
	assert.Equal(t, "get_weather", asst.ToolUses[0].Name)
	assert.Equal(t, "tooluse_1", asst.ToolUses[0].ToolUseID)
	assert.Equal(t, map[string]any{"city": "Paris"}, asst.ToolUses[0].Input)

	cur := state.CurrentMessage.UserInputMessage
	assert.Equal(t, config.ContinuePrompt, cur.Content)
	require.NotNil(t, cur.UserInputMessageContext)
	results := cur.UserInputMessageContext.ToolResults
	require.Len(t, results, 1)
	assert.Equal(t, "tooluse_1", results[0].ToolUseID)
	assert.Equal(t, "success", results[0].Status)
	require.Len(t, results[0].Content, 1)
	assert.Equal(t, "Sunny", results[0].Content[0].Text)
}

func TestBuildPayloadEmptyToolResultPlaceholder(t *testing.T) {
	req := &typ.ChatRequest{Messages: []typ.Message{
		userMsg("Run it"),
		{Role: typ.RoleAssistant, ToolCalls: []typ.ToolCall{{ID: "t2", Name: "run", Arguments: "{}"}}},
		{Role: typ.RoleTool, Parts: []typ.ContentPart{{
			Type:       typ.PartToolResult,
			ToolResult: &typ.ToolResult{ToolUseID: "t2"},
		}}},
	}}
	p := BuildPayload(req, BuildOptions{ModelID: "m"})

	results := p.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.ToolResults
	require.Len(t, results, 1)
	assert.Equal(t, "(empty result)", results[0].Content[0].Text)
}

func TestBuildPayloadMergesAdjacentRoles(t *testing.T) {
	req := &typ.ChatRequest{Messages: []typ.Message{
		userMsg("a"),
		userMsg("b"),
		{Role: typ.RoleAssistant, Content: "x", ToolCalls: []typ.ToolCall{{ID: "t1", Name: "one", Arguments: "{}"}}},
		{Role: typ.RoleAssistant, Content: "y", ToolCalls: []typ.ToolCall{{ID: "t2", Name: "two", Arguments: "{}"}}},
		userMsg("c"),
	}}
	p := BuildPayload(req, BuildOptions{ModelID: "m"})

	state := p.ConversationState
	require.Len(t, state.History, 2)
	assert.Equal(t, "a\nb", state.History[0].UserInputMessage.Content)

	asst := state.History[1].AssistantResponseMessage
	require.NotNil(t, asst)
	assert.Equal(t, "x\ny", asst.Content)
	require.Len(t, asst.ToolUses, 2)
	assert.Equal(t, "one", asst.ToolUses[0].Name)
	assert.Equal(t, "two", asst.ToolUses[1].Name)

	assert.Equal(t, "c", state.CurrentMessage.UserInputMessage.Content)
}

func TestBuildPayloadHistoryAlternates(t *testing.T) {
	req := &typ.ChatRequest{
		System: "S",
		Messages: []typ.Message{
			userMsg("u1"), assistantMsg("a1"), userMsg("u2"), assistantMsg("a2"), userMsg("u3"),
		},
	}
	p := BuildPayload(req, BuildOptions{ModelID: "m"})

	history := p.ConversationState.History
	require.Len(t, history, 6)
	for i, entry := range history {
		isUser := entry.UserInputMessage != nil
		isAssistant := entry.AssistantResponseMessage != nil
		require.NotEqual(t, isUser, isAssistant, "entry %d must hold exactly one variant", i)
		if i%2 == 0 {
			assert.True(t, isUser, "entry %d should be a user turn", i)
		} else {
			assert.True(t, isAssistant, "entry %d should be an assistant turn", i)
		}
	}
	assert.Equal(t, "u3", p.ConversationState.CurrentMessage.UserInputMessage.Content)
}

func TestBuildPayloadToolDescriptionRelocation(t *testing.T) {
	long := strings.Repeat("d", 60)
	req := &typ.ChatRequest{
		Messages: []typ.Message{userMsg("Hi")},
		Tools: []typ.Tool{
			{Name: "small", Description: "ok", InputSchema: map[string]any{"type": "object"}},
			{Name: "big", Description: long, InputSchema: map[string]any{"type": "object"}},
		},
	}
	p := BuildPayload(req, BuildOptions{ModelID: "m", ToolDescMaxLen: 50})

	mctx := p.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext
	require.NotNil(t, mctx)
	require.Len(t, mctx.Tools, 2)
	assert.Equal(t, "ok", mctx.Tools[0].ToolSpecification.Description)
	assert.Equal(t, fmt.Sprintf(config.ToolDocReferenceFormat, "big"), mctx.Tools[1].ToolSpecification.Description)

	require.NotEmpty(t, p.ConversationState.History)
	sys := p.ConversationState.History[0].UserInputMessage.Content
	assert.Contains(t, sys, "## Tool: big")
	assert.Contains(t, sys, long)
	assert.Contains(t, sys, config.ChunkedWritePolicy)

	// The request itself must stay untouched for retries.
	assert.Equal(t, long, req.Tools[1].Description)

	t.Run("disabled limit leaves descriptions alone", func(t *testing.T) {
		p := BuildPayload(req, BuildOptions{ModelID: "m"})
		mctx := p.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext
		require.NotNil(t, mctx)
		assert.Equal(t, long, mctx.Tools[1].ToolSpecification.Description)
		assert.Empty(t, p.ConversationState.History)
	})
}

func TestBuildPayloadImages(t *testing.T) {
	imgPart := typ.ContentPart{Type: typ.PartImage, Image: &typ.ImagePart{Format: "png", Data: "aGVsbG8="}}

	t.Run("current message carries image bytes", func(t *testing.T) {
		req := &typ.ChatRequest{Messages: []typ.Message{
			{Role: typ.RoleUser, Parts: []typ.ContentPart{{Type: typ.PartText, Text: "look"}, imgPart}},
		}}
		p := BuildPayload(req, BuildOptions{ModelID: "m"})

		cur := p.ConversationState.CurrentMessage.UserInputMessage
		assert.Equal(t, "look", cur.Content)
		require.Len(t, cur.Images, 1)
		assert.Equal(t, "png", cur.Images[0].Format)
		assert.Equal(t, "aGVsbG8=", cur.Images[0].Source.Bytes)
	})

	t.Run("historical image becomes a placeholder", func(t *testing.T) {
		req := &typ.ChatRequest{Messages: []typ.Message{
			{Role: typ.RoleUser, Parts: []typ.ContentPart{{Type: typ.PartText, Text: "look"}, imgPart}},
			assistantMsg("ok"),
			userMsg("next"),
		}}
		p := BuildPayload(req, BuildOptions{ModelID: "m"})

		first := p.ConversationState.History[0].UserInputMessage
		require.NotNil(t, first)
		assert.Equal(t, "look\n"+fmt.Sprintf(config.ImagePlaceholderFormat, 1), first.Content)
		assert.Empty(t, first.Images)
	})
}

func TestBuildPayloadRewrapsThinkingParts(t *testing.T) {
	req := &typ.ChatRequest{Messages: []typ.Message{
		userMsg("Q"),
		{Role: typ.RoleAssistant, Parts: []typ.ContentPart{
			{Type: typ.PartThinking, Thinking: "hm"},
			{Type: typ.PartText, Text: "answer"},
		}},
		userMsg("next"),
	}}
	p := BuildPayload(req, BuildOptions{ModelID: "m"})

	asst := p.ConversationState.History[1].AssistantResponseMessage
	require.NotNil(t, asst)
	assert.Equal(t, "<thinking>hm</thinking>\nanswer", asst.Content)
}

func TestBuildPayloadIdentity(t *testing.T) {
	req := &typ.ChatRequest{Messages: []typ.Message{userMsg("Hi")}}

	p := BuildPayload(req, BuildOptions{
		ModelID:        "m",
		ConversationID: "conv-1",
		ProfileArn:     "arn:aws:codewhisperer:us-east-1:1:profile/p",
	})
	assert.Equal(t, "conv-1", p.ConversationState.ConversationID)
	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:1:profile/p", p.ProfileArn)

	p = BuildPayload(req, BuildOptions{ModelID: "m"})
	assert.NotEmpty(t, p.ConversationState.ConversationID)
	assert.Empty(t, p.ProfileArn)
}

func TestNormalizeToolSchema(t *testing.T) {
	t.Run("nil schema replaced", func(t *testing.T) {
		out := NormalizeToolSchema(nil)
		assert.Equal(t, "object", out["type"])
		assert.Equal(t, map[string]any{}, out["properties"])
		assert.Equal(t, []string{}, out["required"])
		assert.Equal(t, true, out["additionalProperties"])
	})

	t.Run("null fields repaired", func(t *testing.T) {
		out := NormalizeToolSchema(map[string]any{
			"type":       "object",
			"properties": nil,
			"required":   nil,
		})
		assert.Equal(t, map[string]any{}, out["properties"])
		assert.Equal(t, []string{}, out["required"])
		assert.Equal(t, true, out["additionalProperties"])
	})

	t.Run("required keeps only strings", func(t *testing.T) {
		out := NormalizeToolSchema(map[string]any{"required": []any{"a", 1, "b"}})
		assert.Equal(t, []string{"a", "b"}, out["required"])
	})

	t.Run("well-formed schema preserved", func(t *testing.T) {
		in := map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"x": map[string]any{"type": "string"}},
			"required":             []string{"x"},
			"additionalProperties": false,
		}
		assert.Equal(t, in, NormalizeToolSchema(in))
	})

	t.Run("input not mutated", func(t *testing.T) {
		in := map[string]any{"required": nil}
		NormalizeToolSchema(in)
		assert.Nil(t, in["required"])
	})
}

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/typ"
)

func parseAnthropic(t *testing.T, body string) *AnthropicMessagesRequest {
	t.Helper()
	var req AnthropicMessagesRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func TestFromAnthropicBasics(t *testing.T) {
	req := parseAnthropic(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 1024,
		"stream": true,
		"temperature": 0.7,
		"stop_sequences": ["END"],
		"system": [{"type":"text","text":"You are terse."},{"type":"text","text":"Answer in English."}],
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type":"text","text":"hi"}]}
		]
	}`)

	out := FromAnthropic(req)

	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Equal(t, int64(1024), out.MaxTokens)
	assert.True(t, out.Stream)
	require.NotNil(t, out.Temperature)
	assert.InDelta(t, 0.7, *out.Temperature, 1e-9)
	assert.Equal(t, []string{"END"}, out.StopSequences)
	assert.Equal(t, "You are terse.\nAnswer in English.", out.System)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, typ.RoleUser, out.Messages[0].Role)
	assert.Equal(t, "hello", out.Messages[0].Content)
	assert.Equal(t, typ.RoleAssistant, out.Messages[1].Role)
	assert.Equal(t, "hi", out.Messages[1].PlainText())
}

func TestFromAnthropicToolBlocks(t *testing.T) {
	req := parseAnthropic(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "weather in SF?"},
			{"role": "assistant", "content": [
				{"type":"text","text":"Let me check."},
				{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"SF"}}
			]},
			{"role": "user", "content": [
				{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"sunny"}]},
				{"type":"text","text":"and tomorrow?"}
			]}
		]
	}`)

	out := FromAnthropic(req)
	require.Len(t, out.Messages, 3)

	asst := out.Messages[1]
	require.Len(t, asst.Parts, 2)
	assert.Equal(t, typ.PartText, asst.Parts[0].Type)
	require.Equal(t, typ.PartToolUse, asst.Parts[1].Type)
	assert.Equal(t, "toolu_1", asst.Parts[1].ToolUse.ID)
	assert.Equal(t, "get_weather", asst.Parts[1].ToolUse.Name)
	assert.JSONEq(t, `{"city":"SF"}`, asst.Parts[1].ToolUse.Arguments)

	// Sibling text must survive next to the tool result.
	user := out.Messages[2]
	require.Len(t, user.Parts, 2)
	require.Equal(t, typ.PartToolResult, user.Parts[0].Type)
	assert.Equal(t, "toolu_1", user.Parts[0].ToolResult.ToolUseID)
	assert.Equal(t, "sunny", user.Parts[0].ToolResult.Content)
	assert.Equal(t, "and tomorrow?", user.Parts[1].Text)
}

func TestFromAnthropicThinkingBlocks(t *testing.T) {
	req := parseAnthropic(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "assistant", "content": [
				{"type":"thinking","thinking":"considering options","signature":"sig"},
				{"type":"text","text":"Answer."}
			]}
		]
	}`)

	out := FromAnthropic(req)
	require.Len(t, out.Messages, 1)
	parts := out.Messages[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, typ.PartThinking, parts[0].Type)
	assert.Equal(t, "considering options", parts[0].Thinking)
	assert.Equal(t, "Answer.", parts[1].Text)
}

func TestFromAnthropicImages(t *testing.T) {
	req := parseAnthropic(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": [
				{"type":"text","text":"what is this?"},
				{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}},
				{"type":"image","source":{"type":"url","url":"https://example.com/x.png"}}
			]}
		]
	}`)

	out := FromAnthropic(req)
	require.Len(t, out.Messages, 1)
	parts := out.Messages[0].Parts
	// URL image is dropped, base64 kept.
	require.Len(t, parts, 2)
	require.Equal(t, typ.PartImage, parts[1].Type)
	assert.Equal(t, "png", parts[1].Image.Format)
	assert.Equal(t, "iVBORw0KGgo=", parts[1].Image.Data)
}

func TestFromAnthropicSkipsServerTools(t *testing.T) {
	req := parseAnthropic(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [{"role":"user","content":"hi"}],
		"tools": [
			{"name":"get_weather","description":"look up weather","input_schema":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}},
			{"type":"custom","name":"get_time","description":"current time","input_schema":{"type":"object","properties":{}}},
			{"type":"web_search_20250305","name":"web_search","max_uses":5}
		]
	}`)

	out := FromAnthropic(req)
	require.Len(t, out.Tools, 2)
	assert.Equal(t, "get_weather", out.Tools[0].Name)
	assert.Equal(t, "look up weather", out.Tools[0].Description)
	props, ok := out.Tools[0].InputSchema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "city")
	assert.Equal(t, "get_time", out.Tools[1].Name)
}

func TestFromAnthropicToolChoice(t *testing.T) {
	cases := []struct {
		raw  string
		want typ.ToolChoice
	}{
		{`{"type":"auto"}`, typ.ToolChoice{Mode: typ.ToolChoiceAuto}},
		{`{"type":"any"}`, typ.ToolChoice{Mode: typ.ToolChoiceRequired}},
		{`{"type":"none"}`, typ.ToolChoice{Mode: typ.ToolChoiceNone}},
		{`{"type":"tool","name":"get_weather"}`, typ.ToolChoice{Mode: typ.ToolChoiceTool, Name: "get_weather"}},
	}
	for _, tc := range cases {
		req := parseAnthropic(t, `{
			"model": "m", "max_tokens": 1,
			"messages": [{"role":"user","content":"hi"}],
			"tool_choice": `+tc.raw+`
		}`)
		out := FromAnthropic(req)
		require.NotNil(t, out.ToolChoice, tc.raw)
		assert.Equal(t, tc.want, *out.ToolChoice, tc.raw)
	}
}

func TestParseThinkingConfig(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want *typ.ThinkingConfig
	}{
		{"absent", ``, nil},
		{"null", `null`, nil},
		{"bool true", `true`, &typ.ThinkingConfig{Type: typ.ThinkingEnabled}},
		{"bool false", `false`, &typ.ThinkingConfig{Type: typ.ThinkingDisabled}},
		{"enabled with budget", `{"type":"enabled","budget_tokens":2048}`,
			&typ.ThinkingConfig{Type: typ.ThinkingEnabled, BudgetTokens: 2048}},
		{"disabled", `{"type":"disabled"}`, &typ.ThinkingConfig{Type: typ.ThinkingDisabled}},
		{"adaptive", `{"type":"adaptive","effort":"low"}`,
			&typ.ThinkingConfig{Type: typ.ThinkingAdaptive, Effort: "low"}},
		{"loose enabled flag", `{"enabled":true,"budget_tokens":512}`,
			&typ.ThinkingConfig{Type: typ.ThinkingEnabled, BudgetTokens: 512}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseThinkingConfig(json.RawMessage(tc.raw))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestThinkingDefaultsOnWhenAbsent(t *testing.T) {
	req := parseAnthropic(t, `{
		"model": "m", "max_tokens": 1,
		"messages": [{"role":"user","content":"hi"}]
	}`)
	out := FromAnthropic(req)
	assert.Nil(t, out.Thinking)
	assert.True(t, out.ThinkingRequested())

	req = parseAnthropic(t, `{
		"model": "m", "max_tokens": 1,
		"messages": [{"role":"user","content":"hi"}],
		"thinking": {"type":"disabled"}
	}`)
	out = FromAnthropic(req)
	assert.False(t, out.ThinkingRequested())
}

package customapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCleanForAzureStripsBetaFields(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"context_management": {"edits": []},
		"betas": ["context-1m"],
		"anthropic_beta": ["tools-2024"],
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	out := cleanForAzure(body)

	assert.False(t, gjson.GetBytes(out, "context_management").Exists())
	assert.False(t, gjson.GetBytes(out, "betas").Exists())
	assert.False(t, gjson.GetBytes(out, "anthropic_beta").Exists())
	assert.Equal(t, "claude-sonnet-4", gjson.GetBytes(out, "model").String())
	assert.Equal(t, "hi", gjson.GetBytes(out, "messages.0.content").String())
}

func TestCleanForAzureKeepsSignedThinking(t *testing.T) {
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [
			{"role": "user", "content": "question"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "reasoned", "signature": "sig123"},
				{"type": "text", "text": "answer"}
			]},
			{"role": "user", "content": "follow up"}
		]
	}`)
	out := cleanForAzure(body)

	assert.Equal(t, "enabled", gjson.GetBytes(out, "thinking.type").String())
	first := gjson.GetBytes(out, "messages.1.content.0")
	assert.Equal(t, "thinking", first.Get("type").String())
	assert.Equal(t, "sig123", first.Get("signature").String())
}

func TestCleanForAzureUnsignedThinkingBecomesText(t *testing.T) {
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [
			{"role": "user", "content": "question"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "unsigned reasoning"},
				{"type": "text", "text": "answer"}
			]},
			{"role": "user", "content": "follow up"}
		]
	}`)
	out := cleanForAzure(body)

	assert.False(t, gjson.GetBytes(out, "thinking").Exists())
	first := gjson.GetBytes(out, "messages.1.content.0")
	assert.Equal(t, "text", first.Get("type").String())
	assert.Equal(t, "<previous_thinking>unsigned reasoning</previous_thinking>", first.Get("text").String())
}

func TestCleanForAzureNoAssistantKeepsThinking(t *testing.T) {
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 512},
		"messages": [{"role": "user", "content": "first turn"}]
	}`)
	out := cleanForAzure(body)

	assert.Equal(t, "enabled", gjson.GetBytes(out, "thinking.type").String())
}

func TestCleanForAzureThinkingDisabledByType(t *testing.T) {
	body := []byte(`{
		"thinking": {"type": "disabled"},
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	out := cleanForAzure(body)

	assert.False(t, gjson.GetBytes(out, "thinking").Exists())
}

func TestCleanForAzureRedactedThinking(t *testing.T) {
	signed := `{"role": "assistant", "content": [
		{"type": "thinking", "thinking": "r", "signature": "sig"},
		{"type": "redacted_thinking", "data": "opaque"},
		{"type": "redacted_thinking", "data": ""},
		{"type": "text", "text": "done"}
	]}`
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [{"role": "user", "content": "q"}, ` + signed + `]
	}`)
	out := cleanForAzure(body)

	blocks := gjson.GetBytes(out, "messages.1.content").Array()
	require.Len(t, blocks, 3)
	assert.Equal(t, "thinking", blocks[0].Get("type").String())
	assert.Equal(t, "opaque", blocks[1].Get("data").String())
	assert.Equal(t, "done", blocks[2].Get("text").String())
}

func TestCleanForAzureDropsEmptyMessages(t *testing.T) {
	body := []byte(`{
		"messages": [
			{"role": "user", "content": "keep me"},
			{"role": "user", "content": [{"type": "text", "text": "   "}]},
			{"role": "user", "content": "  "},
			{"role": "assistant", "content": []}
		]
	}`)
	out := cleanForAzure(body)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "keep me", msgs[0].Get("content").String())
	// A trailing assistant message is a prefill and survives even empty.
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
}

func TestCleanForAzureDropsEmptyNonTrailingAssistant(t *testing.T) {
	body := []byte(`{
		"messages": [
			{"role": "assistant", "content": [{"type": "text", "text": ""}]},
			{"role": "user", "content": "next"}
		]
	}`)
	out := cleanForAzure(body)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Get("role").String())
}

func TestCleanForAzureTools(t *testing.T) {
	body := []byte(`{
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [
			{"type": "bash_20250124", "name": "bash", "cache_control": {"type": "ephemeral"}},
			{"type": "web_search_20250305"},
			{"type": "custom", "custom": {"name": "wrapped", "input_schema": {"type": "object"}}},
			{"type": "function", "function": {"name": "fn", "description": "does things", "parameters": {"type": "object", "properties": {}}}},
			{"name": "legacy", "parameters": {"type": "object"}},
			{"name": "ready", "input_schema": {"type": "object"}},
			{"type": "mystery_tool"}
		]
	}`)
	out := cleanForAzure(body)

	tools := gjson.GetBytes(out, "tools").Array()
	require.Len(t, tools, 6)

	assert.Equal(t, "bash_20250124", tools[0].Get("type").String())
	assert.Equal(t, "bash", tools[0].Get("name").String())
	assert.False(t, tools[0].Get("cache_control").Exists())

	assert.Equal(t, "web_search_20250305", tools[1].Get("type").String())
	assert.False(t, tools[1].Get("name").Exists())

	assert.Equal(t, "wrapped", tools[2].Get("name").String())
	assert.True(t, tools[2].Get("input_schema").IsObject())

	assert.Equal(t, "fn", tools[3].Get("name").String())
	assert.Equal(t, "does things", tools[3].Get("description").String())
	assert.True(t, tools[3].Get("input_schema").IsObject())
	assert.False(t, tools[3].Get("parameters").Exists())

	assert.Equal(t, "legacy", tools[4].Get("name").String())
	assert.True(t, tools[4].Get("input_schema").IsObject())
	assert.False(t, tools[4].Get("parameters").Exists())

	assert.Equal(t, "ready", tools[5].Get("name").String())
}

func TestCleanForAzureRemovesToolsWhenAllDropped(t *testing.T) {
	body := []byte(`{
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [{"type": "mystery_tool"}, {"description": "nameless"}]
	}`)
	out := cleanForAzure(body)

	assert.False(t, gjson.GetBytes(out, "tools").Exists())
}

func TestCleanForAzureInvalidJSONPassesThrough(t *testing.T) {
	body := []byte(`{not json`)
	out := cleanForAzure(body)

	assert.Equal(t, body, out)
}

func TestCleanForAzureStringContentUntouched(t *testing.T) {
	body := []byte(`{
		"messages": [
			{"role": "user", "content": "plain string stays"},
			{"role": "assistant", "content": "so does this"}
		]
	}`)
	out := cleanForAzure(body)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "plain string stays", msgs[0].Get("content").String())
	assert.Equal(t, "so does this", msgs[1].Get("content").String())
}

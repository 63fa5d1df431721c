// Package protocol parses OpenAI- and Anthropic-format chat requests and
// converts them into the normalized shape the upstream payload builder
// consumes.
package protocol

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"

	"github.com/kirobox/kirobox/internal/typ"
)

// Use the official SDK types for request bodies. Stream lives outside both
// SDKs' param structs, and the thinking field accepts shapes the SDK unions
// cannot hold (bare booleans, the adaptive variant), so both ride as
// sidecars captured from the raw JSON.
type (
	AnthropicMessagesRequest struct {
		Stream   bool
		Thinking *typ.ThinkingConfig
		anthropic.MessageNewParams

		toolChoice *typ.ToolChoice
	}

	OpenAIChatRequest struct {
		Stream   bool
		Thinking *typ.ThinkingConfig
		openai.ChatCompletionNewParams

		toolChoice *typ.ToolChoice
		stop       []string
	}
)

func (r *AnthropicMessagesRequest) UnmarshalJSON(data []byte) error {
	var inner anthropic.MessageNewParams
	aux := &struct {
		Stream     bool            `json:"stream"`
		Thinking   json.RawMessage `json:"thinking"`
		ToolChoice json.RawMessage `json:"tool_choice"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &inner); err != nil {
		return err
	}
	r.Stream = aux.Stream
	r.Thinking = parseThinkingConfig(aux.Thinking)
	r.toolChoice = parseToolChoice(aux.ToolChoice)
	r.MessageNewParams = inner
	return nil
}

func (r *OpenAIChatRequest) UnmarshalJSON(data []byte) error {
	var inner openai.ChatCompletionNewParams
	aux := &struct {
		Stream     bool            `json:"stream"`
		Thinking   json.RawMessage `json:"thinking"`
		ToolChoice json.RawMessage `json:"tool_choice"`
		Stop       json.RawMessage `json:"stop"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &inner); err != nil {
		return err
	}
	r.Stream = aux.Stream
	r.Thinking = parseThinkingConfig(aux.Thinking)
	r.toolChoice = parseToolChoice(aux.ToolChoice)
	r.stop = parseStop(aux.Stop)
	r.ChatCompletionNewParams = inner
	return nil
}

// parseThinkingConfig accepts the shapes clients actually send: absent,
// a bare boolean, {"type":...,"budget_tokens":...,"effort":...}, or the
// loose {"enabled":bool} form. Absent stays nil so the conversion path can
// apply its default.
func parseThinkingConfig(raw json.RawMessage) *typ.ThinkingConfig {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return &typ.ThinkingConfig{Type: typ.ThinkingEnabled}
		}
		return &typ.ThinkingConfig{Type: typ.ThinkingDisabled}
	}

	var obj struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens"`
		Effort       string `json:"effort"`
		Enabled      *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	if obj.Enabled != nil && obj.Type == "" {
		if *obj.Enabled {
			return &typ.ThinkingConfig{Type: typ.ThinkingEnabled, BudgetTokens: obj.BudgetTokens}
		}
		return &typ.ThinkingConfig{Type: typ.ThinkingDisabled}
	}

	cfg := &typ.ThinkingConfig{BudgetTokens: obj.BudgetTokens, Effort: obj.Effort}
	switch obj.Type {
	case "disabled":
		cfg.Type = typ.ThinkingDisabled
	case "adaptive":
		cfg.Type = typ.ThinkingAdaptive
	default:
		cfg.Type = typ.ThinkingEnabled
	}
	return cfg
}

// parseToolChoice handles both wire dialects from the raw field: OpenAI's
// bare strings and {"type":"function","function":{"name":...}}, and
// Anthropic's {"type":"auto"|"any"|"none"|"tool","name":...}.
func parseToolChoice(raw json.RawMessage) *typ.ToolChoice {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &typ.ToolChoice{Mode: typ.ToolChoiceAuto}
		case "none":
			return &typ.ToolChoice{Mode: typ.ToolChoiceNone}
		case "required", "any":
			return &typ.ToolChoice{Mode: typ.ToolChoiceRequired}
		}
		return nil
	}

	var obj struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	switch obj.Type {
	case "auto":
		return &typ.ToolChoice{Mode: typ.ToolChoiceAuto}
	case "none":
		return &typ.ToolChoice{Mode: typ.ToolChoiceNone}
	case "any", "required":
		return &typ.ToolChoice{Mode: typ.ToolChoiceRequired}
	case "tool":
		return &typ.ToolChoice{Mode: typ.ToolChoiceTool, Name: obj.Name}
	case "function":
		return &typ.ToolChoice{Mode: typ.ToolChoiceTool, Name: obj.Function.Name}
	}
	return nil
}

// parseStop accepts OpenAI's string-or-array stop field.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

package customapi

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

// Lines naming billing headers are stripped from system prompts before
// delegation; external providers reject or misbill requests that carry them.
var (
	reservedLineRe = regexp.MustCompile(`(?im)^.*(?:x-anthropic-billing-header|anthropic-billing|billing-header).*$`)
	blankRunRe     = regexp.MustCompile(`\n\s*\n\s*\n`)
)

func filterReservedKeywords(s string) string {
	s = reservedLineRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// openaiBody renders a normalized request as an OpenAI chat.completions
// body. Thinking has no native knob in this dialect, so when requested the
// interleaved hint rides on the system prompt and historical thinking is
// re-wrapped in tags the model recognizes.
func openaiBody(req *typ.ChatRequest, model string, thinkingEnabled bool) map[string]any {
	system := filterReservedKeywords(req.System)
	if thinkingEnabled {
		if system != "" {
			system += "\n" + config.ThinkingInterleavedHint
		} else {
			system = config.ThinkingInterleavedHint
		}
	}

	var messages []map[string]any
	if system != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}
	conversation := 0
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case typ.RoleUser, typ.RoleTool:
			converted := openaiUserMessages(msg)
			messages = append(messages, converted...)
			conversation += len(converted)
		case typ.RoleAssistant:
			messages = append(messages, openaiAssistantMessage(msg, thinkingEnabled))
			conversation++
		}
	}
	// Some providers reject a system-only conversation outright.
	if conversation == 0 {
		messages = append(messages, map[string]any{"role": "user", "content": "."})
	}

	body := map[string]any{
		"model":          model,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		body["tools"] = openaiTools(req.Tools)
	}
	if tc := openaiToolChoice(req.ToolChoice); tc != nil {
		body["tool_choice"] = tc
	}
	return body
}

// openaiUserMessages splits one user or tool turn into the flat messages the
// OpenAI dialect wants: standalone image messages and tool-role results
// first, then the joined text. Blank text is dropped entirely.
func openaiUserMessages(msg *typ.Message) []map[string]any {
	if !msg.HasParts() {
		if strings.TrimSpace(msg.Content) == "" {
			return nil
		}
		return []map[string]any{{"role": "user", "content": msg.Content}}
	}

	var out []map[string]any
	var texts []string
	for _, p := range msg.Parts {
		switch p.Type {
		case typ.PartText:
			texts = append(texts, p.Text)
		case typ.PartImage:
			if p.Image == nil {
				continue
			}
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:image/%s;base64,%s", p.Image.Format, p.Image.Data),
					},
				}},
			})
		case typ.PartToolResult:
			if p.ToolResult == nil {
				continue
			}
			content := p.ToolResult.Content
			if content == "" {
				// An empty string here is rejected downstream.
				content = " "
			}
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": p.ToolResult.ToolUseID,
				"content":      content,
			})
		}
	}
	if joined := strings.Join(texts, "\n"); strings.TrimSpace(joined) != "" {
		out = append(out, map[string]any{"role": "user", "content": joined})
	}
	return out
}

// openaiAssistantMessage flattens an assistant turn. Historical thinking is
// inlined as tagged text when thinking stays on and dropped otherwise;
// content is always a string because some providers reject null.
func openaiAssistantMessage(msg *typ.Message, thinkingEnabled bool) map[string]any {
	var texts []string
	if msg.HasParts() {
		for _, p := range msg.Parts {
			switch p.Type {
			case typ.PartText:
				texts = append(texts, p.Text)
			case typ.PartThinking:
				if thinkingEnabled && p.Thinking != "" {
					texts = append(texts, "<thinking>"+p.Thinking+"</thinking>")
				}
			}
		}
	} else if msg.Content != "" {
		texts = append(texts, msg.Content)
	}

	out := map[string]any{
		"role":    "assistant",
		"content": strings.TrimSpace(strings.Join(texts, "\n")),
	}
	if calls := collectToolCalls(msg); len(calls) > 0 {
		rendered := make([]map[string]any, 0, len(calls))
		for _, call := range calls {
			rendered = append(rendered, map[string]any{
				"id":   call.ID,
				"type": "function",
				"function": map[string]any{
					"name":      call.Name,
					"arguments": argumentsOrEmpty(call.Arguments),
				},
			})
		}
		out["tool_calls"] = rendered
	}
	return out
}

// collectToolCalls unions the structured tool_use parts with the flat
// ToolCalls field; either form may carry them depending on the client
// dialect the message arrived in.
func collectToolCalls(msg *typ.Message) []typ.ToolCall {
	var calls []typ.ToolCall
	for _, p := range msg.Parts {
		if p.Type == typ.PartToolUse && p.ToolUse != nil {
			calls = append(calls, *p.ToolUse)
		}
	}
	return append(calls, msg.ToolCalls...)
}

func argumentsOrEmpty(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

func openaiTools(tools []typ.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

func openaiToolChoice(tc *typ.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case typ.ToolChoiceAuto:
		return "auto"
	case typ.ToolChoiceRequired:
		return "required"
	case typ.ToolChoiceNone:
		return "none"
	case typ.ToolChoiceTool:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	}
	return nil
}

// anthropicBody rebuilds a /v1/messages request from the normalized form,
// used when the client spoke OpenAI but the account speaks Anthropic.
// Normalization does not preserve thinking signatures, so historical
// thinking travels as tagged text and no thinking config is sent.
func anthropicBody(req *typ.ChatRequest, model string) map[string]any {
	var messages []map[string]any
	for i := range req.Messages {
		msg := &req.Messages[i]
		if rendered, ok := anthropicMessage(msg); ok {
			messages = append(messages, rendered)
		}
	}
	if len(messages) == 0 {
		messages = append(messages, map[string]any{"role": "user", "content": "."})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	body := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop_sequences"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		body["tools"] = anthropicTools(req.Tools)
	}
	if tc := anthropicToolChoice(req.ToolChoice); tc != nil {
		body["tool_choice"] = tc
	}
	return body
}

// anthropicMessage renders one normalized turn as an Anthropic message.
// Turns that come out empty are dropped; the API rejects them.
func anthropicMessage(msg *typ.Message) (map[string]any, bool) {
	switch msg.Role {
	case typ.RoleTool:
		var blocks []map[string]any
		for _, p := range msg.Parts {
			if p.Type != typ.PartToolResult || p.ToolResult == nil {
				continue
			}
			blocks = append(blocks, map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolResult.ToolUseID,
				"content":     p.ToolResult.Content,
			})
		}
		if len(blocks) == 0 {
			return nil, false
		}
		return map[string]any{"role": "user", "content": blocks}, true

	case typ.RoleUser:
		if !msg.HasParts() {
			if msg.Content == "" {
				return nil, false
			}
			return map[string]any{"role": "user", "content": msg.Content}, true
		}
		var blocks []map[string]any
		for _, p := range msg.Parts {
			switch p.Type {
			case typ.PartText:
				if p.Text != "" {
					blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
				}
			case typ.PartImage:
				if p.Image == nil {
					continue
				}
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": "image/" + p.Image.Format,
						"data":       p.Image.Data,
					},
				})
			case typ.PartToolResult:
				if p.ToolResult == nil {
					continue
				}
				blocks = append(blocks, map[string]any{
					"type":        "tool_result",
					"tool_use_id": p.ToolResult.ToolUseID,
					"content":     p.ToolResult.Content,
				})
			}
		}
		if len(blocks) == 0 {
			return nil, false
		}
		return map[string]any{"role": "user", "content": blocks}, true

	case typ.RoleAssistant:
		var blocks []map[string]any
		if msg.HasParts() {
			for _, p := range msg.Parts {
				switch p.Type {
				case typ.PartText:
					if p.Text != "" {
						blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
					}
				case typ.PartThinking:
					if p.Thinking != "" {
						blocks = append(blocks, map[string]any{
							"type": "text",
							"text": "<previous_thinking>" + p.Thinking + "</previous_thinking>",
						})
					}
				}
			}
		} else if msg.Content != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
		}
		for _, call := range collectToolCalls(msg) {
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    call.ID,
				"name":  call.Name,
				"input": toolInputMap(call.Arguments),
			})
		}
		if len(blocks) == 0 {
			return nil, false
		}
		return map[string]any{"role": "assistant", "content": blocks}, true
	}
	return nil, false
}

// toolInputMap parses a tool-call arguments string, falling back to an
// empty object when it is blank or malformed.
func toolInputMap(args string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(args) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return map[string]any{}
	}
	return input
}

func anthropicTools(tools []typ.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schema,
		})
	}
	return out
}

func anthropicToolChoice(tc *typ.ToolChoice) map[string]any {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case typ.ToolChoiceAuto:
		return map[string]any{"type": "auto"}
	case typ.ToolChoiceRequired:
		return map[string]any{"type": "any"}
	case typ.ToolChoiceNone:
		return map[string]any{"type": "none"}
	case typ.ToolChoiceTool:
		return map[string]any{"type": "tool", "name": tc.Name}
	}
	return nil
}

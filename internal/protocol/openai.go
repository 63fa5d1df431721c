package protocol

import (
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/typ"
)

// FromOpenAI converts a Chat Completions request into the normalized form.
//
// The SDK's message union exposes no common accessors, so each message is
// round-tripped through JSON and walked as a map, the same way the wire
// payload arrived. reasoning_content on assistant turns is an inbound echo
// of our own output and is ignored.
func FromOpenAI(req *OpenAIChatRequest) *typ.ChatRequest {
	out := &typ.ChatRequest{
		Model:         string(req.Model),
		Stream:        req.Stream,
		Thinking:      req.Thinking,
		ToolChoice:    req.toolChoice,
		StopSequences: req.stop,
	}

	if req.MaxCompletionTokens.Valid() {
		out.MaxTokens = req.MaxCompletionTokens.Value
	} else if req.MaxTokens.Valid() {
		out.MaxTokens = req.MaxTokens.Value
	}
	if req.Temperature.Valid() {
		v := req.Temperature.Value
		out.Temperature = &v
	}
	if req.TopP.Valid() {
		v := req.TopP.Value
		out.TopP = &v
	}

	var systemParts []string
	for _, msg := range req.Messages {
		raw, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}

		role, _ := m["role"].(string)
		switch role {
		case "system", "developer":
			if text := flattenOpenAIContent(m["content"]); text != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			out.Messages = append(out.Messages, convertOpenAIUserMessage(m))
		case "assistant":
			out.Messages = append(out.Messages, convertOpenAIAssistantMessage(m))
		case "tool":
			out.Messages = append(out.Messages, convertOpenAIToolMessage(m))
		}
	}
	out.System = strings.Join(systemParts, "\n")

	for _, t := range req.Tools {
		fn := t.GetFunction()
		if fn == nil {
			continue
		}
		tool := typ.Tool{
			Name:        fn.Name,
			Description: fn.Description.Value,
		}
		if fn.Parameters != nil {
			if raw, err := json.Marshal(fn.Parameters); err == nil {
				var m map[string]any
				if json.Unmarshal(raw, &m) == nil {
					tool.InputSchema = m
				}
			}
		}
		out.Tools = append(out.Tools, tool)
	}

	return out
}

// flattenOpenAIContent extracts text from the string-or-parts content shape.
func flattenOpenAIContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := pm["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func convertOpenAIUserMessage(m map[string]any) typ.Message {
	msg := typ.Message{Role: typ.RoleUser}

	switch content := m["content"].(type) {
	case string:
		msg.Content = content
	case []any:
		for _, p := range content {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			switch pm["type"] {
			case "text":
				if text, ok := pm["text"].(string); ok {
					msg.Parts = append(msg.Parts, typ.ContentPart{Type: typ.PartText, Text: text})
				}
			case "image_url":
				if part := convertOpenAIImagePart(pm); part != nil {
					msg.Parts = append(msg.Parts, *part)
				}
			}
		}
	}
	return msg
}

// convertOpenAIImagePart parses a base64 data URL. Remote URLs cannot be
// fetched on the request path and are dropped with a warning.
func convertOpenAIImagePart(pm map[string]any) *typ.ContentPart {
	iu, ok := pm["image_url"].(map[string]any)
	if !ok {
		return nil
	}
	url, _ := iu["url"].(string)
	format, data, ok := parseDataURL(url)
	if !ok {
		logrus.Warn("Dropping image_url part: only base64 data URLs are forwarded")
		return nil
	}
	return &typ.ContentPart{
		Type:  typ.PartImage,
		Image: &typ.ImagePart{Format: format, Data: data},
	}
}

// parseDataURL splits "data:image/png;base64,AAAA" into ("png", "AAAA").
func parseDataURL(url string) (format, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(url[len("data:"):], ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	return strings.TrimPrefix(mediaType, "image/"), payload, true
}

func convertOpenAIAssistantMessage(m map[string]any) typ.Message {
	msg := typ.Message{
		Role:    typ.RoleAssistant,
		Content: flattenOpenAIContent(m["content"]),
	}

	toolCalls, _ := m["tool_calls"].([]any)
	for _, tc := range toolCalls {
		call, ok := tc.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := call["function"].(map[string]any)
		if fn == nil {
			continue
		}
		id, _ := call["id"].(string)
		name, _ := fn["name"].(string)
		args, _ := fn["arguments"].(string)
		msg.ToolCalls = append(msg.ToolCalls, typ.ToolCall{ID: id, Name: name, Arguments: args})
	}
	return msg
}

// convertOpenAIToolMessage rewrites a tool-role turn into a user turn
// carrying a tool_result part; the payload builder folds adjacent ones.
func convertOpenAIToolMessage(m map[string]any) typ.Message {
	id, _ := m["tool_call_id"].(string)
	return typ.Message{
		Role: typ.RoleTool,
		Parts: []typ.ContentPart{{
			Type: typ.PartToolResult,
			ToolResult: &typ.ToolResult{
				ToolUseID: id,
				Content:   flattenOpenAIContent(m["content"]),
			},
		}},
	}
}

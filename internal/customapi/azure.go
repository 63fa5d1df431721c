package customapi

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// builtinToolTypes are the server-side tool declarations Azure accepts only
// in their reduced {type, name} form.
var builtinToolTypes = map[string]bool{
	"bash_20241022":        true,
	"bash_20250124":        true,
	"text_editor_20241022": true,
	"text_editor_20250124": true,
	"text_editor_20250429": true,
	"text_editor_20250728": true,
	"web_search_20250305":  true,
	"computer_20241022":    true,
}

// cleanForAzure rewrites a raw Anthropic request for Azure-hosted
// deployments, which reject beta fields, unsigned thinking blocks, empty
// content, and decorated tool declarations. The body passes through
// untouched when it is not valid JSON.
func cleanForAzure(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	for _, field := range []string{"context_management", "betas", "anthropic_beta"} {
		if out, err := sjson.DeleteBytes(body, field); err == nil {
			body = out
		}
	}

	// Thinking survives only when the conversation can continue it: the
	// last assistant turn must open with a signed thinking block. A
	// conversation with no assistant turn yet has nothing to contradict it.
	enabled := gjson.GetBytes(body, "thinking.type").String() == "enabled" &&
		lastAssistantStartsWithSignedThinking(body)
	if !enabled {
		if out, err := sjson.DeleteBytes(body, "thinking"); err == nil {
			body = out
		}
	}

	body = cleanAzureMessages(body, enabled)
	body = cleanAzureTools(body)
	return body
}

func lastAssistantStartsWithSignedThinking(body []byte) bool {
	msgs := gjson.GetBytes(body, "messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "assistant" {
			continue
		}
		first := msgs[i].Get("content.0")
		return first.Get("type").String() == "thinking" && first.Get("signature").String() != ""
	}
	return true
}

// cleanAzureMessages rebuilds the messages array with cleaned content.
// Messages that come out empty are dropped, except a trailing assistant
// message, which is a prefill the caller meant to send.
func cleanAzureMessages(body []byte, thinkingEnabled bool) []byte {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return body
	}
	items := msgs.Array()
	cleaned := make([]any, 0, len(items))
	for i, msg := range items {
		raw, ok := msg.Value().(map[string]any)
		if !ok {
			continue
		}
		if content := msg.Get("content"); content.IsArray() {
			raw["content"] = cleanAzureBlocks(content, thinkingEnabled)
		}
		last := i == len(items)-1
		if azureMessageEmpty(raw["content"]) && !(last && msg.Get("role").String() == "assistant") {
			continue
		}
		cleaned = append(cleaned, raw)
	}
	out, err := sjson.SetBytes(body, "messages", cleaned)
	if err != nil {
		return body
	}
	return out
}

// cleanAzureBlocks filters one content array. Unsigned thinking becomes
// plain text the model can still read; redacted thinking without data and
// blank text blocks are dropped.
func cleanAzureBlocks(content gjson.Result, thinkingEnabled bool) []any {
	blocks := []any{}
	for _, b := range content.Array() {
		switch b.Get("type").String() {
		case "thinking":
			if thinkingEnabled && b.Get("signature").String() != "" {
				blocks = append(blocks, b.Value())
				continue
			}
			if t := b.Get("thinking").String(); t != "" {
				blocks = append(blocks, map[string]any{
					"type": "text",
					"text": "<previous_thinking>" + t + "</previous_thinking>",
				})
			}
		case "redacted_thinking":
			if thinkingEnabled && b.Get("data").String() != "" {
				blocks = append(blocks, b.Value())
			}
		case "text":
			if strings.TrimSpace(b.Get("text").String()) != "" {
				blocks = append(blocks, b.Value())
			}
		default:
			blocks = append(blocks, b.Value())
		}
	}
	return blocks
}

func azureMessageEmpty(content any) bool {
	switch v := content.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	}
	return false
}

// cleanAzureTools normalizes the tools array: built-ins shrink to their
// type declaration, wrapped custom tools unwrap, and OpenAI-style function
// declarations convert to the input_schema shape.
func cleanAzureTools(body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	if !tools.IsArray() {
		return body
	}
	cleaned := []any{}
	for _, t := range tools.Array() {
		toolType := t.Get("type").String()
		switch {
		case builtinToolTypes[toolType]:
			entry := map[string]any{"type": toolType}
			if name := t.Get("name").String(); name != "" {
				entry["name"] = name
			}
			cleaned = append(cleaned, entry)

		case toolType == "custom" && t.Get("custom").IsObject():
			cleaned = append(cleaned, t.Get("custom").Value())

		case t.Get("function").IsObject():
			fn := t.Get("function")
			entry := map[string]any{"name": fn.Get("name").String()}
			if desc := fn.Get("description").String(); desc != "" {
				entry["description"] = desc
			}
			if params := fn.Get("parameters"); params.IsObject() {
				entry["input_schema"] = params.Value()
			}
			cleaned = append(cleaned, entry)

		case t.Get("name").String() != "":
			raw, ok := t.Value().(map[string]any)
			if !ok {
				continue
			}
			if params, exists := raw["parameters"]; exists {
				if _, has := raw["input_schema"]; !has {
					raw["input_schema"] = params
				}
				delete(raw, "parameters")
			}
			cleaned = append(cleaned, raw)
		}
	}

	if len(cleaned) == 0 {
		if out, err := sjson.DeleteBytes(body, "tools"); err == nil {
			return out
		}
		return body
	}
	out, err := sjson.SetBytes(body, "tools", cleaned)
	if err != nil {
		return body
	}
	return out
}

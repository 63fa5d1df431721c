package protocol

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/typ"
)

// FromAnthropic converts a Messages-API request into the normalized form.
//
// Thinking blocks in history are preserved as thinking parts; the payload
// builder re-wraps them in <thinking> tags so the streaming side detects
// them again. Server-side tools (the web_search family) never reach the
// upstream tool list, so anything that is not a plain custom tool is
// skipped here.
func FromAnthropic(req *AnthropicMessagesRequest) *typ.ChatRequest {
	out := &typ.ChatRequest{
		Model:         string(req.Model),
		MaxTokens:     req.MaxTokens,
		Stream:        req.Stream,
		Thinking:      req.Thinking,
		ToolChoice:    req.toolChoice,
		StopSequences: req.StopSequences,
		System:        joinSystemBlocks(req.System),
	}
	if req.Temperature.Valid() {
		v := req.Temperature.Value
		out.Temperature = &v
	}
	if req.TopP.Valid() {
		v := req.TopP.Value
		out.TopP = &v
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, convertAnthropicMessage(msg))
	}

	for _, t := range req.Tools {
		tool := t.OfTool
		if tool == nil {
			logrus.Debug("Skipping non-custom tool entry in request")
			continue
		}
		// Server tools (web_search_* and friends) unmarshal into OfTool
		// as well, with their type string carried through; only plain
		// custom tools go upstream.
		if tool.Type != "" && tool.Type != anthropic.ToolTypeCustom {
			logrus.Debugf("Skipping server tool %s (%s)", tool.Name, tool.Type)
			continue
		}
		out.Tools = append(out.Tools, typ.Tool{
			Name:        tool.Name,
			Description: tool.Description.Value,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}

	return out
}

func joinSystemBlocks(blocks []anthropic.TextBlockParam) string {
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// convertAnthropicMessage maps one turn. tool_result blocks stay on the user
// turn as parts, alongside any sibling text, so nothing is dropped when a
// client mixes results and commentary in one message.
func convertAnthropicMessage(msg anthropic.MessageParam) typ.Message {
	out := typ.Message{Role: typ.Role(msg.Role)}

	for _, block := range msg.Content {
		switch {
		case block.OfText != nil:
			out.Parts = append(out.Parts, typ.ContentPart{
				Type: typ.PartText,
				Text: block.OfText.Text,
			})
		case block.OfThinking != nil:
			out.Parts = append(out.Parts, typ.ContentPart{
				Type:     typ.PartThinking,
				Thinking: block.OfThinking.Thinking,
			})
		case block.OfToolUse != nil:
			args := "{}"
			if raw, err := json.Marshal(block.OfToolUse.Input); err == nil {
				args = string(raw)
			}
			out.Parts = append(out.Parts, typ.ContentPart{
				Type: typ.PartToolUse,
				ToolUse: &typ.ToolCall{
					ID:        block.OfToolUse.ID,
					Name:      block.OfToolUse.Name,
					Arguments: args,
				},
			})
		case block.OfToolResult != nil:
			out.Parts = append(out.Parts, typ.ContentPart{
				Type: typ.PartToolResult,
				ToolResult: &typ.ToolResult{
					ToolUseID: block.OfToolResult.ToolUseID,
					Content:   flattenToolResult(block.OfToolResult.Content),
				},
			})
		case block.OfImage != nil:
			part := convertAnthropicImage(block.OfImage)
			if part != nil {
				out.Parts = append(out.Parts, *part)
			}
		}
	}

	// A single text part collapses to plain content; merge and history
	// handling prefer the flat form.
	if len(out.Parts) == 1 && out.Parts[0].Type == typ.PartText {
		out.Content = out.Parts[0].Text
		out.Parts = nil
	}
	return out
}

func flattenToolResult(content []anthropic.ToolResultBlockParamContentUnion) string {
	var parts []string
	for _, c := range content {
		if c.OfText != nil {
			parts = append(parts, c.OfText.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// convertAnthropicImage keeps base64 sources. URL sources cannot be fetched
// on the request path and are dropped with a warning.
func convertAnthropicImage(img *anthropic.ImageBlockParam) *typ.ContentPart {
	if img.Source.OfBase64 != nil {
		return &typ.ContentPart{
			Type: typ.PartImage,
			Image: &typ.ImagePart{
				Format: strings.TrimPrefix(string(img.Source.OfBase64.MediaType), "image/"),
				Data:   img.Source.OfBase64.Data,
			},
		}
	}
	if img.Source.OfURL != nil {
		logrus.Warnf("Dropping URL image source %q: only base64 sources are forwarded", img.Source.OfURL.URL)
	}
	return nil
}

func schemaToMap(schema anthropic.ToolInputSchemaParam) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

package kiro

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

// Payload is the request body for generateAssistantResponse.
type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type ConversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	History         []HistoryEntry `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryEntry holds exactly one of its two variants. The upstream requires
// strict user/assistant alternation across the history array.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type ToolUse struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"toolUseId"`
}

type UserInputMessageContext struct {
	Tools       []ToolEntry       `json:"tools,omitempty"`
	ToolResults []ToolResultEntry `json:"toolResults,omitempty"`
}

type ToolEntry struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON map[string]any `json:"json"`
}

type ToolResultEntry struct {
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
	ToolUseID string              `json:"toolUseId"`
}

type ToolResultContent struct {
	Text string `json:"text"`
}

type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

// BuildOptions carries the per-request knobs for BuildPayload.
type BuildOptions struct {
	// ConversationID is generated fresh when empty.
	ConversationID string
	// ModelID is the upstream internal model id, already resolved from the
	// client-facing name.
	ModelID string
	// ProfileArn is attached for IdC credentials and omitted otherwise.
	ProfileArn string
	// ThinkingEnabled gates the thinking hint; the hint shape comes from the
	// request's thinking config.
	ThinkingEnabled bool
	// ToolDescMaxLen relocates longer tool descriptions into the system
	// prompt. Zero or negative disables relocation.
	ToolDescMaxLen int
}

// BuildPayload converts a normalized request into the upstream body.
//
// The upstream has no system field, so system text (plus the chunked-write
// policy and optional thinking hint) is injected as a user/assistant pair at
// the head of history, with the assistant acknowledging. The last message
// becomes currentMessage; when it is an assistant turn it moves into history
// and the literal "Continue" is sent instead. A request with no
// conversational messages at all still yields a valid payload with a
// "Continue" current message.
func BuildPayload(req *typ.ChatRequest, opts BuildOptions) *Payload {
	tools, toolDoc := relocateToolDocs(req.Tools, opts.ToolDescMaxLen)

	systemPrompt, conversational := splitSystem(req)
	if toolDoc != "" {
		if systemPrompt != "" {
			systemPrompt += toolDoc
		} else {
			systemPrompt = strings.TrimSpace(toolDoc)
		}
	}

	merged := mergeAdjacentMessages(foldToolMessages(conversational))

	var history []HistoryEntry
	if len(merged) > 1 {
		history = buildHistory(merged[:len(merged)-1], opts.ModelID)
	}

	var prefix string
	if opts.ThinkingEnabled {
		prefix = thinkingPrefix(req.Thinking)
	}

	var systemContent string
	switch {
	case systemPrompt != "":
		systemContent = systemPrompt + "\n" + config.ChunkedWritePolicy
		if prefix != "" && !strings.Contains(systemContent, config.ThinkingModeTag) {
			systemContent = prefix + "\n" + systemContent
		}
	case prefix != "":
		systemContent = prefix
	}

	if systemContent != "" {
		history = append([]HistoryEntry{
			{UserInputMessage: &UserInputMessage{
				Content: systemContent,
				ModelID: opts.ModelID,
				Origin:  config.MessageOriginEditor,
			}},
			{AssistantResponseMessage: &AssistantResponseMessage{
				Content: config.AssistantAck,
			}},
		}, history...)
	}

	current := typ.Message{Role: typ.RoleUser}
	if len(merged) > 0 {
		current = merged[len(merged)-1]
	}
	currentContent := messageText(&current, false)

	if current.Role == typ.RoleAssistant {
		history = append(history, HistoryEntry{
			AssistantResponseMessage: &AssistantResponseMessage{Content: currentContent},
		})
		currentContent = config.ContinuePrompt
	}
	if currentContent == "" {
		currentContent = config.ContinuePrompt
	}

	userInput := UserInputMessage{
		Content: currentContent,
		ModelID: opts.ModelID,
		Origin:  config.MessageOriginEditor,
	}
	if images := collectImages(&current); len(images) > 0 {
		userInput.Images = images
	}
	if mctx := buildMessageContext(tools, &current); mctx != nil {
		userInput.UserInputMessageContext = mctx
	}

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	return &Payload{
		ConversationState: ConversationState{
			ChatTriggerType: config.ChatTriggerTypeManual,
			ConversationID:  conversationID,
			CurrentMessage:  CurrentMessage{UserInputMessage: userInput},
			History:         history,
		},
		ProfileArn: opts.ProfileArn,
	}
}

// splitSystem pulls system text out of the request. The dedicated System
// field and any system-role messages are concatenated in order.
func splitSystem(req *typ.ChatRequest) (string, []typ.Message) {
	var parts []string
	if req.System != "" {
		parts = append(parts, req.System)
	}
	conversational := make([]typ.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == typ.RoleSystem {
			parts = append(parts, msg.PlainText())
			continue
		}
		conversational = append(conversational, msg)
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), conversational
}

// foldToolMessages rewrites tool-role messages into synthetic user messages
// carrying tool_result parts. Consecutive tool messages collapse into one
// user turn placed before the next non-tool message.
func foldToolMessages(messages []typ.Message) []typ.Message {
	out := make([]typ.Message, 0, len(messages))
	var pending []typ.ContentPart

	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, typ.Message{Role: typ.RoleUser, Parts: pending})
		pending = nil
	}

	for _, msg := range messages {
		if msg.Role != typ.RoleTool {
			flush()
			out = append(out, msg)
			continue
		}
		parts := msg.Parts
		if len(parts) == 0 {
			parts = []typ.ContentPart{{
				Type:       typ.PartToolResult,
				ToolResult: &typ.ToolResult{Content: msg.Content},
			}}
		}
		for _, p := range parts {
			if p.Type != typ.PartToolResult || p.ToolResult == nil {
				continue
			}
			result := *p.ToolResult
			if result.Content == "" {
				result.Content = "(empty result)"
			}
			pending = append(pending, typ.ContentPart{
				Type:       typ.PartToolResult,
				ToolResult: &result,
			})
		}
	}
	flush()
	return out
}

// mergeAdjacentMessages collapses consecutive same-role messages. The
// upstream rejects two turns of the same role in a row. Plain contents join
// with a newline, structured contents concatenate, and assistant tool calls
// union so no toolUse referenced by a later toolResult is lost.
func mergeAdjacentMessages(messages []typ.Message) []typ.Message {
	if len(messages) == 0 {
		return nil
	}
	merged := make([]typ.Message, 0, len(messages))
	for _, msg := range messages {
		if len(merged) == 0 || merged[len(merged)-1].Role != msg.Role {
			merged = append(merged, msg)
			continue
		}
		last := &merged[len(merged)-1]
		switch {
		case last.HasParts() && msg.HasParts():
			last.Parts = append(last.Parts, msg.Parts...)
		case last.HasParts():
			last.Parts = append(last.Parts, typ.ContentPart{Type: typ.PartText, Text: msg.PlainText()})
		case msg.HasParts():
			parts := make([]typ.ContentPart, 0, len(msg.Parts)+1)
			parts = append(parts, typ.ContentPart{Type: typ.PartText, Text: last.Content})
			parts = append(parts, msg.Parts...)
			last.Content = ""
			last.Parts = parts
		default:
			last.Content = last.Content + "\n" + msg.Content
		}
		if msg.Role == typ.RoleAssistant && len(msg.ToolCalls) > 0 {
			last.ToolCalls = append(last.ToolCalls, msg.ToolCalls...)
		}
	}
	return merged
}

func buildHistory(messages []typ.Message, modelID string) []HistoryEntry {
	history := make([]HistoryEntry, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case typ.RoleUser:
			entry := &UserInputMessage{
				Content: messageText(msg, true),
				ModelID: modelID,
				Origin:  config.MessageOriginEditor,
			}
			if results := extractToolResults(msg); len(results) > 0 {
				entry.UserInputMessageContext = &UserInputMessageContext{ToolResults: results}
			}
			history = append(history, HistoryEntry{UserInputMessage: entry})
		case typ.RoleAssistant:
			entry := &AssistantResponseMessage{Content: messageText(msg, true)}
			if uses := extractToolUses(msg); len(uses) > 0 {
				entry.ToolUses = uses
			}
			history = append(history, HistoryEntry{AssistantResponseMessage: entry})
		}
	}
	return history
}

// messageText flattens a message body to the text the upstream sees.
// Thinking parts are re-wrapped in <thinking> tags so the streaming side can
// recognize them again. Images are dropped from current-turn text (they ride
// in the images field) and replaced with a count placeholder in history.
func messageText(msg *typ.Message, historical bool) string {
	if !msg.HasParts() {
		return msg.Content
	}
	var parts []string
	images := 0
	for _, p := range msg.Parts {
		switch p.Type {
		case typ.PartText:
			parts = append(parts, p.Text)
		case typ.PartThinking:
			if p.Thinking != "" {
				parts = append(parts, "<thinking>"+p.Thinking+"</thinking>")
			}
		case typ.PartImage:
			images++
		}
	}
	if historical && images > 0 {
		parts = append(parts, fmt.Sprintf(config.ImagePlaceholderFormat, images))
	}
	return strings.Join(parts, "\n")
}

func extractToolResults(msg *typ.Message) []ToolResultEntry {
	var results []ToolResultEntry
	for _, p := range msg.Parts {
		if p.Type != typ.PartToolResult || p.ToolResult == nil {
			continue
		}
		results = append(results, ToolResultEntry{
			Content:   []ToolResultContent{{Text: p.ToolResult.Content}},
			Status:    "success",
			ToolUseID: p.ToolResult.ToolUseID,
		})
	}
	return results
}

func extractToolUses(msg *typ.Message) []ToolUse {
	var uses []ToolUse
	for _, tc := range msg.ToolCalls {
		uses = append(uses, ToolUse{
			Name:      tc.Name,
			Input:     parseToolInput(tc.Arguments),
			ToolUseID: tc.ID,
		})
	}
	for _, p := range msg.Parts {
		if p.Type == typ.PartToolUse && p.ToolUse != nil {
			uses = append(uses, ToolUse{
				Name:      p.ToolUse.Name,
				Input:     parseToolInput(p.ToolUse.Arguments),
				ToolUseID: p.ToolUse.ID,
			})
		}
	}
	return uses
}

func parseToolInput(arguments string) map[string]any {
	if strings.TrimSpace(arguments) == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		logrus.Warnf("Tool call arguments are not a JSON object, sending empty input: %v", err)
		return map[string]any{}
	}
	if input == nil {
		return map[string]any{}
	}
	return input
}

func collectImages(msg *typ.Message) []Image {
	var images []Image
	for _, p := range msg.Parts {
		if p.Type == typ.PartImage && p.Image != nil {
			images = append(images, Image{
				Format: p.Image.Format,
				Source: ImageSource{Bytes: p.Image.Data},
			})
		}
	}
	return images
}

func buildMessageContext(tools []typ.Tool, current *typ.Message) *UserInputMessageContext {
	mctx := &UserInputMessageContext{}
	for _, tool := range tools {
		mctx.Tools = append(mctx.Tools, ToolEntry{ToolSpecification: ToolSpecification{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: InputSchema{JSON: NormalizeToolSchema(tool.InputSchema)},
		}})
	}
	if results := extractToolResults(current); len(results) > 0 {
		mctx.ToolResults = results
	}
	if len(mctx.Tools) == 0 && len(mctx.ToolResults) == 0 {
		return nil
	}
	return mctx
}

// relocateToolDocs moves tool descriptions longer than maxLen into a
// documentation block destined for the system prompt, leaving a short
// reference string on the tool itself. The upstream caps toolSpecification
// description length.
func relocateToolDocs(tools []typ.Tool, maxLen int) ([]typ.Tool, string) {
	if len(tools) == 0 || maxLen <= 0 {
		return tools, ""
	}
	var docs []string
	processed := make([]typ.Tool, len(tools))
	copy(processed, tools)
	for i, tool := range processed {
		if len(tool.Description) <= maxLen {
			continue
		}
		logrus.Debugf("Tool %q description is %d chars (limit %d), relocating to system prompt",
			tool.Name, len(tool.Description), maxLen)
		docs = append(docs, fmt.Sprintf(config.ToolDocEntryFmt, tool.Name, tool.Description))
		processed[i].Description = fmt.Sprintf(config.ToolDocReferenceFormat, tool.Name)
	}
	if len(docs) == 0 {
		return processed, ""
	}
	return processed, config.ToolDocHeader + strings.Join(docs, config.ToolDocSeparator)
}

func thinkingPrefix(cfg *typ.ThinkingConfig) string {
	if cfg == nil {
		return fmt.Sprintf(config.ThinkingEnabledFormat, config.DefaultThinkingBudget)
	}
	switch cfg.Type {
	case typ.ThinkingDisabled:
		return ""
	case typ.ThinkingAdaptive:
		effort := cfg.Effort
		if effort == "" {
			effort = "high"
		}
		return fmt.Sprintf(config.ThinkingAdaptiveFormat, effort)
	default:
		budget := cfg.BudgetTokens
		if budget <= 0 {
			budget = config.DefaultThinkingBudget
		}
		if budget > config.MaxThinkingBudget {
			budget = config.MaxThinkingBudget
		}
		return fmt.Sprintf(config.ThinkingEnabledFormat, budget)
	}
}

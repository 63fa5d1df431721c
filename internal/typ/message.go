package typ

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags a ContentPart variant.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
)

// ContentPart is one typed element of a structured message body. Exactly one
// of the variant fields is populated, selected by Type.
type ContentPart struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	Image      *ImagePart  `json:"image,omitempty"`
	ToolUse    *ToolCall   `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Thinking   string      `json:"thinking,omitempty"`
}

// ImagePart carries one inline image as base64 payload plus its format
// ("png", "jpeg", "gif", "webp").
type ImagePart struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// ToolCall is a model-issued invocation of a client tool. Arguments is the
// raw JSON string; it is parsed exactly once, when the block closes.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is a client-supplied answer to an earlier ToolCall.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

// Message is one turn of a normalized conversation. Plain-text turns use
// Content; structured turns use Parts. Assistant turns may carry ToolCalls.
type Message struct {
	Role      Role          `json:"role"`
	Content   string        `json:"content,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
}

// HasParts reports whether the message carries structured content.
func (m *Message) HasParts() bool { return len(m.Parts) > 0 }

// PlainText flattens the message body to text, joining text parts and
// skipping non-text parts.
func (m *Message) PlainText() string {
	if !m.HasParts() {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// Tool is a normalized tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolChoiceMode selects how the model may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

// ToolChoice is a normalized tool_choice. Name is set only for ToolChoiceTool.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// ThinkingType selects the reasoning mode requested by the client.
type ThinkingType string

const (
	ThinkingEnabled  ThinkingType = "enabled"
	ThinkingDisabled ThinkingType = "disabled"
	ThinkingAdaptive ThinkingType = "adaptive"
)

// ThinkingConfig is the normalized thinking configuration.
type ThinkingConfig struct {
	Type         ThinkingType `json:"type"`
	BudgetTokens int          `json:"budget_tokens,omitempty"`
	Effort       string       `json:"effort,omitempty"`
}

// ChatRequest is the wire-format-independent request shape every client
// request is converted into before it reaches the upstream payload builder.
type ChatRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        string          `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	MaxTokens     int64           `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
}

// ThinkingRequested reports whether a thinking hint should be generated for
// this request. An absent config counts as enabled: the upstream defaults to
// reasoning-capable behavior and clients that want it off say so explicitly.
func (r *ChatRequest) ThinkingRequested() bool {
	if r.Thinking == nil {
		return true
	}
	return r.Thinking.Type != ThinkingDisabled
}

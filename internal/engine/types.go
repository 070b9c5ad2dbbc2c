package engine

import (
	"context"
	"fmt"
)

// MessageRole represents the role of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Attachment is an image or file carried by a neutral message.
type Attachment struct {
	Type    string // "image" | "file"
	Content string // base64 (images) or formatted text (files)
	Name    string
}

// ChatMessage is the provider-agnostic message we pass around.
type ChatMessage struct {
	Role       MessageRole
	Content    string
	ToolCallID string // set when this message is a tool's result
	// ToolCalls stores the calls made by this assistant message. Providers
	// require them when converting the history back to wire format.
	ToolCalls   []ToolCall
	Attachments []Attachment
}

// Validate checks if the ChatMessage is valid.
func (m ChatMessage) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %s", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool messages must carry a tool call id")
	}
	return nil
}

// ToolCall represents a function/tool the assistant requested.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
	// Error is set when the call arrived malformed (truncated fragment
	// stream, unparseable manual payload). Such calls are reported back to
	// the model instead of dispatched.
	Error string
}

// Stream event types emitted by provider adapters.
const (
	StreamContentDelta  = "content_delta"
	StreamThinkingDelta = "thinking_delta"
	StreamToolCallDelta = "tool_call_delta"
	StreamFinish        = "finish"
)

// Finish reasons.
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishOther         = "other"
)

// StreamEvent is one normalized chunk from a provider stream.
type StreamEvent struct {
	Type string

	// content_delta / thinking_delta
	Text string

	// tool_call_delta: fragment of a native call, keyed by stream index
	Index        int
	ID           string
	Name         string
	ArgsFragment string

	// finish
	FinishReason string
	// ToolCalls carries the fully reassembled call set when FinishReason is
	// tool_calls.
	ToolCalls []ToolCall
}

// ChatOptions are the generation knobs forwarded to providers.
type ChatOptions struct {
	Temperature     *float32
	TopP            *float32
	MaxOutputTokens int
}

// ToolSchema is the JSON schema the provider expects for function calling.
type ToolSchema struct {
	Name        string
	Description string
	JSONSchema  string // raw JSON string
}

// LLMClient abstracts one provider's streaming chat endpoint.
//
// The event channel closes when the stream ends. The error channel receives
// nil on clean completion or a single error, then closes.
type LLMClient interface {
	Stream(ctx context.Context, model string, messages []ChatMessage, toolSchemas []ToolSchema, opts ChatOptions) (<-chan StreamEvent, <-chan error)
}

type chatIDKey struct{}

// WithChatID tags a context with the chat a generation belongs to so tool
// handlers can scope their work to it.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatIDFrom returns the chat id attached by WithChatID.
func ChatIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(chatIDKey{}).(string)
	return id, ok
}

// ResolvedModel is a model table entry after resolution.
type ResolvedModel struct {
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	Identifier     string `json:"model_identifier"`
	SupportsImages bool   `json:"supports_images"`
}

package store

import "encoding/json"

// Message roles as persisted. Assistant segments are stored as "llm" and
// mapped to the provider role at context-build time.
const (
	RoleUser   = "user"
	RoleLLM    = "llm"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// FunctionCall is the wire form of a requested function invocation.
// Arguments is a JSON object serialized as a string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallRecord is one entry of an assistant message's tool_calls payload.
type ToolCallRecord struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Attachment is an image or file bound to a message.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	MessageID    string `json:"message_id,omitempty"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	Name         string `json:"name,omitempty"`
}

// Message is one node of a chat's tree.
type Message struct {
	MessageID        string           `json:"message_id"`
	ChatID           string           `json:"chat_id"`
	Role             string           `json:"role"`
	Body             string           `json:"message"`
	ModelName        string           `json:"model_name,omitempty"`
	Timestamp        int64            `json:"timestamp"`
	ParentID         string           `json:"parent_message_id,omitempty"`
	ActiveChildIndex int              `json:"active_child_index"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCallRecord `json:"tool_calls,omitempty"`
	Thinking         string           `json:"thinking_content,omitempty"`
	Attachments      []Attachment     `json:"attachments,omitempty"`
	ChildIDs         []string         `json:"child_message_ids"`
}

// Chat is the tree's owning entity.
type Chat struct {
	ChatID      string `json:"chat_id"`
	Created     int64  `json:"timestamp_created"`
	Updated     int64  `json:"timestamp_updated"`
	CharacterID string `json:"character_id,omitempty"`
}

// ChatSummary is a chat plus a short preview for list views.
type ChatSummary struct {
	Chat
	Preview string `json:"preview"`
}

// ModelBinding is a character's embedded model selection.
type ModelBinding struct {
	Name           string `json:"name,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Identifier     string `json:"model_identifier,omitempty"`
	SupportsImages bool   `json:"supports_images,omitempty"`
}

// Character is a named persona with a system prompt and optional model
// binding and chain-of-thought delimiters.
type Character struct {
	CharacterID string         `json:"character_id"`
	Name        string         `json:"character_name"`
	Sysprompt   string         `json:"sysprompt,omitempty"`
	Model       ModelBinding   `json:"model,omitempty"`
	CoTStartTag string         `json:"cot_start_tag,omitempty"`
	CoTEndTag   string         `json:"cot_end_tag,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

func marshalToolCalls(calls []ToolCallRecord) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalToolCalls(raw string) []ToolCallRecord {
	if raw == "" {
		return nil
	}
	var calls []ToolCallRecord
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil
	}
	return calls
}

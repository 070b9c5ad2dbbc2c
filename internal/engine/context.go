package engine

import (
	"encoding/json"

	"github.com/loomchat/loom/internal/fault"
	"github.com/loomchat/loom/internal/store"
)

// Placeholder body for tool results whose stored text is empty; providers
// reject empty tool messages.
const missingToolResult = "[Tool Execution Result Missing]"

// ContextOptions steer active-branch linearization.
type ContextOptions struct {
	SystemPrompt     string
	CoTStart         string
	CoTEnd           string
	PreserveThinking bool
}

// BuildContext walks the active branch of a chat's message tree and emits the
// provider-neutral sequence, stopping after the message with id stopAt.
// Messages must be in (timestamp, insertion) order, as ListMessages returns
// them; traversal is then a pure function of the stored tree.
func BuildContext(messages []store.Message, stopAt string, opts ContextOptions) ([]ChatMessage, error) {
	byID := make(map[string]*store.Message, len(messages))
	var root *store.Message
	for i := range messages {
		byID[messages[i].MessageID] = &messages[i]
		if messages[i].ParentID == "" && root == nil {
			root = &messages[i]
		}
	}
	if root == nil {
		return nil, fault.New(fault.KindBadRequest, "chat has no root message")
	}

	var history []ChatMessage
	if opts.SystemPrompt != "" {
		history = append(history, ChatMessage{Role: RoleSystem, Content: opts.SystemPrompt})
	}

	node := root
	reached := false
	for node != nil {
		if entry, ok := neutralEntry(node, opts); ok {
			history = append(history, entry)
		}
		if node.MessageID == stopAt {
			reached = true
			break
		}
		if len(node.ChildIDs) == 0 {
			break
		}
		idx := node.ActiveChildIndex
		if idx < 0 {
			idx = 0
		}
		if idx >= len(node.ChildIDs) {
			idx = len(node.ChildIDs) - 1
		}
		node = byID[node.ChildIDs[idx]]
	}
	if !reached {
		return nil, fault.New(fault.KindBadRequest, "message %s is not on the active branch", stopAt)
	}
	return history, nil
}

func neutralEntry(m *store.Message, opts ContextOptions) (ChatMessage, bool) {
	entry := ChatMessage{Content: m.Body}

	switch m.Role {
	case store.RoleLLM:
		entry.Role = RoleAssistant
		if m.Thinking != "" && opts.PreserveThinking {
			start, end := opts.CoTStart, opts.CoTEnd
			if start == "" {
				start = DefaultCoTStart
			}
			if end == "" {
				end = DefaultCoTEnd
			}
			entry.Content = start + m.Thinking + end + entry.Content
		}
		entry.ToolCalls = decodeToolCalls(m.ToolCalls)
	case store.RoleTool:
		entry.Role = RoleTool
		entry.ToolCallID = m.ToolCallID
		if entry.Content == "" {
			entry.Content = missingToolResult
		}
	case store.RoleSystem:
		entry.Role = RoleSystem
	default:
		entry.Role = RoleUser
	}

	for _, a := range m.Attachments {
		entry.Attachments = append(entry.Attachments, Attachment{
			Type:    a.Type,
			Content: a.Content,
			Name:    a.Name,
		})
	}

	if entry.Content == "" && len(entry.Attachments) == 0 && len(entry.ToolCalls) == 0 {
		return ChatMessage{}, false
	}
	return entry, true
}

func decodeToolCalls(records []store.ToolCallRecord) []ToolCall {
	var calls []ToolCall
	for _, r := range records {
		call := ToolCall{ID: r.ID, Name: r.Function.Name}
		if r.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(r.Function.Arguments), &call.Args)
		}
		calls = append(calls, call)
	}
	return calls
}

package providers

import (
	"testing"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/loomchat/loom/internal/engine"
)

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []engine.ChatMessage{
		{Role: engine.RoleSystem, Content: "be brief"},
		{Role: engine.RoleUser, Content: "add 7 and 5"},
		{Role: engine.RoleAssistant, Content: "", ToolCalls: []engine.ToolCall{
			{ID: "toolu_1", Name: "add", Args: map[string]any{"a": 7.0, "b": 5.0}},
		}},
		{Role: engine.RoleTool, ToolCallID: "toolu_1", Content: "The sum of 7.0 and 5.0 is 12.0."},
	}

	system, out, err := convertAnthropicMessages(messages, false)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}

	// System prompt is hoisted out of the message list.
	if len(system) != 1 || system[0].Text != "be brief" {
		t.Errorf("system parts = %+v", system)
	}
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}

	assistant := out[1]
	if assistant.Role != anthropic.RoleAssistant {
		t.Errorf("role = %s", assistant.Role)
	}
	foundToolUse := false
	for _, block := range assistant.Content {
		if block.Type == anthropic.MessagesContentTypeToolUse {
			foundToolUse = true
		}
	}
	if !foundToolUse {
		t.Error("assistant message lost its tool_use block")
	}

	// Tool results ride in a user message.
	result := out[2]
	if result.Role != anthropic.RoleUser {
		t.Errorf("tool result role = %s, want user", result.Role)
	}
	if len(result.Content) != 1 || result.Content[0].Type != anthropic.MessagesContentTypeToolResult {
		t.Errorf("tool result content = %+v", result.Content)
	}
}

func TestConvertAnthropicMessagesImages(t *testing.T) {
	messages := []engine.ChatMessage{
		{Role: engine.RoleUser, Content: "what is this", Attachments: []engine.Attachment{
			{Type: "image", Content: "aW1n", Name: "x.png"},
		}},
	}

	_, withImages, err := convertAnthropicMessages(messages, true)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if len(withImages[0].Content) != 2 {
		t.Fatalf("got %d blocks, want text + image", len(withImages[0].Content))
	}
	if withImages[0].Content[1].Type != anthropic.MessagesContentTypeImage {
		t.Errorf("second block = %+v", withImages[0].Content[1])
	}

	_, withoutImages, err := convertAnthropicMessages(messages, false)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if len(withoutImages[0].Content) != 1 {
		t.Errorf("image block must be dropped without image support: %+v", withoutImages[0].Content)
	}
}

func TestConvertAnthropicMessagesEmptyContent(t *testing.T) {
	_, out, err := convertAnthropicMessages([]engine.ChatMessage{
		{Role: engine.RoleUser, Content: ""},
		{Role: engine.RoleAssistant, Content: ""},
	}, false)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	for i, msg := range out {
		if len(msg.Content) == 0 {
			t.Errorf("message %d has no content blocks", i)
		}
	}
}

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/loomchat/loom/internal/engine"
)

// AnthropicClient streams messages from the Anthropic API. The SDK drives
// callbacks while CreateMessagesStream blocks, so the callbacks forward onto
// the event channel directly.
type AnthropicClient struct {
	client         *anthropic.Client
	supportsImages bool
	logger         *slog.Logger
}

func NewAnthropicClient(apiKey string, supportsImages bool, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		client:         anthropic.NewClient(apiKey),
		supportsImages: supportsImages,
		logger:         logger,
	}
}

// Stream implements engine.LLMClient.
func (c *AnthropicClient) Stream(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		systemParts, anthropicMsgs, err := convertAnthropicMessages(messages, c.supportsImages)
		if err != nil {
			errCh <- err
			return
		}

		var toolDefs []anthropic.ToolDefinition
		for _, ts := range toolSchemas {
			var schemaObj map[string]any
			if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
				errCh <- fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
				return
			}
			toolDefs = append(toolDefs, anthropic.ToolDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				InputSchema: schemaObj,
			})
		}

		maxTokens := 4096
		if opts.MaxOutputTokens > 0 {
			maxTokens = opts.MaxOutputTokens
		}

		req := anthropic.MessagesStreamRequest{
			MessagesRequest: anthropic.MessagesRequest{
				Model:       anthropic.Model(model),
				Messages:    anthropicMsgs,
				MaxTokens:   maxTokens,
				Temperature: opts.Temperature,
				TopP:        opts.TopP,
			},
		}
		if len(systemParts) > 0 {
			req.MultiSystem = systemParts
		}
		if len(toolDefs) > 0 {
			req.Tools = toolDefs
		}

		send := func(ev engine.StreamEvent) {
			select {
			case eventCh <- ev:
			case <-ctx.Done():
			}
		}

		var toolCalls []engine.ToolCall
		var streamErr error

		req.OnError = func(errResp anthropic.ErrorResponse) {
			if errResp.Error != nil && streamErr == nil {
				streamErr = fmt.Errorf("anthropic stream error: %s", errResp.Error.Message)
			}
		}

		req.OnContentBlockStart = func(data anthropic.MessagesEventContentBlockStartData) {
			if data.ContentBlock.Type == anthropic.MessagesContentTypeToolUse && data.ContentBlock.MessageContentToolUse != nil {
				tu := data.ContentBlock.MessageContentToolUse
				send(engine.StreamEvent{
					Type:  engine.StreamToolCallDelta,
					Index: data.Index,
					ID:    tu.ID,
					Name:  tu.Name,
				})
			}
		}

		req.OnContentBlockDelta = func(data anthropic.MessagesEventContentBlockDeltaData) {
			switch {
			case data.Delta.Text != nil && *data.Delta.Text != "":
				send(engine.StreamEvent{Type: engine.StreamContentDelta, Text: *data.Delta.Text})
			case data.Delta.Thinking != "":
				send(engine.StreamEvent{Type: engine.StreamThinkingDelta, Text: data.Delta.Thinking})
			case data.Delta.PartialJson != nil && *data.Delta.PartialJson != "":
				send(engine.StreamEvent{
					Type:         engine.StreamToolCallDelta,
					Index:        data.Index,
					ArgsFragment: *data.Delta.PartialJson,
				})
			}
		}

		// The SDK reassembles tool_use input across deltas and hands the
		// completed block to OnContentBlockStop.
		req.OnContentBlockStop = func(_ anthropic.MessagesEventContentBlockStopData, content anthropic.MessageContent) {
			if content.Type != anthropic.MessagesContentTypeToolUse || content.MessageContentToolUse == nil {
				return
			}
			tu := content.MessageContentToolUse
			call := engine.ToolCall{ID: tu.ID, Name: tu.Name, Args: map[string]any{}}
			if len(tu.Input) > 0 {
				var args map[string]any
				if err := json.Unmarshal(tu.Input, &args); err != nil {
					call.Error = fmt.Sprintf("tool call arguments are not valid JSON: %v", err)
				} else {
					call.Args = args
				}
			}
			toolCalls = append(toolCalls, call)
		}

		resp, err := c.client.CreateMessagesStream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			errCh <- fmt.Errorf("failed to stream anthropic messages: %w", err)
			return
		}
		if streamErr != nil {
			errCh <- streamErr
			return
		}

		finish := engine.StreamEvent{Type: engine.StreamFinish}
		switch resp.StopReason {
		case anthropic.MessagesStopReasonToolUse:
			finish.FinishReason = engine.FinishToolCalls
			finish.ToolCalls = toolCalls
		case anthropic.MessagesStopReasonMaxTokens:
			finish.FinishReason = engine.FinishLength
		case anthropic.MessagesStopReasonEndTurn, anthropic.MessagesStopReasonStopSequence:
			finish.FinishReason = engine.FinishStop
		default:
			finish.FinishReason = engine.FinishOther
		}
		send(finish)
		errCh <- nil
	}()

	return eventCh, errCh
}

// convertAnthropicMessages maps the neutral history to Anthropic content
// blocks. Tool results ride in user messages; system entries are hoisted into
// the request's system parts.
func convertAnthropicMessages(messages []engine.ChatMessage, supportsImages bool) ([]anthropic.MessageSystemPart, []anthropic.Message, error) {
	var systemParts []anthropic.MessageSystemPart
	var out []anthropic.Message

	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			return nil, nil, err
		}
		switch msg.Role {
		case engine.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Content,
			})
		case engine.RoleUser:
			text := msg.Content
			for _, att := range msg.Attachments {
				if att.Type == "file" {
					text += fmt.Sprintf("\n--- Attached File: %s ---\n%s\n--- End File ---", att.Name, att.Content)
				}
			}
			var content []anthropic.MessageContent
			if text != "" {
				content = append(content, anthropic.NewTextMessageContent(text))
			}
			if supportsImages {
				for _, att := range msg.Attachments {
					if att.Type == "image" {
						content = append(content, anthropic.NewImageMessageContent(
							anthropic.NewMessageContentSource(
								anthropic.MessagesContentSourceTypeBase64,
								"image/png",
								att.Content,
							),
						))
					}
				}
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextMessageContent(" "))
			}
			out = append(out, anthropic.Message{Role: anthropic.RoleUser, Content: content})
		case engine.RoleAssistant:
			var content []anthropic.MessageContent
			if msg.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Name, json.RawMessage(argsJSON)))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextMessageContent(" "))
			}
			out = append(out, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
		case engine.RoleTool:
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewToolResultMessageContent(msg.ToolCallID, content, false)},
			})
		}
	}
	return systemParts, out, nil
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/loomchat/loom/internal/engine"
)

// OpenAIClient streams chat completions from any OpenAI-compatible endpoint.
// Both the hosted openrouter provider and local runtimes use it; they differ
// only in base URL and whether a key is required.
type OpenAIClient struct {
	client         *openai.Client
	supportsImages bool
	logger         *slog.Logger
}

func NewOpenAIClient(apiKey, baseURL string, supportsImages bool, logger *slog.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		supportsImages: supportsImages,
		logger:         logger,
	}
}

// Stream implements engine.LLMClient.
func (c *OpenAIClient) Stream(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		oaiMsgs, err := convertOpenAIMessages(messages, c.supportsImages)
		if err != nil {
			errCh <- err
			return
		}
		tools, err := convertOpenAITools(toolSchemas)
		if err != nil {
			errCh <- err
			return
		}

		req := openai.ChatCompletionRequest{
			Model:    model,
			Messages: oaiMsgs,
			Stream:   true,
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true,
			},
		}
		if len(tools) > 0 {
			req.Tools = tools
			req.ToolChoice = "auto"
		}
		if opts.MaxOutputTokens > 0 {
			req.MaxTokens = opts.MaxOutputTokens
		}
		req.Temperature = opts.Temperature
		if opts.TopP != nil {
			req.TopP = *opts.TopP
		}

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errCh <- fmt.Errorf("failed to open completion stream: %w", err)
			return
		}
		defer stream.Close()

		send := func(ev engine.StreamEvent) bool {
			select {
			case eventCh <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := newToolCallAccumulator()
		sawFinish := false

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					// An abrupt close without a terminator counts as a clean
					// finish; the short read may hide provider-side truncation.
					if !sawFinish {
						c.logger.Debug("completion stream closed without finish_reason", "model", model)
					}
					errCh <- nil
					return
				}
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				errCh <- fmt.Errorf("failed to read completion stream: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.ReasoningContent != "" {
				if !send(engine.StreamEvent{Type: engine.StreamThinkingDelta, Text: delta.ReasoningContent}) {
					errCh <- ctx.Err()
					return
				}
			}
			if delta.Content != "" {
				if !send(engine.StreamEvent{Type: engine.StreamContentDelta, Text: delta.Content}) {
					errCh <- ctx.Err()
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc.feed(idx, tc.ID, tc.Function.Name, tc.Function.Arguments)
				ev := engine.StreamEvent{
					Type:         engine.StreamToolCallDelta,
					Index:        idx,
					ID:           tc.ID,
					Name:         tc.Function.Name,
					ArgsFragment: tc.Function.Arguments,
				}
				if !send(ev) {
					errCh <- ctx.Err()
					return
				}
			}

			if choice.FinishReason != "" {
				sawFinish = true
				reason := normalizeFinishReason(string(choice.FinishReason))
				ev := engine.StreamEvent{Type: engine.StreamFinish, FinishReason: reason}
				if reason == engine.FinishToolCalls {
					ev.ToolCalls = acc.assemble()
				}
				if !send(ev) {
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	return eventCh, errCh
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return engine.FinishStop
	case "tool_calls", "function_call":
		return engine.FinishToolCalls
	case "length":
		return engine.FinishLength
	case "content_filter":
		return engine.FinishContentFilter
	default:
		return engine.FinishOther
	}
}

// toolCallAccumulator reassembles native tool calls from per-index fragments.
// The id and name usually arrive only in the first fragment for an index.
type toolCallAccumulator struct {
	byIndex map[int]*partialCall
}

type partialCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) feed(index int, id, name, fragment string) {
	pc, ok := a.byIndex[index]
	if !ok {
		pc = &partialCall{index: index}
		a.byIndex[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(fragment)
}

// assemble returns the reassembled calls in stream order. Calls whose
// argument JSON did not parse carry an Error instead of Args so the pipeline
// reports them back to the model.
func (a *toolCallAccumulator) assemble() []engine.ToolCall {
	partials := make([]*partialCall, 0, len(a.byIndex))
	for _, pc := range a.byIndex {
		if pc.name == "" {
			continue
		}
		partials = append(partials, pc)
	}
	sort.Slice(partials, func(i, j int) bool { return partials[i].index < partials[j].index })

	calls := make([]engine.ToolCall, 0, len(partials))
	for _, pc := range partials {
		call := engine.ToolCall{ID: pc.id, Name: pc.name, Args: map[string]any{}}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", pc.index)
		}
		raw := pc.args.String()
		if raw != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				call.Error = fmt.Sprintf("tool call arguments are not valid JSON: %v", err)
			} else {
				call.Args = args
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// convertOpenAIMessages maps the neutral history to wire messages. Image
// attachments become multi-part content when the model supports them; file
// attachments are folded into the text between delimiters either way.
func convertOpenAIMessages(messages []engine.ChatMessage, supportsImages bool) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		switch msg.Role {
		case engine.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case engine.RoleUser:
			out = append(out, buildUserMessage(msg, supportsImages))
		case engine.RoleAssistant:
			// Empty content serializes as null and is rejected upstream.
			content := msg.Content
			if content == "" {
				content = " "
			}
			var toolCalls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			})
		case engine.RoleTool:
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    content,
			})
		}
	}
	return out, nil
}

func buildUserMessage(msg engine.ChatMessage, supportsImages bool) openai.ChatCompletionMessage {
	text := msg.Content
	for _, att := range msg.Attachments {
		if att.Type == "file" {
			text += fmt.Sprintf("\n--- Attached File: %s ---\n%s\n--- End File ---", att.Name, att.Content)
		}
	}

	var images []engine.Attachment
	if supportsImages {
		for _, att := range msg.Attachments {
			if att.Type == "image" {
				images = append(images, att)
			}
		}
	}
	if len(images) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		})
	}
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: "data:image/png;base64," + img.Content,
			},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func convertOpenAITools(schemas []engine.ToolSchema) ([]openai.Tool, error) {
	var tools []openai.Tool
	for _, ts := range schemas {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				Parameters:  schemaObj,
			},
		})
	}
	return tools, nil
}

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/loomchat/loom/internal/engine"
)

// GoogleClient streams from the generativelanguage API. The wire format is a
// single JSON array whose elements arrive incrementally, so the response is
// parsed one value at a time instead of line-by-line.
type GoogleClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewGoogleClient(apiKey, baseURL string, logger *slog.Logger) *GoogleClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inlineData,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type googleChunk struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// Stream implements engine.LLMClient. Native function calling is not wired
// for this shape; tool use rides on manual markup in the prompt.
func (c *GoogleClient) Stream(ctx context.Context, model string, messages []engine.ChatMessage, _ []engine.ToolSchema, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		reqBody, err := buildGoogleRequest(messages, opts)
		if err != nil {
			errCh <- err
			return
		}
		payload, err := json.Marshal(reqBody)
		if err != nil {
			errCh <- fmt.Errorf("failed to encode request: %w", err)
			return
		}

		endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s",
			c.baseURL, url.PathEscape(model), url.QueryEscape(c.apiKey))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			errCh <- fmt.Errorf("failed to build request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			errCh <- fmt.Errorf("failed to reach google endpoint: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			errCh <- fmt.Errorf("google endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
			return
		}

		send := func(ev engine.StreamEvent) bool {
			select {
			case eventCh <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// The body is `[ {chunk}, {chunk}, … ]`. Decode the opening bracket,
		// then one object per More() iteration; the decoder skips the commas.
		dec := json.NewDecoder(resp.Body)
		if _, err := dec.Token(); err != nil {
			if err == io.EOF {
				c.logger.Debug("google stream closed before array start", "model", model)
				errCh <- nil
				return
			}
			errCh <- fmt.Errorf("failed to parse stream opening: %w", err)
			return
		}

		finishReason := ""
		for dec.More() {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			var chunk googleChunk
			if err := dec.Decode(&chunk); err != nil {
				errCh <- fmt.Errorf("failed to parse stream chunk: %w", err)
				return
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			cand := chunk.Candidates[0]
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				if !send(engine.StreamEvent{Type: engine.StreamContentDelta, Text: part.Text}) {
					errCh <- ctx.Err()
					return
				}
			}
			if cand.FinishReason != "" {
				finishReason = cand.FinishReason
			}
		}
		if _, err := dec.Token(); err != nil && err != io.EOF {
			c.logger.Debug("google stream ended without closing bracket", "model", model, "error", err)
		}

		reason := engine.FinishStop
		switch finishReason {
		case "", "STOP":
			reason = engine.FinishStop
		case "MAX_TOKENS":
			reason = engine.FinishLength
		case "SAFETY", "PROHIBITED_CONTENT":
			reason = engine.FinishContentFilter
		default:
			reason = engine.FinishOther
		}
		send(engine.StreamEvent{Type: engine.StreamFinish, FinishReason: reason})
		errCh <- nil
	}()

	return eventCh, errCh
}

// buildGoogleRequest maps the neutral history: assistant becomes "model",
// tool results become "function" entries, and the system prompt is hoisted
// out of the message list.
func buildGoogleRequest(messages []engine.ChatMessage, opts engine.ChatOptions) (*googleRequest, error) {
	req := &googleRequest{}

	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		switch msg.Role {
		case engine.RoleSystem:
			req.SystemInstruction = &googleContent{
				Parts: []googlePart{{Text: msg.Content}},
			}
		case engine.RoleUser:
			text := msg.Content
			for _, att := range msg.Attachments {
				if att.Type == "file" {
					text += fmt.Sprintf("\n--- Attached File: %s ---\n%s\n--- End File ---", att.Name, att.Content)
				}
			}
			var parts []googlePart
			if text != "" {
				parts = append(parts, googlePart{Text: text})
			}
			for _, att := range msg.Attachments {
				if att.Type == "image" {
					parts = append(parts, googlePart{InlineData: &googleInlineData{
						MimeType: "image/png",
						Data:     att.Content,
					}})
				}
			}
			// The API rejects user/model entries with no parts.
			if len(parts) == 0 {
				parts = []googlePart{{Text: " "}}
			}
			req.Contents = append(req.Contents, googleContent{Role: "user", Parts: parts})
		case engine.RoleAssistant:
			text := msg.Content
			if text == "" {
				text = " "
			}
			req.Contents = append(req.Contents, googleContent{
				Role:  "model",
				Parts: []googlePart{{Text: text}},
			})
		case engine.RoleTool:
			text := msg.Content
			if text == "" {
				text = "{}"
			}
			req.Contents = append(req.Contents, googleContent{
				Role:  "function",
				Parts: []googlePart{{Text: text}},
			})
		}
	}

	if opts.Temperature != nil || opts.TopP != nil || opts.MaxOutputTokens > 0 {
		req.GenerationConfig = &googleGenerationConfig{
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			MaxOutputTokens: opts.MaxOutputTokens,
		}
	}
	return req, nil
}

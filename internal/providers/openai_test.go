package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomchat/loom/internal/engine"
)

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []engine.ChatMessage{
		{Role: engine.RoleSystem, Content: "be brief"},
		{Role: engine.RoleUser, Content: "add 7 and 5"},
		{Role: engine.RoleAssistant, Content: "", ToolCalls: []engine.ToolCall{
			{ID: "call_1", Name: "add", Args: map[string]any{"a": 7.0, "b": 5.0}},
		}},
		{Role: engine.RoleTool, ToolCallID: "call_1", Content: "The sum of 7.0 and 5.0 is 12.0."},
	}

	out, err := convertOpenAIMessages(messages, false)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Role != "system" || out[1].Role != "user" {
		t.Errorf("roles = %s/%s", out[0].Role, out[1].Role)
	}
	// Empty assistant content must not serialize as null.
	if out[2].Content != " " {
		t.Errorf("assistant content = %q, want single space", out[2].Content)
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "add" {
		t.Errorf("tool calls = %+v", out[2].ToolCalls)
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", out[3])
	}
}

func TestConvertOpenAIMessagesAttachments(t *testing.T) {
	msg := engine.ChatMessage{
		Role:    engine.RoleUser,
		Content: "look at this",
		Attachments: []engine.Attachment{
			{Type: "image", Content: "aW1hZ2ViYXNlNjQ=", Name: "shot.png"},
			{Type: "file", Content: "package main", Name: "main.go"},
		},
	}

	withImages := buildUserMessage(msg, true)
	if len(withImages.MultiContent) != 2 {
		t.Fatalf("got %d parts, want text + image", len(withImages.MultiContent))
	}
	text := withImages.MultiContent[0].Text
	if !strings.Contains(text, "--- Attached File: main.go ---") || !strings.Contains(text, "--- End File ---") {
		t.Errorf("file delimiters missing in %q", text)
	}
	if !strings.HasPrefix(withImages.MultiContent[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image url = %q", withImages.MultiContent[1].ImageURL.URL)
	}

	// Without image support the message degrades to plain text; the file
	// attachment still rides along.
	plain := buildUserMessage(msg, false)
	if len(plain.MultiContent) != 0 {
		t.Error("expected no multi-content without image support")
	}
	if !strings.Contains(plain.Content, "--- Attached File: main.go ---") {
		t.Errorf("content = %q", plain.Content)
	}
}

func TestToolCallAccumulator(t *testing.T) {
	acc := newToolCallAccumulator()
	// The id and name arrive only in the first fragment per index.
	acc.feed(0, "call_a", "add", `{"a":`)
	acc.feed(1, "call_b", "web_search", `{"query":`)
	acc.feed(0, "", "", `7,"b":5}`)
	acc.feed(1, "", "", `"go"}`)

	calls := acc.assemble()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "add" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[0].Args["a"] != 7.0 || calls[0].Args["b"] != 5.0 {
		t.Errorf("first args = %v", calls[0].Args)
	}
	if calls[1].Args["query"] != "go" {
		t.Errorf("second args = %v", calls[1].Args)
	}
}

func TestToolCallAccumulatorTruncatedArgs(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.feed(0, "call_a", "add", `{"a":7,`)

	calls := acc.assemble()
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Error == "" {
		t.Error("truncated JSON must set the call error")
	}
}

func TestToolCallAccumulatorSkipsNameless(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.feed(0, "call_a", "", `{}`)
	if calls := acc.assemble(); len(calls) != 0 {
		t.Errorf("nameless fragments must be dropped, got %v", calls)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := map[string]string{
		"stop":           engine.FinishStop,
		"tool_calls":     engine.FinishToolCalls,
		"function_call":  engine.FinishToolCalls,
		"length":         engine.FinishLength,
		"content_filter": engine.FinishContentFilter,
		"weird":          engine.FinishOther,
	}
	for in, want := range tests {
		if got := normalizeFinishReason(in); got != want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

// sseHandler writes pre-baked SSE lines in the completion wire format.
func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

func drainStream(t *testing.T, evCh <-chan engine.StreamEvent, errCh <-chan error) ([]engine.StreamEvent, error) {
	t.Helper()
	var events []engine.StreamEvent
	var streamErr error
	for evCh != nil || errCh != nil {
		select {
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			events = append(events, ev)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
	}
	return events, streamErr
}

func TestOpenAIClientStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"let me think"}}]}`,
		`{"choices":[{"delta":{"content":"The answer "}}]}`,
		`{"choices":[{"delta":{"content":"is 12."}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	client := NewOpenAIClient("test-key", srv.URL, false, nil)
	evCh, errCh := client.Stream(context.Background(), "test-model", []engine.ChatMessage{
		{Role: engine.RoleUser, Content: "add 7 and 5"},
	}, nil, engine.ChatOptions{})

	events, err := drainStream(t, evCh, errCh)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var content, thinking strings.Builder
	finish := ""
	for _, ev := range events {
		switch ev.Type {
		case engine.StreamContentDelta:
			content.WriteString(ev.Text)
		case engine.StreamThinkingDelta:
			thinking.WriteString(ev.Text)
		case engine.StreamFinish:
			finish = ev.FinishReason
		}
	}
	if content.String() != "The answer is 12." {
		t.Errorf("content = %q", content.String())
	}
	if thinking.String() != "let me think" {
		t.Errorf("thinking = %q", thinking.String())
	}
	if finish != engine.FinishStop {
		t.Errorf("finish = %q", finish)
	}
}

func TestOpenAIClientStreamNativeToolCalls(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"add","arguments":"{\"a\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"7,\"b\":5}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	client := NewOpenAIClient("test-key", srv.URL, false, nil)
	evCh, errCh := client.Stream(context.Background(), "test-model", []engine.ChatMessage{
		{Role: engine.RoleUser, Content: "add 7 and 5"},
	}, []engine.ToolSchema{{Name: "add", JSONSchema: `{"type":"object"}`}}, engine.ChatOptions{})

	events, err := drainStream(t, evCh, errCh)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var finish *engine.StreamEvent
	for i := range events {
		if events[i].Type == engine.StreamFinish {
			finish = &events[i]
		}
	}
	if finish == nil || finish.FinishReason != engine.FinishToolCalls {
		t.Fatalf("missing tool_calls finish, events %+v", events)
	}
	if len(finish.ToolCalls) != 1 {
		t.Fatalf("got %d reassembled calls", len(finish.ToolCalls))
	}
	call := finish.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "add" {
		t.Errorf("call = %+v", call)
	}
	if call.Args["a"] != 7.0 || call.Args["b"] != 5.0 {
		t.Errorf("args = %v", call.Args)
	}
}

func TestOpenAIClientStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenAIClient("test-key", srv.URL, false, nil)
	evCh, errCh := client.Stream(context.Background(), "test-model", []engine.ChatMessage{
		{Role: engine.RoleUser, Content: "hi"},
	}, nil, engine.ChatOptions{})

	_, err := drainStream(t, evCh, errCh)
	if err == nil {
		t.Fatal("expected an error from a 429 response")
	}
}

package engine

import (
	"strings"
	"testing"
)

func collectSplitter(t *testing.T, start, end string, deltas []string, thinkingDeltas map[int]string) (events []Event, content string, thinking string) {
	t.Helper()
	var out strings.Builder
	sink := func(e Event) { events = append(events, e) }
	sp := newCoTSplitter(start, end, sink, func(s string) { out.WriteString(s) })
	for i, d := range deltas {
		if td, ok := thinkingDeltas[i]; ok {
			sp.FeedThinking(td)
		}
		sp.FeedContent(d)
	}
	sp.Close()
	return events, out.String(), sp.Thinking()
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestSplitterInlineDelimiters(t *testing.T) {
	tests := []struct {
		name         string
		deltas       []string
		wantContent  string
		wantThinking string
		wantTypes    []string
	}{
		{
			name:         "single delta with complete block",
			deltas:       []string{"<think>plan</think>answer"},
			wantContent:  "answer",
			wantThinking: "plan",
			wantTypes:    []string{EventThinkingStart, EventThinkingChunk, EventThinkingEnd},
		},
		{
			name:         "tag split across deltas",
			deltas:       []string{"<thi", "nk>deep ", "thought</th", "ink> final"},
			wantContent:  " final",
			wantThinking: "deep thought",
			wantTypes:    []string{EventThinkingStart, EventThinkingChunk, EventThinkingChunk, EventThinkingEnd},
		},
		{
			name:         "content before block",
			deltas:       []string{"pre <think>x</think>post"},
			wantContent:  "pre post",
			wantThinking: "x",
		},
		{
			name:         "unclosed block ends at stream end",
			deltas:       []string{"<think>never closed"},
			wantContent:  "",
			wantThinking: "never closed",
			wantTypes:    []string{EventThinkingStart, EventThinkingChunk, EventThinkingEnd},
		},
		{
			name:         "no delimiters",
			deltas:       []string{"plain ", "text"},
			wantContent:  "plain text",
			wantThinking: "",
		},
		{
			name:         "lone angle bracket is content",
			deltas:       []string{"a < b and ", "a <t", "hough it looked like a tag"},
			wantContent:  "a < b and a <though it looked like a tag",
			wantThinking: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, content, thinking := collectSplitter(t, "", "", tt.deltas, nil)
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
			if thinking != tt.wantThinking {
				t.Errorf("thinking = %q, want %q", thinking, tt.wantThinking)
			}
			if tt.wantTypes != nil {
				got := eventTypes(events)
				if strings.Join(got, ",") != strings.Join(tt.wantTypes, ",") {
					t.Errorf("events = %v, want %v", got, tt.wantTypes)
				}
			}
		})
	}
}

func TestSplitterCustomDelimiters(t *testing.T) {
	_, content, thinking := collectSplitter(t, "[[reason]]", "[[/reason]]",
		[]string{"[[reas", "on]]inner[[/reason]]outer"}, nil)
	if thinking != "inner" {
		t.Errorf("thinking = %q, want %q", thinking, "inner")
	}
	if content != "outer" {
		t.Errorf("content = %q, want %q", content, "outer")
	}
}

func TestSplitterNativeThinking(t *testing.T) {
	var events []Event
	var out strings.Builder
	sp := newCoTSplitter("", "", func(e Event) { events = append(events, e) }, func(s string) { out.WriteString(s) })

	sp.FeedThinking("step one ")
	sp.FeedThinking("step two")
	// Content arrival implicitly closes the native region.
	sp.FeedContent("the answer")
	sp.Close()

	if got := sp.Thinking(); got != "step one step two" {
		t.Errorf("thinking = %q", got)
	}
	if out.String() != "the answer" {
		t.Errorf("content = %q", out.String())
	}
	want := []string{EventThinkingStart, EventThinkingChunk, EventThinkingChunk, EventThinkingEnd}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSplitterNativeThinkingUnclosed(t *testing.T) {
	var events []Event
	sp := newCoTSplitter("", "", func(e Event) { events = append(events, e) }, func(string) {})
	sp.FeedThinking("only reasoning")
	sp.Close()

	got := eventTypes(events)
	want := []string{EventThinkingStart, EventThinkingChunk, EventThinkingEnd}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

package engine

// Client-facing event types delivered over SSE.
const (
	EventChunk         = "chunk"
	EventThinkingStart = "thinking_start"
	EventThinkingChunk = "thinking_chunk"
	EventThinkingEnd   = "thinking_end"
	EventToolCall      = "tool_call"
	EventToolStart     = "tool_start"
	EventToolResult    = "tool_result"
	EventToolEnd       = "tool_end"
	EventError         = "error"
	EventDone          = "done"
)

// Event is one frame of the generation stream as the client sees it.
type Event struct {
	Type      string         `json:"type"`
	Data      string         `json:"data,omitempty"`
	Name      string         `json:"name,omitempty"`
	ID        string         `json:"id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// EventSink receives pipeline events in order. It is called from the
// pipeline goroutine only.
type EventSink func(Event)

func chunkEvent(text string) Event {
	return Event{Type: EventChunk, Data: text}
}

func thinkingChunkEvent(text string) Event {
	return Event{Type: EventThinkingChunk, Data: text}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

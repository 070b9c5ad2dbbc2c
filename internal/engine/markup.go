package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Manual tool invocation markup, for models without native function calling:
//
//	<tool_call name="NAME" id="OPTIONAL">JSON_PAYLOAD</tool_call>
//
// The payload's arguments are payload.arguments, payload.input, or the
// payload object itself.
var toolCallTagRe = regexp.MustCompile(`(?s)<tool_call\s+name="([\w.\-]+)"(?:\s+id="([\w\-]+)")?\s*>(.*?)</tool_call>`)

const toolCallTagOpen = "<tool_call"

// ParseManualToolCalls harvests completed tool-call tags from text. It
// returns the prose before the first tag and the ordered calls. Text after
// the tags is discarded by the caller.
func ParseManualToolCalls(text string) (prefix string, calls []ToolCall, found bool) {
	matches := toolCallTagRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil, false
	}

	prefix = text[:matches[0][0]]
	for _, m := range matches {
		name := text[m[2]:m[3]]
		id := ""
		if m[4] >= 0 {
			id = text[m[4]:m[5]]
		}
		if id == "" {
			id = "manual_" + uuid.NewString()[:8]
		}
		payload := text[m[6]:m[7]]

		call := ToolCall{ID: id, Name: name}
		call.Args, call.Error = parseManualArgs(payload)
		calls = append(calls, call)
	}
	return prefix, calls, true
}

func parseManualArgs(payload string) (map[string]any, string) {
	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &value); err != nil {
		return nil, "invalid tool call payload: " + err.Error()
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, "tool call payload must be a JSON object"
	}
	if args, ok := obj["arguments"].(map[string]any); ok {
		return args, ""
	}
	if args, ok := obj["input"].(map[string]any); ok {
		return args, ""
	}
	return obj, ""
}

// markupScanner accumulates assistant content and withholds anything that may
// belong to a forming tool-call tag, so tag text never reaches the client as
// chunk events. When inactive it passes content straight through.
type markupScanner struct {
	active  bool
	emit    EventSink
	buf     strings.Builder
	emitted int
	calls   []ToolCall
	prose   string
	done    bool
}

func newMarkupScanner(active bool, emit EventSink) *markupScanner {
	return &markupScanner{active: active, emit: emit}
}

// Write consumes one piece of definite content. It returns true once a
// complete tag set has been harvested; the caller should stop the stream.
func (s *markupScanner) Write(text string) bool {
	if s.done {
		return true
	}
	s.buf.WriteString(text)
	full := s.buf.String()

	if !s.active {
		s.emitUpTo(len(full))
		return false
	}

	if prefix, calls, found := ParseManualToolCalls(full); found {
		s.prose = prefix
		s.calls = calls
		s.done = true
		s.emitUpTo(len(prefix))
		return true
	}

	// Hold back from the earliest point that could still become a tag.
	holdFrom := len(full)
	if idx := strings.Index(full[intMin(s.emitted, len(full)):], toolCallTagOpen); idx >= 0 {
		holdFrom = intMin(s.emitted, len(full)) + idx
	} else if p := partialTagSuffix(full, toolCallTagOpen); p > 0 {
		holdFrom = len(full) - p
	}
	s.emitUpTo(holdFrom)
	return false
}

// Flush emits any held text. Called at stream end when no tag completed;
// an unterminated open tag is treated as ordinary prose.
func (s *markupScanner) Flush() {
	if s.done {
		return
	}
	s.emitUpTo(s.buf.Len())
}

// Calls returns the harvested manual calls, if any.
func (s *markupScanner) Calls() []ToolCall {
	return s.calls
}

// Content returns the text that belongs to the assistant segment: the full
// accumulation, or the pre-tag prose once a tag was harvested.
func (s *markupScanner) Content() string {
	if s.done {
		return s.prose
	}
	return s.buf.String()
}

func (s *markupScanner) emitUpTo(end int) {
	if end <= s.emitted {
		return
	}
	text := s.buf.String()[s.emitted:end]
	s.emitted = end
	s.emit(chunkEvent(text))
}

func intMin(a, b int) int {
	if a < b {
		return a
	}
	return b
}

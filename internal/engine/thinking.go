package engine

import "strings"

// Default chain-of-thought delimiters, used when neither the request nor the
// character overrides them.
const (
	DefaultCoTStart = "<think>"
	DefaultCoTEnd   = "</think>"
)

// cotSplitter separates an assistant stream into thinking and content
// regions. It handles two pathways: inline delimiter tags arriving inside
// content deltas, and provider-native reasoning deltas. Delimiters may be
// split across chunk boundaries, so a partial-tag suffix is held back until
// the next delta resolves it.
type cotSplitter struct {
	startTag string
	endTag   string

	emit       EventSink
	contentOut func(string)

	pending    string
	inThinking bool // inside an inline delimiter block
	nativeOpen bool // inside a provider-native reasoning region

	thinking strings.Builder
}

func newCoTSplitter(startTag, endTag string, emit EventSink, contentOut func(string)) *cotSplitter {
	if startTag == "" {
		startTag = DefaultCoTStart
	}
	if endTag == "" {
		endTag = DefaultCoTEnd
	}
	return &cotSplitter{
		startTag:   startTag,
		endTag:     endTag,
		emit:       emit,
		contentOut: contentOut,
	}
}

// FeedContent consumes one content delta and routes its pieces.
func (c *cotSplitter) FeedContent(delta string) {
	if delta == "" {
		return
	}
	// Content arriving while a native reasoning region is open closes it.
	if c.nativeOpen {
		c.nativeOpen = false
		c.emit(Event{Type: EventThinkingEnd})
	}

	c.pending += delta
	for {
		if c.inThinking {
			if idx := strings.Index(c.pending, c.endTag); idx >= 0 {
				c.emitThinking(c.pending[:idx])
				c.pending = c.pending[idx+len(c.endTag):]
				c.inThinking = false
				c.emit(Event{Type: EventThinkingEnd})
				continue
			}
			hold := partialTagSuffix(c.pending, c.endTag)
			c.emitThinking(c.pending[:len(c.pending)-hold])
			c.pending = c.pending[len(c.pending)-hold:]
			return
		}

		if idx := strings.Index(c.pending, c.startTag); idx >= 0 {
			c.emitContent(c.pending[:idx])
			c.pending = c.pending[idx+len(c.startTag):]
			c.inThinking = true
			c.emit(Event{Type: EventThinkingStart})
			continue
		}
		hold := partialTagSuffix(c.pending, c.startTag)
		c.emitContent(c.pending[:len(c.pending)-hold])
		c.pending = c.pending[len(c.pending)-hold:]
		return
	}
}

// FeedThinking consumes a provider-native reasoning delta.
func (c *cotSplitter) FeedThinking(delta string) {
	if delta == "" {
		return
	}
	if !c.nativeOpen && !c.inThinking {
		c.nativeOpen = true
		c.emit(Event{Type: EventThinkingStart})
	}
	c.emitThinking(delta)
}

// Close flushes held text into the current region and closes any open
// thinking block. An unterminated inline block still ends cleanly.
func (c *cotSplitter) Close() {
	if c.pending != "" {
		if c.inThinking {
			c.emitThinking(c.pending)
		} else {
			c.emitContent(c.pending)
		}
		c.pending = ""
	}
	if c.inThinking || c.nativeOpen {
		c.inThinking = false
		c.nativeOpen = false
		c.emit(Event{Type: EventThinkingEnd})
	}
}

// Thinking returns the accumulated reasoning text.
func (c *cotSplitter) Thinking() string {
	return c.thinking.String()
}

func (c *cotSplitter) emitThinking(text string) {
	if text == "" {
		return
	}
	c.thinking.WriteString(text)
	c.emit(thinkingChunkEvent(text))
}

func (c *cotSplitter) emitContent(text string) {
	if text == "" {
		return
	}
	c.contentOut(text)
}

// partialTagSuffix returns the length of the longest proper prefix of tag
// that is a suffix of s.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, tag[:l]) {
			return l
		}
	}
	return 0
}

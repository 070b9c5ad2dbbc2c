package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"

	"github.com/loomchat/loom/internal/fault"
	"github.com/loomchat/loom/internal/store"
)

// MessageStore is the slice of the store the pipeline needs.
type MessageStore interface {
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	GetCharacter(ctx context.Context, characterID string) (*store.Character, error)
	ListMessages(ctx context.Context, chatID string) ([]store.Message, error)
	CreateMessage(ctx context.Context, m store.NewMessage) (string, error)
}

// ProviderResolver turns a model name (plus an optional character binding)
// into a streaming client.
type ProviderResolver interface {
	Resolve(ctx context.Context, modelName string, binding *store.ModelBinding, resolveLocal bool) (LLMClient, ResolvedModel, error)
}

// ToolRunner executes registered tools. Execute returns a tool_error for
// unknown names or names outside the enabled subset (nil = all enabled).
type ToolRunner interface {
	Schemas(enabled []string) []ToolSchema
	Execute(ctx context.Context, name string, args map[string]any, enabled []string) (string, error)
}

// GenerateRequest carries one generation's inputs.
type GenerateRequest struct {
	ChatID           string
	ParentMessageID  string
	ModelName        string
	Options          ChatOptions
	ToolsEnabled     bool
	EnabledTools     []string // nil = all registered tools
	CharacterID      string   // overrides the chat's bound character
	CoTStart         string
	CoTEnd           string
	PreserveThinking bool
	MaxToolCalls     int // -1 = unbounded
	ResolveLocal     bool
}

// Pipeline orchestrates the LLM / tool loop for one chat at a time per chat.
type Pipeline struct {
	store    MessageStore
	resolver ProviderResolver
	tools    ToolRunner
	registry *ActiveRegistry
	logger   *slog.Logger
}

func NewPipeline(st MessageStore, resolver ProviderResolver, tools ToolRunner, registry *ActiveRegistry, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: st, resolver: resolver, tools: tools, registry: registry, logger: logger}
}

// Run is one prepared generation. Created by Start, consumed by Stream.
type Run struct {
	p       *Pipeline
	req     GenerateRequest
	ctx     context.Context
	client  LLMClient
	model   ResolvedModel
	history []ChatMessage
	cotTags [2]string
}

// Start performs setup: character and model resolution, context building and
// registration in the active registry. Errors here surface as HTTP statuses
// before the SSE stream opens.
func (p *Pipeline) Start(ctx context.Context, req GenerateRequest) (*Run, error) {
	chat, err := p.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}

	characterID := req.CharacterID
	if characterID == "" {
		characterID = chat.CharacterID
	}
	var character *store.Character
	if characterID != "" {
		if character, err = p.store.GetCharacter(ctx, characterID); err != nil {
			return nil, err
		}
	}

	cotStart, cotEnd := req.CoTStart, req.CoTEnd
	systemPrompt := ""
	var binding *store.ModelBinding
	if character != nil {
		systemPrompt = character.Sysprompt
		if cotStart == "" && cotEnd == "" && character.CoTStartTag != "" {
			cotStart, cotEnd = character.CoTStartTag, character.CoTEndTag
		}
		if character.Model.Name != "" || character.Model.Identifier != "" {
			b := character.Model
			binding = &b
		}
	}
	if cotStart == "" {
		cotStart = DefaultCoTStart
	}
	if cotEnd == "" {
		cotEnd = DefaultCoTEnd
	}

	client, model, err := p.resolver.Resolve(ctx, req.ModelName, binding, req.ResolveLocal)
	if err != nil {
		return nil, err
	}

	messages, err := p.store.ListMessages(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	history, err := BuildContext(messages, req.ParentMessageID, ContextOptions{
		SystemPrompt:     systemPrompt,
		CoTStart:         cotStart,
		CoTEnd:           cotEnd,
		PreserveThinking: req.PreserveThinking,
	})
	if err != nil {
		return nil, err
	}

	genCtx, err := p.registry.Start(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}

	return &Run{
		p:       p,
		req:     req,
		ctx:     WithChatID(genCtx, req.ChatID),
		client:  client,
		model:   model,
		history: history,
		cotTags: [2]string{cotStart, cotEnd},
	}, nil
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeAborted
	outcomeErrored
	outcomeBudget
)

// Stream drives the generation loop, emitting events to sink until the run
// reaches a terminal state. It always unregisters the run.
func (r *Run) Stream(sink EventSink) {
	defer r.p.registry.Finish(r.req.ChatID)

	parentID := r.req.ParentMessageID
	executed := 0
	budget := r.req.MaxToolCalls
	log := r.p.logger.With("chat_id", r.req.ChatID, "model", r.model.Name)

	result := outcomeDone

loop:
	for {
		if r.ctx.Err() != nil {
			result = outcomeAborted
			break
		}

		seg, err := r.streamSegment(sink)
		content, thinking := seg.content, seg.thinking

		if r.ctx.Err() != nil {
			r.persistPartial(parentID, content, thinking, log)
			result = outcomeAborted
			break
		}
		if err != nil {
			r.persistPartial(parentID, content, thinking, log)
			log.Error("provider stream failed", "error", err)
			sink(errorEvent(fault.Public(fault.Wrap(fault.KindUpstream, err, "llm stream failed"))))
			result = outcomeErrored
			break
		}

		calls := seg.calls
		if len(calls) == 0 {
			if content != "" || thinking != "" {
				if _, err := r.persistAssistant(parentID, content, thinking, nil); err != nil {
					log.Error("failed to persist assistant message", "error", err)
					sink(errorEvent(fault.Public(err)))
					result = outcomeErrored
				}
			}
			break
		}

		if seg.native {
			for _, call := range calls {
				sink(Event{Type: EventToolCall, Name: call.Name, ID: call.ID, Arguments: call.Args})
			}
		}

		// The assistant segment is committed before any tool runs, so a
		// store reader always sees a consistent parent chain.
		assistantID, err := r.persistAssistant(parentID, content, thinking, calls)
		if err != nil {
			log.Error("failed to persist assistant message", "error", err)
			sink(errorEvent(fault.Public(err)))
			result = outcomeErrored
			break
		}
		parentID = assistantID
		r.appendAssistantTurn(content, thinking, calls)

		if budget >= 0 && executed >= budget {
			log.Info("tool budget exhausted before dispatch", "executed", executed, "budget", budget)
			result = outcomeBudget
			break
		}

		for _, call := range calls {
			if r.ctx.Err() != nil {
				result = outcomeAborted
				break loop
			}

			sink(Event{Type: EventToolStart, Name: call.Name, Args: call.Args})

			var execResult string
			var execErr error
			if call.Error != "" {
				execErr = errors.New(call.Error)
			} else {
				execResult, execErr = r.p.tools.Execute(r.ctx, call.Name, call.Args, r.enabledTools())
			}
			if execErr != nil {
				execResult = "Error: " + execErr.Error()
			}

			toolID, err := r.p.store.CreateMessage(r.ctx, store.NewMessage{
				ChatID:     r.req.ChatID,
				Role:       store.RoleTool,
				Body:       execResult,
				ParentID:   parentID,
				ToolCallID: call.ID,
			})
			if err != nil {
				log.Error("failed to persist tool result", "tool", call.Name, "error", err)
				sink(errorEvent(fault.Public(err)))
				result = outcomeErrored
				break loop
			}
			parentID = toolID

			resultEvent := Event{Type: EventToolResult, Name: call.Name, ID: call.ID, Result: execResult}
			endEvent := Event{Type: EventToolEnd, Name: call.Name, Result: execResult}
			if execErr != nil {
				resultEvent.Error = execErr.Error()
				endEvent.Error = execErr.Error()
			}
			sink(resultEvent)
			sink(endEvent)

			// The model sees sanitized results; image payloads are collapsed
			// to keep token cost bounded.
			r.history = append(r.history, ChatMessage{
				Role:       RoleTool,
				Content:    SanitizeImageTokens(execResult),
				ToolCallID: call.ID,
			})
			executed++
		}

		if budget >= 0 && executed >= budget {
			log.Info("tool budget exhausted", "executed", executed, "budget", budget)
			result = outcomeBudget
			break
		}
	}

	if result == outcomeDone {
		sink(Event{Type: EventDone})
	}
}

// segment is the outcome of one LLM call.
type segment struct {
	content  string
	thinking string
	calls    []ToolCall
	native   bool
}

// streamSegment runs one LLM call, demultiplexing the normalized events into
// client events and the thinking/content accumulators, and detecting both
// native and manual tool calls.
func (r *Run) streamSegment(sink EventSink) (segment, error) {
	callCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	scanner := newMarkupScanner(r.req.ToolsEnabled, sink)
	splitter := newCoTSplitter(r.cotTags[0], r.cotTags[1], sink, func(text string) {
		if scanner.Write(text) {
			// A complete manual tag set arrived; stop consuming upstream.
			cancel()
		}
	})

	var schemas []ToolSchema
	if r.req.ToolsEnabled {
		schemas = r.p.tools.Schemas(r.enabledTools())
	}

	evCh, errCh := r.client.Stream(callCtx, r.model.Identifier, r.history, schemas, r.req.Options)

	var nativeCalls []ToolCall
	var streamErr error

	for evCh != nil || errCh != nil {
		select {
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			switch ev.Type {
			case StreamContentDelta:
				splitter.FeedContent(ev.Text)
			case StreamThinkingDelta:
				splitter.FeedThinking(ev.Text)
			case StreamFinish:
				if ev.FinishReason == FinishToolCalls && len(ev.ToolCalls) > 0 {
					nativeCalls = ev.ToolCalls
				}
			}
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

	splitter.Close()
	scanner.Flush()

	seg := segment{
		content:  scanner.Content(),
		thinking: splitter.Thinking(),
	}

	// Native and manual detection are mutually exclusive per turn; a native
	// finish wins.
	switch {
	case len(nativeCalls) > 0:
		seg.calls = r.markDisabled(nativeCalls)
		seg.native = true
	case len(scanner.Calls()) > 0:
		seg.calls = r.markDisabled(scanner.Calls())
		// The upstream was cancelled by the harvest itself; whatever error
		// the closed connection produced is not a failure.
		if streamErr != nil && callCtx.Err() != nil {
			streamErr = nil
		}
	}

	if streamErr != nil && r.ctx.Err() == nil {
		return seg, streamErr
	}
	return seg, nil
}

func (r *Run) enabledTools() []string {
	return r.req.EnabledTools
}

// markDisabled flags calls targeting tools outside the enabled subset so
// they surface an error result instead of dispatching.
func (r *Run) markDisabled(calls []ToolCall) []ToolCall {
	if r.req.EnabledTools == nil {
		return calls
	}
	enabled := make(map[string]bool, len(r.req.EnabledTools))
	for _, name := range r.req.EnabledTools {
		enabled[name] = true
	}
	for i := range calls {
		if calls[i].Error == "" && !enabled[calls[i].Name] {
			calls[i].Error = "tool " + calls[i].Name + " is not enabled"
		}
	}
	return calls
}

func (r *Run) persistAssistant(parentID, content, thinking string, calls []ToolCall) (string, error) {
	var records []store.ToolCallRecord
	for _, call := range calls {
		args := "{}"
		if call.Args != nil {
			if b, err := json.Marshal(call.Args); err == nil {
				args = string(b)
			}
		}
		records = append(records, store.ToolCallRecord{
			ID:       call.ID,
			Type:     "function",
			Function: store.FunctionCall{Name: call.Name, Arguments: args},
		})
	}

	// Persistence must survive an abort; detach from the generation context.
	return r.p.store.CreateMessage(context.WithoutCancel(r.ctx), store.NewMessage{
		ChatID:    r.req.ChatID,
		Role:      store.RoleLLM,
		Body:      content,
		ModelName: r.model.Name,
		ParentID:  parentID,
		ToolCalls: records,
		Thinking:  thinking,
	})
}

func (r *Run) persistPartial(parentID, content, thinking string, log *slog.Logger) {
	if content == "" && thinking == "" {
		return
	}
	if _, err := r.persistAssistant(parentID, content, thinking, nil); err != nil {
		log.Error("failed to persist partial segment", "error", err)
	}
}

// appendAssistantTurn extends the in-memory history with the segment just
// persisted. The thinking block is reconstructed inline when the request
// asked to preserve it.
func (r *Run) appendAssistantTurn(content, thinking string, calls []ToolCall) {
	body := content
	if thinking != "" && r.req.PreserveThinking {
		body = r.cotTags[0] + thinking + r.cotTags[1] + body
	}
	r.history = append(r.history, ChatMessage{
		Role:      RoleAssistant,
		Content:   body,
		ToolCalls: calls,
	})
}

var imageTokenRe = regexp.MustCompile(`\[IMAGE:base64:[^\]]*\]`)

// SanitizeImageTokens collapses inline image payloads in tool results to the
// literal token "[image]" for LLM-facing history. Persisted and displayed
// results keep the full payload.
func SanitizeImageTokens(s string) string {
	return imageTokenRe.ReplaceAllString(s, "[image]")
}

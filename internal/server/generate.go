package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/fault"
)

type generationArgs struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"top_p,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

type generateRequest struct {
	ParentMessageID  string          `json:"parent_message_id"`
	ModelName        string          `json:"model_name"`
	GenerationArgs   *generationArgs `json:"generation_args,omitempty"`
	ToolsEnabled     bool            `json:"tools_enabled,omitempty"`
	EnabledToolNames []string        `json:"enabled_tool_names,omitempty"`
	CharacterID      string          `json:"character_id,omitempty"`
	CoTStartTag      string          `json:"cot_start_tag,omitempty"`
	CoTEndTag        string          `json:"cot_end_tag,omitempty"`
	PreserveThinking bool            `json:"preserve_thinking,omitempty"`
	MaxToolCalls     *int            `json:"max_tool_calls,omitempty"`
	ResolveLocal     bool            `json:"resolve_local_runtime_model,omitempty"`
}

// handleGenerate validates and prepares the run before any SSE byte is
// written, so setup failures surface as plain HTTP statuses.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ModelName == "" {
		s.writeError(w, fault.New(fault.KindBadRequest, "model_name is required"))
		return
	}

	var opts engine.ChatOptions
	if req.GenerationArgs != nil {
		opts.Temperature = req.GenerationArgs.Temperature
		opts.TopP = req.GenerationArgs.TopP
		opts.MaxOutputTokens = req.GenerationArgs.MaxOutputTokens
	}
	maxToolCalls := -1
	if req.MaxToolCalls != nil {
		maxToolCalls = *req.MaxToolCalls
	}

	run, err := s.pipeline.Start(r.Context(), engine.GenerateRequest{
		ChatID:           chatID,
		ParentMessageID:  req.ParentMessageID,
		ModelName:        req.ModelName,
		Options:          opts,
		ToolsEnabled:     req.ToolsEnabled,
		EnabledTools:     req.EnabledToolNames,
		CharacterID:      req.CharacterID,
		CoTStart:         req.CoTStartTag,
		CoTEnd:           req.CoTEndTag,
		PreserveThinking: req.PreserveThinking,
		MaxToolCalls:     maxToolCalls,
		ResolveLocal:     req.ResolveLocal,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fault.New(fault.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	run.Stream(func(ev engine.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("failed to encode event", "type", ev.Type, "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	})
}

// handleAbort signals the chat's live generation. Idempotent.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	message := "no active generation"
	if s.registry.Abort(chatID) {
		message = "abort signalled"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": message})
}

package server

import (
	"net/http"

	"github.com/loomchat/loom/internal/store"
)

type addMessageRequest struct {
	Role        string                 `json:"role"`
	Body        string                 `json:"message"`
	ModelName   string                 `json:"model_name"`
	ParentID    string                 `json:"parent_message_id"`
	ToolCallID  string                 `json:"tool_call_id"`
	ToolCalls   []store.ToolCallRecord `json:"tool_calls"`
	Thinking    string                 `json:"thinking_content"`
	Attachments []store.Attachment     `json:"attachments"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	messageID, err := s.store.CreateMessage(r.Context(), store.NewMessage{
		ChatID:      r.PathValue("chat_id"),
		Role:        req.Role,
		Body:        req.Body,
		ModelName:   req.ModelName,
		ParentID:    req.ParentID,
		ToolCallID:  req.ToolCallID,
		ToolCalls:   req.ToolCalls,
		Thinking:    req.Thinking,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message_id": messageID})
}

type editMessageRequest struct {
	Body        *string                 `json:"message"`
	ModelName   *string                 `json:"model_name"`
	ToolCalls   *[]store.ToolCallRecord `json:"tool_calls"`
	Attachments *[]store.Attachment     `json:"attachments"`
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.store.UpdateMessage(r.Context(), r.PathValue("chat_id"), r.PathValue("id"), store.EditMessage{
		Body:        req.Body,
		ModelName:   req.ModelName,
		ToolCalls:   req.ToolCalls,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteMessage(r.Context(), r.PathValue("chat_id"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetActiveBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChildIndex int `json:"child_index"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.store.SetActiveBranch(r.Context(), r.PathValue("chat_id"), r.PathValue("parent_id"), req.ChildIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

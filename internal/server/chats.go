package server

import (
	"net/http"

	"github.com/loomchat/loom/internal/store"
)

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"character_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	chatID, err := s.store.CreateChat(r.Context(), req.CharacterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"chat_id": chatID})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chats == nil {
		chats = []store.ChatSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// handleGetChat returns the chat record plus every message with resolved
// child ids, newest-last.
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	chat, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":           chat.ChatID,
		"timestamp_created": chat.Created,
		"timestamp_updated": chat.Updated,
		"character_id":      chat.CharacterID,
		"messages":          messages,
	})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChat(r.Context(), r.PathValue("chat_id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetActiveCharacter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"character_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetActiveCharacter(r.Context(), r.PathValue("chat_id"), req.CharacterID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

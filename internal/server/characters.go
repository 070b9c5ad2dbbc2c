package server

import (
	"net/http"

	"github.com/loomchat/loom/internal/store"
)

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var c store.Character
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, err)
		return
	}
	characterID, err := s.store.CreateCharacter(r.Context(), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"character_id": characterID})
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.store.ListCharacters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chars == nil {
		chars = []store.Character{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"characters": chars})
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCharacter(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	var c store.Character
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateCharacter(r.Context(), r.PathValue("id"), c); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCharacter(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

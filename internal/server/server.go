// Package server exposes the chat orchestrator over HTTP and SSE.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/fault"
	"github.com/loomchat/loom/internal/store"
	"github.com/loomchat/loom/internal/tools"
)

// Options carries the server's collaborators.
type Options struct {
	Store    *store.Store
	Pipeline *engine.Pipeline
	Registry *engine.ActiveRegistry
	Tools    *tools.Registry
	Config   *config.Manager
	Logger   *slog.Logger
}

// Server is the HTTP surface over the store, the generation pipeline and the
// tool registry.
type Server struct {
	store    *store.Store
	pipeline *engine.Pipeline
	registry *engine.ActiveRegistry
	tools    *tools.Registry
	cfg      *config.Manager
	logger   *slog.Logger

	httpSrv *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    opts.Store,
		pipeline: opts.Pipeline,
		registry: opts.Registry,
		tools:    opts.Tools,
		cfg:      opts.Config,
		logger:   logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /tools", s.handleTools)

	mux.HandleFunc("POST /c/new", s.handleCreateChat)
	mux.HandleFunc("GET /c", s.handleListChats)
	mux.HandleFunc("GET /c/{chat_id}", s.handleGetChat)
	mux.HandleFunc("DELETE /c/{chat_id}", s.handleDeleteChat)
	mux.HandleFunc("POST /c/{chat_id}/set_active_character", s.handleSetActiveCharacter)

	mux.HandleFunc("POST /c/{chat_id}/generate", s.handleGenerate)
	mux.HandleFunc("POST /c/{chat_id}/abort_generation", s.handleAbort)

	mux.HandleFunc("POST /c/{chat_id}/add_message", s.handleAddMessage)
	mux.HandleFunc("POST /c/{chat_id}/edit_message/{id}", s.handleEditMessage)
	mux.HandleFunc("POST /c/{chat_id}/delete_message/{id}", s.handleDeleteMessage)
	mux.HandleFunc("POST /c/{chat_id}/set_active_branch/{parent_id}", s.handleSetActiveBranch)

	mux.HandleFunc("POST /characters", s.handleCreateCharacter)
	mux.HandleFunc("GET /characters", s.handleListCharacters)
	mux.HandleFunc("GET /characters/{id}", s.handleGetCharacter)
	mux.HandleFunc("PUT /characters/{id}", s.handleUpdateCharacter)
	mux.HandleFunc("DELETE /characters/{id}", s.handleDeleteCharacter)

	return withCORS(mux)
}

// Start begins serving on addr without blocking.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	models := s.cfg.Models()
	defaultModel := ""
	if len(models) > 0 {
		defaultModel = models[0].Name
	}
	toolNames := make([]string, 0)
	for _, def := range s.tools.Definitions() {
		toolNames = append(toolNames, def.Name)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"default_model": defaultModel,
		"tools":         toolNames,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.cfg.Models()})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.Definitions()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.KindInternal {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, fault.HTTPStatus(kind), map[string]string{"error": fault.Public(err)})
}

// decodeJSON parses the request body. An empty body leaves v at its zero
// value so optional-body endpoints stay simple.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 32<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fault.Wrap(fault.KindBadRequest, err, "invalid request body")
}

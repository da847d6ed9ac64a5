// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the operator control plane: stats, presence and
// connection introspection, operator disconnects, and the message
// moderation and membership endpoints the chat application calls
// in-process with the delivery core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/hub"
	"github.com/absmach/courier/presence"
	"github.com/absmach/courier/store"
)

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// Token guards all endpoints when non-empty.
	Token string
}

// Server provides the HTTP ops API over h2c.
type Server struct {
	config     Config
	registry   *hub.Registry
	pipeline   *delivery.Pipeline
	presence   *presence.Tracker
	store      store.Store
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new API server.
func New(cfg Config, registry *hub.Registry, pipeline *delivery.Pipeline, pres *presence.Tracker, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		pipeline: pipeline,
		presence: pres,
		store:    st,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /v1/presence/{workspace}", s.auth(s.handlePresence))
	mux.HandleFunc("GET /v1/connections", s.auth(s.handleConnections))
	mux.HandleFunc("POST /v1/connections/{id}/disconnect", s.auth(s.handleDisconnect))
	mux.HandleFunc("GET /v1/workspaces/{workspace}/channels/{channel}/messages", s.auth(s.handleListMessages))
	mux.HandleFunc("POST /v1/workspaces/{workspace}/channels/{channel}/messages/{id}/edit", s.auth(s.handleEditMessage))
	mux.HandleFunc("POST /v1/workspaces/{workspace}/channels/{channel}/messages/{id}/delete", s.auth(s.handleDeleteMessage))
	mux.HandleFunc("POST /v1/workspaces/{workspace}/channels/{channel}/members", s.auth(s.handleAddMember))
	mux.HandleFunc("DELETE /v1/workspaces/{workspace}/channels/{channel}/members/{user}", s.auth(s.handleRemoveMember))

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(mux, h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler exposes the API routes for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the API server.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("api_server_starting (h2c)",
			slog.String("address", s.config.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.config.Token {
			s.jsonError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Stats().Snapshot())
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("workspace")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workspace": workspace,
		"users":     s.presence.Snapshot(workspace),
	})
}

// connectionSummary is the ops view of one live connection.
type connectionSummary struct {
	ID         string    `json:"id"`
	User       string    `json:"user"`
	Workspace  string    `json:"workspace"`
	Channels   []string  `json:"channels"`
	LastActive time.Time `json:"last_active"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	var conns []connectionSummary
	s.registry.ForEach(func(c *hub.Conn) {
		channels := c.Channels()
		sort.Strings(channels)
		conns = append(conns, connectionSummary{
			ID:         c.ID,
			User:       c.User,
			Workspace:  c.Workspace,
			Channels:   channels,
			LastActive: c.LastActive(),
		})
	})
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, ok := s.registry.Deregister(id)
	if !ok {
		s.jsonError(w, http.StatusNotFound, "connection not found")
		return
	}

	s.logger.Info("operator_disconnect",
		slog.String("conn_id", id),
		slog.String("user", conn.User))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"disconnected": id,
		"user":         conn.User,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("workspace")
	channel := r.PathValue("channel")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.store.Messages().FetchLatest(r.Context(), workspace, channel, limit)
	if err != nil {
		s.jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"count":    len(msgs),
		"messages": msgs,
	})
}

type editMessageRequest struct {
	Editor  string `json:"editor"`
	Content string `json:"content"`
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("workspace")
	channel := r.PathValue("channel")
	id := r.PathValue("id")

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Editor == "" {
		s.jsonError(w, http.StatusBadRequest, "editor is required")
		return
	}

	msg, err := s.pipeline.EditMessage(r.Context(), workspace, channel, req.Editor, id, req.Content)
	if err != nil {
		s.writeMessageResult(w, msg, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

type deleteMessageRequest struct {
	Requester string `json:"requester"`
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("workspace")
	channel := r.PathValue("channel")
	id := r.PathValue("id")

	var req deleteMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Requester == "" {
		s.jsonError(w, http.StatusBadRequest, "requester is required")
		return
	}

	msg, err := s.pipeline.DeleteMessage(r.Context(), workspace, channel, req.Requester, id)
	if err != nil {
		s.writeMessageResult(w, msg, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

// writeMessageResult maps pipeline errors for the moderation endpoints. A
// bus outage after the store write still mutated durable state, so it is
// reported as accepted rather than failed.
func (s *Server) writeMessageResult(w http.ResponseWriter, msg store.Message, err error) {
	switch {
	case errors.Is(err, delivery.ErrBusUnavailable):
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"message": msg,
			"warning": "stored but not fanned out; subscribers will catch up",
		})
	case errors.Is(err, delivery.ErrNotAMember):
		s.jsonError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidMessage):
		s.jsonError(w, http.StatusBadRequest, err.Error())
	default:
		s.jsonError(w, http.StatusBadGateway, err.Error())
	}
}

type memberRequest struct {
	User string `json:"user"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("workspace")
	channel := r.PathValue("channel")

	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.User == "" {
		s.jsonError(w, http.StatusBadRequest, "user is required")
		return
	}

	if err := s.store.Memberships().Add(r.Context(), workspace, channel, req.User); err != nil {
		s.jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workspace": workspace,
		"channel":   channel,
		"user":      req.User,
	})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("workspace")
	channel := r.PathValue("channel")
	user := r.PathValue("user")

	if err := s.store.Memberships().Remove(r.Context(), workspace, channel, user); err != nil {
		s.jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("api_response_encode_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) jsonError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

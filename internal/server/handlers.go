// ABOUTME: JSON handlers for conversation lifecycle, events, and commands
// ABOUTME: Bodies and responses match the websocket payloads byte for byte

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/task"
)

// CreateConversationRequest optionally selects an agent preset and field
// overrides. An empty body uses the server's default preset.
type CreateConversationRequest struct {
	Preset string `json:"preset,omitempty"`
	agent.Config
}

// CreateTaskRequest is the body for POST /conversation/{id}/command and for
// frames submitted on the conversation websockets. Delay is in seconds.
type CreateTaskRequest struct {
	Runnable json.RawMessage `json:"runnable"`
	Title    *string         `json:"title,omitempty"`
	Delay    float64         `json:"delay,omitempty"`
}

func (s *Server) resolveAgentConfig(r *http.Request) (agent.Config, error) {
	var req CreateConversationRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return agent.Config{}, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return agent.Config{}, errors.New("invalid request body")
		}
	}
	if req.Preset == "" {
		req.Preset = s.defaultPreset
	}
	cfg := req.Config
	if req.Preset != "" {
		if cfg.Name == "" {
			cfg.Name = req.Preset
		}
		cfg = s.presets.Resolve(cfg)
	}
	return cfg, nil
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.resolveAgentConfig(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, err.Error())
		return
	}
	c, err := s.broker.CreateConversation(r.Context(), cfg)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c.Info())
}

// handleSearchOrSubscribe serves GET /conversation: a websocket upgrade
// creates a conversation and subscribes to it, a plain request lists
// conversations (admin).
func (s *Server) handleSearchOrSubscribe(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleCreateAndConnect(w, r)
		return
	}
	s.requireAdmin(s.handleSearchConversations)(w, r)
}

func (s *Server) handleSearchConversations(w http.ResponseWriter, r *http.Request) {
	filter, err := conversationFilterFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, err.Error())
		return
	}
	page, err := s.broker.SearchConversations(r.Context(), filter, r.URL.Query().Get("page_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCountConversations(w http.ResponseWriter, r *http.Request) {
	filter, err := conversationFilterFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, err.Error())
		return
	}
	n, err := s.broker.CountConversations(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func conversationFilterFromQuery(r *http.Request) (*conversation.Filter, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	status := conversation.Status(raw)
	switch status {
	case conversation.StatusCreating, conversation.StatusReady,
		conversation.StatusDestroying, conversation.StatusDestroyed,
		conversation.StatusError:
		return &conversation.Filter{Status: &status}, nil
	}
	return nil, errors.New("unknown status " + raw)
}

// handleGetOrConnect serves GET /conversation/{id}: a websocket upgrade
// subscribes to the conversation, a plain request returns its info.
func (s *Server) handleGetOrConnect(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleConnect(w, r)
		return
	}
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, c.Info())
}

func (s *Server) handleDestroyConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	grace, err := s.graceFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, err.Error())
		return
	}
	destroyed, err := s.broker.DestroyConversation(r.Context(), id, grace)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, destroyed)
}

func (s *Server) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	page, err := c.SearchEvents(r.Context(), r.URL.Query().Get("page_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, "reading body")
		return
	}
	detail, err := event.DecodeDetail(body)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	ev, err := c.TriggerEvent(r.Context(), detail)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	eventID, ok := s.pathUUID(w, r, "event_id")
	if !ok {
		return
	}
	ev, err := c.GetEvent(r.Context(), eventID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCountEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	n, err := c.CountEvents(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	page, err := c.SearchTasks(r.Context(), r.URL.Query().Get("page_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, "invalid request body")
		return
	}
	runnable, err := task.DecodeRunnable(req.Runnable)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	delay := time.Duration(req.Delay * float64(time.Second))
	t, err := c.CreateTask(r.Context(), runnable, req.Title, delay)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	taskID, ok := s.pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	t, err := c.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCountTasks(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	n, err := c.CountTasks(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	taskID, ok := s.pathUUID(w, r, "task_id")
	if !ok {
		return
	}
	cancelled, err := c.CancelTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelled)
}

// ABOUTME: HTTP server exposing the conversation broker API
// ABOUTME: Route registration, JSON helpers, and the stable error code mapping

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/storage"
)

const defaultDestroyGrace = 10 * time.Second

// Options configures a Server.
type Options struct {
	Broker        conversation.Broker
	Presets       agent.Presets
	DefaultPreset string

	// Verifier gates the admin surfaces: conversation listing, counting,
	// and the firehose. Nil disables authentication.
	Verifier auth.TokenVerifier

	// DestroyGrace is used when a delete request carries no grace_period.
	DestroyGrace time.Duration

	Logger *slog.Logger
}

// Server exposes a conversation.Broker over HTTP and websocket.
type Server struct {
	broker        conversation.Broker
	presets       agent.Presets
	defaultPreset string
	verifier      auth.TokenVerifier
	destroyGrace  time.Duration
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

// NewServer builds a Server around the given broker.
func NewServer(opts Options) *Server {
	if opts.DestroyGrace <= 0 {
		opts.DestroyGrace = defaultDestroyGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		broker:        opts.Broker,
		presets:       opts.Presets,
		defaultPreset: opts.DefaultPreset,
		verifier:      opts.Verifier,
		destroyGrace:  opts.DestroyGrace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: opts.Logger.With("component", "server"),
	}
}

// Handler returns the fully routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes attaches every route to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Health and observability - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /asyncapi.json", s.handleAsyncAPI)

	// Conversation lifecycle. GET /conversation doubles as the
	// create-and-subscribe websocket; GET /conversation/{id} doubles as the
	// per-conversation event websocket.
	mux.HandleFunc("POST /conversation", s.handleCreateConversation)
	mux.HandleFunc("GET /conversation", s.handleSearchOrSubscribe)
	mux.HandleFunc("GET /conversation-count", s.requireAdmin(s.handleCountConversations))
	mux.HandleFunc("GET /conversation/{id}", s.handleGetOrConnect)
	mux.HandleFunc("DELETE /conversation/{id}", s.handleDestroyConversation)
	mux.HandleFunc("GET /conversation/{id}/transcript", s.handleTranscript)

	// Events
	mux.HandleFunc("GET /conversation/{id}/event", s.handleSearchEvents)
	mux.HandleFunc("POST /conversation/{id}/event", s.handleTriggerEvent)
	mux.HandleFunc("GET /conversation/{id}/event-count", s.handleCountEvents)
	mux.HandleFunc("GET /conversation/{id}/event/{event_id}", s.handleGetEvent)

	// Commands (tasks)
	mux.HandleFunc("GET /conversation/{id}/command", s.handleSearchTasks)
	mux.HandleFunc("POST /conversation/{id}/command", s.handleCreateTask)
	mux.HandleFunc("GET /conversation/{id}/command-count", s.handleCountTasks)
	mux.HandleFunc("GET /conversation/{id}/command/{task_id}", s.handleGetTask)
	mux.HandleFunc("DELETE /conversation/{id}/command/{task_id}", s.handleCancelTask)

	// Files
	mux.HandleFunc("POST /conversation/{id}/dir/{path...}", s.handleCreateDir)
	mux.HandleFunc("POST /conversation/{id}/file/{path...}", s.handleCreateFile)
	mux.HandleFunc("POST /conversation/{id}/upload/{path...}", s.handleUpload)
	mux.HandleFunc("DELETE /conversation/{id}/file/{path...}", s.handleDeleteFile)
	mux.HandleFunc("GET /conversation/{id}/file-content/{path...}", s.handleLoadFile)
	mux.HandleFunc("GET /conversation/{id}/file-search", s.handleSearchFiles)
	mux.HandleFunc("GET /conversation/{id}/file-count", s.handleCountFiles)
	mux.HandleFunc("GET /conversation/{id}/file/{path...}", s.handleGetFileInfo)

	// Firehose websocket - admin only
	mux.HandleFunc("GET /fire-hose", s.requireAdmin(s.handleFirehose))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAdmin gates a handler behind the bearer token verifier.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return auth.Require(s.verifier, func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusUnauthorized, conversation.CodeUnauthorized, "missing or invalid bearer token")
	}, next)
}

// ErrorResponse is the JSON body of every non-2xx response. Error carries
// one of the stable wire codes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeDomainError maps a domain error onto its stable code and status.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := conversation.CodeFor(err)
	status := http.StatusInternalServerError
	switch code {
	case conversation.CodeNotFound:
		status = http.StatusNotFound
	case conversation.CodeNotReady:
		status = http.StatusConflict
	case conversation.CodePathEscapes,
		conversation.CodeNotDirectory,
		conversation.CodeIsDirectory,
		conversation.CodeUnknownKind,
		conversation.CodeBadRequest:
		status = http.StatusBadRequest
	case conversation.CodeInternal:
		s.logger.Error("internal error", "error", err)
	}
	s.writeError(w, status, code, err.Error())
}

// pathUUID parses the named path value as a UUID.
func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// getConversation resolves the {id} path value to a live conversation.
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) (conversation.Conversation, bool) {
	id, ok := s.pathUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	c, err := s.broker.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, conversation.CodeNotFound, "no such conversation")
		} else {
			s.writeDomainError(w, err)
		}
		return nil, false
	}
	return c, true
}

// graceFromQuery reads the grace_period query parameter in seconds.
func (s *Server) graceFromQuery(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("grace_period")
	if raw == "" {
		return s.destroyGrace, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return 0, errors.New("grace_period must be a non-negative number of seconds")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

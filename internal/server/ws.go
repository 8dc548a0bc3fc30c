// ABOUTME: Websocket endpoints: per-conversation subscribe, create-and-subscribe, firehose
// ABOUTME: Each connection gets a buffered outbound queue; slow consumers drop frames

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/task"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
)

// wsSession owns one websocket connection. Events are queued on a buffered
// channel and written by a single goroutine; a full queue drops the frame
// rather than blocking the event fan-out.
type wsSession struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	closeOnce sync.Once
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	s := &wsSession{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		logger: logger,
	}
	go s.writePump()
	return s
}

func (s *wsSession) writePump() {
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// enqueue queues a JSON frame, dropping it if the client cannot keep up.
func (s *wsSession) enqueue(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("marshaling websocket frame", "error", err)
		return
	}
	select {
	case s.send <- msg:
	default:
		s.logger.Warn("websocket queue full, dropping frame")
	}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}

// handleConnect subscribes an upgraded connection to one conversation's
// events. Inbound frames are command submissions.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	s.serveConversationSocket(w, r, c)
}

// handleCreateAndConnect creates a conversation and subscribes the
// connection to it in one round trip. The READY transition arrives as the
// first status event on the socket.
func (s *Server) handleCreateAndConnect(w http.ResponseWriter, r *http.Request) {
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
	s.serveConversationSocket(w, r, c)
}

func (s *Server) serveConversationSocket(w http.ResponseWriter, r *http.Request, c conversation.Conversation) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	sess := newWSSession(conn, s.logger.With("conversation_id", c.ID()))
	defer sess.close()

	listenerID := c.AddListener(conversation.ListenerFunc(func(ctx context.Context, ev event.Event) {
		sess.enqueue(ev)
	}))
	defer c.RemoveListener(listenerID)

	// Read loop: every inbound frame is a command submission.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket closed", "error", err)
			return
		}
		var req CreateTaskRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			sess.enqueue(ErrorResponse{Error: conversation.CodeBadRequest, Message: "invalid command frame"})
			continue
		}
		runnable, err := task.DecodeRunnable(req.Runnable)
		if err != nil {
			sess.enqueue(ErrorResponse{Error: conversation.CodeFor(err), Message: err.Error()})
			continue
		}
		delay := time.Duration(req.Delay * float64(time.Second))
		if _, err := c.CreateTask(r.Context(), runnable, req.Title, delay); err != nil {
			sess.enqueue(ErrorResponse{Error: conversation.CodeFor(err), Message: err.Error()})
		}
	}
}

// handleFirehose streams every event on every conversation. Nothing is
// accepted inbound; the read loop only detects disconnection.
func (s *Server) handleFirehose(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	sess := newWSSession(conn, s.logger.With("socket", "fire-hose"))
	defer sess.close()

	listenerID := s.broker.AddListener(conversation.BrokerListenerFuncs{
		Event: func(ctx context.Context, ev event.Event) {
			sess.enqueue(ev)
		},
	})
	defer s.broker.RemoveListener(listenerID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.logger.Debug("firehose closed", "error", err)
			return
		}
	}
}

// ABOUTME: Shared firehose websocket client with lazy connect and bounded retry
// ABOUTME: Events are deduped by id and dispatched concurrently per listener

package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/parley/internal/event"
)

const dedupeSize = 1024

// firehoseListener is one registration. A Nil conversation id receives
// every event; otherwise dispatch is scoped to the one conversation.
type firehoseListener struct {
	conversationID uuid.UUID
	fn             func(ctx context.Context, ev event.Event)
}

// Firehose multiplexes every listener of a remote broker over one /fire-hose
// websocket. The connection is dialed lazily when the first listener
// registers and closed when the last one leaves. Connection failures are
// retried a fixed number of times with fixed backoff; once the budget is
// exhausted every listener receives a synthetic ERROR status event.
type Firehose struct {
	dialURL string
	retries int
	backoff time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	listeners  map[uuid.UUID]firehoseListener
	conn       *websocket.Conn
	connecting bool
	closed     bool
	seen       *lru.Cache[uuid.UUID, struct{}]
}

func newFirehose(baseURL, token string, retries int, backoff time.Duration, logger *slog.Logger) *Firehose {
	dialURL := "ws" + strings.TrimPrefix(strings.TrimRight(baseURL, "/"), "http") + "/fire-hose"
	if token != "" {
		dialURL += "?access_token=" + token
	}
	seen, _ := lru.New[uuid.UUID, struct{}](dedupeSize)
	return &Firehose{
		dialURL:   dialURL,
		retries:   retries,
		backoff:   backoff,
		logger:    logger.With("component", "firehose"),
		listeners: make(map[uuid.UUID]firehoseListener),
		seen:      seen,
	}
}

// AddListener registers a listener; the first registration triggers the
// connection attempt. conversationID uuid.Nil subscribes to every
// conversation. Connection failures surface asynchronously as a synthetic
// ERROR status event, never as a registration error.
func (f *Firehose) AddListener(conversationID uuid.UUID, fn func(ctx context.Context, ev event.Event)) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New()
	f.listeners[id] = firehoseListener{conversationID: conversationID, fn: fn}
	if f.conn == nil && !f.connecting && !f.closed {
		f.connecting = true
		go f.connect()
	}
	return id
}

// RemoveListener drops a registration and closes the socket when nothing is
// listening anymore.
func (f *Firehose) RemoveListener(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.listeners[id]
	delete(f.listeners, id)
	if len(f.listeners) == 0 && f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	return ok
}

// Close tears the socket down for good.
func (f *Firehose) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// connect dials with the fixed retry budget: one immediate attempt plus
// retries spaced by the backoff. Exhausting the budget fails the listeners.
func (f *Firehose) connect() {
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(f.backoff)
		}

		f.mu.Lock()
		if f.closed || len(f.listeners) == 0 {
			f.connecting = false
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()

		conn, resp, err := websocket.DefaultDialer.Dial(f.dialURL, nil)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			f.logger.Warn("firehose dial failed", "attempt", attempt, "error", err)
			continue
		}

		f.mu.Lock()
		if f.closed || len(f.listeners) == 0 {
			f.connecting = false
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conn = conn
		f.connecting = false
		f.mu.Unlock()

		f.logger.Debug("firehose connected")
		go f.readLoop(conn)
		return
	}

	f.mu.Lock()
	f.connecting = false
	f.mu.Unlock()
	f.logger.Error("firehose retry budget exhausted")
	f.failListeners()
}

// readLoop pumps one connection until it fails or is deliberately closed.
func (f *Firehose) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.handleDisconnect(conn)
			return
		}
		var ev event.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			f.logger.Warn("undecodable firehose frame", "error", err)
			continue
		}
		f.dispatch(ev)
	}
}

// handleDisconnect restarts the connect cycle after an unexpected failure.
func (f *Firehose) handleDisconnect(failed *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == failed {
		f.conn = nil
	}
	if f.closed || len(f.listeners) == 0 || f.connecting {
		return
	}
	f.logger.Warn("firehose disconnected, reconnecting")
	f.connecting = true
	go f.connect()
}

// dispatch fans one event out to matching listeners, skipping ids already
// seen. Reconnects can replay recent events; the dedupe keeps delivery
// exactly-once within the cache window.
func (f *Firehose) dispatch(ev event.Event) {
	f.mu.Lock()
	if _, dup := f.seen.Get(ev.ID); dup {
		f.mu.Unlock()
		return
	}
	f.seen.Add(ev.ID, struct{}{})
	var targets []func(ctx context.Context, ev event.Event)
	for _, l := range f.listeners {
		if l.conversationID == uuid.Nil || l.conversationID == ev.ConversationID {
			targets = append(targets, l.fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range targets {
		go fn(context.Background(), ev)
	}
}

// failListeners delivers a synthetic ERROR status event to every listener,
// scoped to each listener's conversation.
func (f *Firehose) failListeners() {
	f.mu.Lock()
	listeners := make([]firehoseListener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	now := time.Now()
	for _, l := range listeners {
		ev := event.Event{
			ID:             uuid.New(),
			ConversationID: l.conversationID,
			Detail: event.StatusChanged{
				Status:  "ERROR",
				Message: "firehose disconnected",
			},
			CreatedAt: now,
		}
		go l.fn(context.Background(), ev)
	}
}

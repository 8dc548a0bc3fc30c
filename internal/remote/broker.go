// ABOUTME: Remote ConversationBroker speaking the server's HTTP+websocket API
// ABOUTME: Indistinguishable from the local broker at the interface boundary

package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/storage"
)

const (
	defaultFirehoseRetries = 5
	defaultFirehoseBackoff = time.Second
)

// Options configures a remote Broker.
type Options struct {
	// BaseURL is the server's HTTP base, e.g. "http://localhost:8080".
	BaseURL string

	// Token is the bearer token for the admin surfaces and the firehose.
	Token string

	HTTPClient *http.Client

	// FirehoseRetries and FirehoseBackoff bound the reconnect budget.
	FirehoseRetries int
	FirehoseBackoff time.Duration

	Logger *slog.Logger
}

// Broker implements conversation.Broker over the network. One shared
// firehose connection feeds all listeners.
type Broker struct {
	client   *client
	firehose *Firehose
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[uuid.UUID]brokerRegistration
}

// brokerRegistration pairs a broker listener with its firehose subscription.
type brokerRegistration struct {
	listener   conversation.BrokerListener
	firehoseID uuid.UUID
}

// NewBroker builds a remote broker against the given server.
func NewBroker(opts Options) *Broker {
	if opts.FirehoseRetries <= 0 {
		opts.FirehoseRetries = defaultFirehoseRetries
	}
	if opts.FirehoseBackoff <= 0 {
		opts.FirehoseBackoff = defaultFirehoseBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "remote")
	return &Broker{
		client:    newClient(opts.BaseURL, opts.Token, opts.HTTPClient, logger),
		firehose:  newFirehose(opts.BaseURL, opts.Token, opts.FirehoseRetries, opts.FirehoseBackoff, logger),
		logger:    logger,
		listeners: make(map[uuid.UUID]brokerRegistration),
	}
}

// CreateConversation asks the server for a new conversation. The returned
// handle observes the READY transition like a local caller would, through
// polling or listeners.
func (b *Broker) CreateConversation(ctx context.Context, cfg agent.Config) (conversation.Conversation, error) {
	var info conversation.Info
	if err := b.client.do(ctx, http.MethodPost, "/conversation", nil, cfg, &info); err != nil {
		return nil, err
	}
	c := b.conversation(info.ID)

	b.mu.Lock()
	listeners := make([]conversation.BrokerListener, 0, len(b.listeners))
	for _, reg := range b.listeners {
		listeners = append(listeners, reg.listener)
	}
	b.mu.Unlock()
	for _, l := range listeners {
		l.AfterCreateConversation(ctx, conversation.Identity.Clone(info))
	}
	return c, nil
}

// GetConversation checks the id server-side and returns a handle, or
// storage.ErrNotFound.
func (b *Broker) GetConversation(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	var info conversation.Info
	if err := b.client.do(ctx, http.MethodGet, "/conversation/"+id.String(), nil, nil, &info); err != nil {
		return nil, err
	}
	return b.conversation(id), nil
}

func (b *Broker) conversation(id uuid.UUID) *Conversation {
	return &Conversation{
		id:       id,
		client:   b.client,
		firehose: b.firehose,
		logger:   b.logger.With("conversation_id", id),
	}
}

func (b *Broker) SearchConversations(ctx context.Context, filter *conversation.Filter, pageID string) (storage.Page[conversation.Info], error) {
	query := url.Values{}
	if pageID != "" {
		query.Set("page_id", pageID)
	}
	if filter != nil && filter.Status != nil {
		query.Set("status", string(*filter.Status))
	}
	var page storage.Page[conversation.Info]
	err := b.client.do(ctx, http.MethodGet, "/conversation", query, nil, &page)
	return page, err
}

func (b *Broker) CountConversations(ctx context.Context, filter *conversation.Filter) (int, error) {
	query := url.Values{}
	if filter != nil && filter.Status != nil {
		query.Set("status", string(*filter.Status))
	}
	var n int
	err := b.client.do(ctx, http.MethodGet, "/conversation-count", query, nil, &n)
	return n, err
}

// DestroyConversation destroys the conversation server-side, notifying
// local before-destroy listeners first.
func (b *Broker) DestroyConversation(ctx context.Context, id uuid.UUID, grace time.Duration) (bool, error) {
	var info conversation.Info
	err := b.client.do(ctx, http.MethodGet, "/conversation/"+id.String(), nil, nil, &info)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	b.mu.Lock()
	listeners := make([]conversation.BrokerListener, 0, len(b.listeners))
	for _, reg := range b.listeners {
		listeners = append(listeners, reg.listener)
	}
	b.mu.Unlock()
	for _, l := range listeners {
		l.BeforeDestroyConversation(ctx, info)
	}

	query := url.Values{}
	query.Set("grace_period", strconv.FormatFloat(grace.Seconds(), 'f', -1, 64))
	var destroyed bool
	if err := b.client.do(ctx, http.MethodDelete, "/conversation/"+id.String(), query, nil, &destroyed); err != nil {
		return false, err
	}
	return destroyed, nil
}

// AddListener registers a broker listener. Firehose events reach OnEvent;
// the lifecycle callbacks fire for operations issued through this client.
func (b *Broker) AddListener(l conversation.BrokerListener) uuid.UUID {
	fhID := b.firehose.AddListener(uuid.Nil, func(ctx context.Context, ev event.Event) {
		l.OnEvent(ctx, ev)
	})
	id := uuid.New()
	b.mu.Lock()
	b.listeners[id] = brokerRegistration{listener: l, firehoseID: fhID}
	b.mu.Unlock()
	return id
}

// RemoveListener drops a registration, reporting whether it was present.
func (b *Broker) RemoveListener(id uuid.UUID) bool {
	b.mu.Lock()
	reg, ok := b.listeners[id]
	delete(b.listeners, id)
	b.mu.Unlock()
	if ok {
		b.firehose.RemoveListener(reg.firehoseID)
	}
	return ok
}

// Shutdown releases client-side resources. The server and its conversations
// stay up; a network client going away must not tear down shared state.
func (b *Broker) Shutdown(ctx context.Context, grace time.Duration) error {
	b.firehose.Close()
	return nil
}

var _ conversation.Broker = (*Broker)(nil)

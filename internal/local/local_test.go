// ABOUTME: Tests for the in-process broker and conversation lifecycle
// ABOUTME: Covers status transitions, task execution, cancellation, and destroy

package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func strPtr(s string) *string {
	return &s
}

// setupBroker creates a broker with a throwaway workspace root.
func setupBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := NewBroker(Options{
		WorkspaceRoot: t.TempDir(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Shutdown(context.Background(), time.Second))
	})
	return b
}

// setupConversation creates a conversation and waits for it to become READY.
func setupConversation(t *testing.T, b *Broker) conversation.Conversation {
	t.Helper()
	c, err := b.CreateConversation(context.Background(), agent.Config{Name: "echo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Status() == conversation.StatusReady
	}, time.Second, 5*time.Millisecond)
	return c
}

// collectEvents pages through the full event log.
func collectEvents(t *testing.T, c conversation.Conversation) []event.Event {
	t.Helper()
	ctx := context.Background()
	var all []event.Event
	pageID := ""
	for {
		page, err := c.SearchEvents(ctx, pageID)
		require.NoError(t, err)
		all = append(all, page.Results...)
		if page.NextPageID == nil {
			return all
		}
		pageID = *page.NextPageID
	}
}

func TestCreateConversation_BecomesReady(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)

	info := c.Info()
	assert.Equal(t, conversation.StatusReady, info.Status)
	assert.Equal(t, c.ID(), info.ID)

	// The transition left a status trail in the event log.
	events := collectEvents(t, c)
	var statuses []string
	for _, ev := range events {
		if sc, ok := ev.Detail.(event.StatusChanged); ok {
			statuses = append(statuses, sc.Status)
		}
	}
	assert.Equal(t, []string{"READY"}, statuses)
}

func TestRunTask_TickerCompletes(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	done, err := c.RunTask(ctx, task.Ticker{Iterations: 3}, strPtr("count to three"), 0)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	require.NotNil(t, done.Progress)
	assert.InDelta(t, 1.0, *done.Progress, 0.001)
	require.NotNil(t, done.Code)
	assert.Equal(t, "tick 3/3", *done.Code)
	assert.Equal(t, "count to three", *done.Title)

	// Three running progress reports, truncated to two decimals.
	var progress []float64
	for _, ev := range collectEvents(t, c) {
		tp, ok := ev.Detail.(event.TaskProgress)
		if !ok || tp.Progress == nil || tp.Status != string(task.StatusRunning) {
			continue
		}
		progress = append(progress, *tp.Progress)
	}
	assert.Equal(t, []float64{0.33, 0.66, 1.0}, progress)
}

func TestCreateTask_DelayStartsPending(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, task.Ticker{Iterations: 1}, nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	require.Eventually(t, func() bool {
		got, err := c.GetTask(ctx, created.ID)
		return err == nil && got.Status == task.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestCreateTask_NotReadyFails(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	ok, err := b.DestroyConversation(ctx, c.ID(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.CreateTask(ctx, task.Ticker{Iterations: 1}, nil, 0)
	require.ErrorIs(t, err, conversation.ErrNotReady)

	// The rejected submission stored nothing.
	n, err := c.CountTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelTask_MidRun(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, task.Ticker{Iterations: 100, IntervalSeconds: 0.02}, nil, 0)
	require.NoError(t, err)

	// Wait until the ticker has made some progress.
	require.Eventually(t, func() bool {
		got, err := c.GetTask(ctx, created.ID)
		return err == nil && got.Progress != nil
	}, time.Second, 5*time.Millisecond)

	ok, err := c.CancelTask(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	final, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, final.Status)
	require.NotNil(t, final.Progress)
	assert.Less(t, *final.Progress, 1.0)
}

func TestCancelTask_AbsentOrTerminal(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	ok, err := c.CancelTask(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	done, err := c.RunTask(ctx, task.Ticker{Iterations: 1}, nil, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, done.Status)

	ok, err = c.CancelTask(ctx, done.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelTask_NonCancellableRefused(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, task.Wait{Seconds: 5}, nil, 0)
	require.NoError(t, err)

	ok, err := c.CancelTask(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)

	// Destroy is the only way to terminate it: the grace elapses and the
	// forced kill reaches the wait through the base context.
	destroyed, err := b.DestroyConversation(ctx, c.ID(), 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, destroyed)

	final, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, final.Status)
}

func TestDestroy_GracefulWithCooperativeTask(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, task.Ticker{Iterations: 100, IntervalSeconds: 0.02}, nil, 0)
	require.NoError(t, err)

	ok, err := b.DestroyConversation(ctx, c.ID(), 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, conversation.StatusDestroyed, c.Status())
	final, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, final.Status)
}

func TestDestroyConversation_NoOpCases(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	ok, err := b.DestroyConversation(ctx, uuid.New(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.DestroyConversation(ctx, c.ID(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.DestroyConversation(ctx, c.ID(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromptTask_EchoReplies(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	done, err := c.RunTask(ctx, task.Prompt{Text: "hello there"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)

	var prompts, replies []string
	for _, ev := range collectEvents(t, c) {
		switch d := ev.Detail.(type) {
		case event.PromptReceived:
			prompts = append(prompts, d.Text)
		case event.TextReply:
			replies = append(replies, d.Text)
		}
	}
	assert.Equal(t, []string{"hello there"}, prompts)
	assert.Equal(t, []string{"hello there"}, replies)
}

func TestListeners_ReceiveEventsUntilRemoved(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	id := c.AddListener(conversation.ListenerFunc(func(ctx context.Context, ev event.Event) {
		mu.Lock()
		seen = append(seen, ev.Detail.Kind())
		mu.Unlock()
	}))

	_, err := c.TriggerEvent(ctx, event.TextReply{Text: "one"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, c.RemoveListener(id))
	assert.False(t, c.RemoveListener(id))

	_, err = c.TriggerEvent(ctx, event.TextReply{Text: "two"})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{event.KindTextReply}, seen)
	mu.Unlock()
}

func TestBrokerListeners_LifecycleAndFirehose(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var created, destroyed []uuid.UUID
	var kinds []string
	b.AddListener(conversation.BrokerListenerFuncs{
		AfterCreate: func(ctx context.Context, info conversation.Info) {
			mu.Lock()
			created = append(created, info.ID)
			mu.Unlock()
		},
		BeforeDestroy: func(ctx context.Context, info conversation.Info) {
			mu.Lock()
			destroyed = append(destroyed, info.ID)
			mu.Unlock()
		},
		Event: func(ctx context.Context, ev event.Event) {
			mu.Lock()
			kinds = append(kinds, ev.Detail.Kind())
			mu.Unlock()
		},
	})

	c := setupConversation(t, b)
	_, err := c.TriggerEvent(ctx, event.TextReply{Text: "hi"})
	require.NoError(t, err)

	ok, err := b.DestroyConversation(ctx, c.ID(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{c.ID()}, created)
	assert.Equal(t, []uuid.UUID{c.ID()}, destroyed)
	// The firehose saw the READY transition, the reply, and the destroy trail.
	assert.Contains(t, kinds, event.KindStatusChanged)
	assert.Contains(t, kinds, event.KindTextReply)
}

func TestSearchConversations_StatusFilter(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	c1 := setupConversation(t, b)
	c2 := setupConversation(t, b)
	_, err := b.DestroyConversation(ctx, c1.ID(), time.Second)
	require.NoError(t, err)

	ready := conversation.StatusReady
	page, err := b.SearchConversations(ctx, &conversation.Filter{Status: &ready}, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, c2.ID(), page.Results[0].ID)

	n, err := b.CountConversations(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestShutdown_DestroysEverythingAndCloses(t *testing.T) {
	b, err := NewBroker(Options{
		WorkspaceRoot: t.TempDir(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	c1, err := b.CreateConversation(context.Background(), agent.Config{})
	require.NoError(t, err)
	c2, err := b.CreateConversation(context.Background(), agent.Config{})
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(context.Background(), time.Second))

	assert.Equal(t, conversation.StatusDestroyed, c1.Status())
	assert.Equal(t, conversation.StatusDestroyed, c2.Status())

	_, err = b.CreateConversation(context.Background(), agent.Config{})
	require.Error(t, err)
}

// statusTrail extracts the StatusChanged trail from the event log.
func statusTrail(t *testing.T, c conversation.Conversation) []string {
	t.Helper()
	var statuses []string
	for _, ev := range collectEvents(t, c) {
		if sc, ok := ev.Detail.(event.StatusChanged); ok {
			statuses = append(statuses, sc.Status)
		}
	}
	return statuses
}

func TestDestroy_ImmediatelyAfterCreate_NeverReportsReady(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	// The readiness write is deferred to its own goroutine, so race it
	// against an immediate destroy repeatedly.
	for i := 0; i < 100; i++ {
		c, err := b.CreateConversation(ctx, agent.Config{})
		require.NoError(t, err)
		ok, err := b.DestroyConversation(ctx, c.ID(), 100*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, conversation.StatusDestroyed, c.Status())
		trail := statusTrail(t, c)
		destroying := -1
		for idx, status := range trail {
			switch status {
			case string(conversation.StatusDestroying):
				destroying = idx
			case string(conversation.StatusReady):
				require.Equal(t, -1, destroying,
					"iteration %d: READY observed after DESTROYING: %v", i, trail)
			}
		}
	}
}

func TestSetStatus_DropsBackwardTransition(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	lc, ok := c.(*Conversation)
	require.True(t, ok)

	lc.setStatus(ctx, conversation.StatusDestroying, "")
	lc.setStatus(ctx, conversation.StatusReady, "")

	assert.Equal(t, conversation.StatusDestroying, c.Status())
	assert.Equal(t,
		[]string{string(conversation.StatusReady), string(conversation.StatusDestroying)},
		statusTrail(t, c))

	// A destroying conversation no longer admits tasks.
	_, err := c.CreateTask(ctx, task.Ticker{Iterations: 1}, nil, 0)
	assert.ErrorIs(t, err, conversation.ErrNotReady)
}

func TestReportProgress_DroppedAfterTerminal(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	done, err := c.RunTask(ctx, task.Ticker{Iterations: 1}, nil, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, done.Status)

	before, err := c.CountEvents(ctx)
	require.NoError(t, err)

	// A straggling progress report arriving after completion must neither
	// resurrect the task nor emit an event.
	lc, ok := c.(*Conversation)
	require.True(t, ok)
	lc.updateProgress(ctx, done.ID, "late tick", 0.5)

	got, err := c.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Progress)
	assert.InDelta(t, 1.0, *got.Progress, 0.001)
	require.NotNil(t, got.Code)
	assert.Equal(t, "tick 1/1", *got.Code)

	after, err := c.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPromptTask_MarksPromptHandled(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	done, err := c.RunTask(ctx, task.Prompt{Text: "mark me"}, nil, 0)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, done.Status)

	var prompt *event.Event
	for _, ev := range collectEvents(t, c) {
		if _, ok := ev.Detail.(event.PromptReceived); ok {
			ev := ev
			prompt = &ev
		}
	}
	require.NotNil(t, prompt)
	require.NotNil(t, prompt.HandledAt)
	assert.False(t, prompt.HandledAt.Before(prompt.CreatedAt))
}

func TestCreateConversation_FailedSetupLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	storeBroker, err := NewBroker(Options{
		WorkspaceRoot: t.TempDir(),
		NewEventStore: func(uuid.UUID) (storage.Storage[event.Event], error) {
			return nil, errors.New("event store unavailable")
		},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, storeBroker.Shutdown(ctx, time.Second))
	})

	_, err = storeBroker.CreateConversation(ctx, agent.Config{})
	require.Error(t, err)

	n, err := storeBroker.CountConversations(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	agentBroker, err := NewBroker(Options{
		WorkspaceRoot: t.TempDir(),
		AgentFactory: func(agent.Config) (agent.Agent, error) {
			return nil, errors.New("no such agent")
		},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, agentBroker.Shutdown(ctx, time.Second))
	})

	_, err = agentBroker.CreateConversation(ctx, agent.Config{})
	require.Error(t, err)

	n, err = agentBroker.CountConversations(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// stubbornRunnable claims cancellability but never watches its context.
type stubbornRunnable struct {
	Sleep time.Duration `json:"sleep"`
}

func (stubbornRunnable) Kind() string      { return "stubborn" }
func (stubbornRunnable) Cancellable() bool { return true }

func (r stubbornRunnable) Run(context.Context, task.RunContext) error {
	time.Sleep(r.Sleep)
	return nil
}

func TestDestroy_StubbornCancellableForcedWithinGrace(t *testing.T) {
	b := setupBroker(t)
	c := setupConversation(t, b)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, stubbornRunnable{Sleep: 300 * time.Millisecond}, nil, 0)
	require.NoError(t, err)

	grace := 30 * time.Millisecond
	start := time.Now()
	ok, err := b.DestroyConversation(ctx, c.ID(), grace)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.True(t, ok)

	// Destroy must not wait out the runnable's sleep: grace plus bounded
	// overhead only.
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, conversation.StatusDestroyed, c.Status())

	final, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, final.Status)

	// Let the abandoned goroutine drain before the leak check.
	lc, castOK := c.(*Conversation)
	require.True(t, castOK)
	require.Eventually(t, func() bool {
		lc.mu.RLock()
		defer lc.mu.RUnlock()
		return len(lc.live) == 0
	}, time.Second, 10*time.Millisecond)
}

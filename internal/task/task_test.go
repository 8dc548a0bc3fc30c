// ABOUTME: Tests for the task status machine, runnable registry, and variants
// ABOUTME: Runnables are exercised against a fake RunContext

package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/variant"
)

type progressUpdate struct {
	code     string
	progress float64
}

type fakeRunContext struct {
	mu       sync.Mutex
	updates  []progressUpdate
	events   []event.Detail
	prompter Prompter
}

func (f *fakeRunContext) ReportProgress(ctx context.Context, code string, progress float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, progressUpdate{code, progress})
}

func (f *fakeRunContext) TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, detail)
	return event.Event{ID: uuid.New(), Detail: detail}, nil
}

func (f *fakeRunContext) Prompter() Prompter { return f.prompter }

type fakePrompter struct {
	prompts []string
	stopped bool
}

func (f *fakePrompter) Prompt(ctx context.Context, text string) error {
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakePrompter) Stop() { f.stopped = true }

func TestStatus_Terminal(t *testing.T) {
	for status, terminal := range map[Status]bool{
		StatusPending:    false,
		StatusRunning:    false,
		StatusCancelling: false,
		StatusCancelled:  true,
		StatusCompleted:  true,
		StatusError:      true,
	} {
		assert.Equal(t, terminal, status.Terminal(), "status %s", status)
	}
}

func TestTicker_ReportsTruncatedProgressInOrder(t *testing.T) {
	rc := &fakeRunContext{}
	r := Ticker{Iterations: 3, IntervalSeconds: 0}

	require.NoError(t, r.Run(context.Background(), rc))

	require.Len(t, rc.updates, 3)
	assert.Equal(t, 0.33, rc.updates[0].progress)
	assert.Equal(t, 0.66, rc.updates[1].progress)
	assert.Equal(t, 1.0, rc.updates[2].progress)
	assert.Equal(t, "tick 1/3", rc.updates[0].code)
}

func TestTicker_ObservesCancellation(t *testing.T) {
	rc := &fakeRunContext{}
	r := Ticker{Iterations: 100, IntervalSeconds: 0.05}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx, rc)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, len(rc.updates), 100)
}

func TestTicker_RejectsNonPositiveIterations(t *testing.T) {
	err := Ticker{Iterations: 0}.Run(context.Background(), &fakeRunContext{})
	assert.Error(t, err)
}

func TestWait_IsNotCancellable(t *testing.T) {
	assert.False(t, Wait{}.Cancellable())
	assert.True(t, Ticker{}.Cancellable())
	assert.True(t, Prompt{}.Cancellable())
}

func TestWait_SleepsForDuration(t *testing.T) {
	start := time.Now()
	err := Wait{Seconds: 0.03}.Run(context.Background(), &fakeRunContext{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPrompt_ForwardsToAgent(t *testing.T) {
	prompter := &fakePrompter{}
	rc := &fakeRunContext{prompter: prompter}

	require.NoError(t, Prompt{Text: "hello"}.Run(context.Background(), rc))
	assert.Equal(t, []string{"hello"}, prompter.prompts)
}

func TestPrompt_FailsWithoutAgent(t *testing.T) {
	err := Prompt{Text: "hello"}.Run(context.Background(), &fakeRunContext{})
	assert.Error(t, err)
}

func TestTask_JSONRoundTripKeepsRunnableVariant(t *testing.T) {
	title := "tick it"
	original := Task{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		Runnable:       Ticker{Iterations: 3, IntervalSeconds: 1.5},
		Status:         StatusPending,
		Title:          &title,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestTask_UnknownRunnableTagFailsDecode(t *testing.T) {
	raw := []byte(`{
		"id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"conversation_id": "6ba7b811-9dad-11d1-80b4-00c04fd430c8",
		"runnable": {"type": "selfdestruct"},
		"status": "PENDING",
		"created_at": "2026-01-01T00:00:00Z",
		"updated_at": "2026-01-01T00:00:00Z"
	}`)

	var decoded Task
	err := json.Unmarshal(raw, &decoded)
	assert.ErrorIs(t, err, variant.ErrUnknownKind)
}

func TestRunnableKinds(t *testing.T) {
	assert.Equal(t, []string{KindPrompt, KindTicker, KindWait}, RunnableKinds())
}

// ABOUTME: Tests for the remote broker against a real server over httptest
// ABOUTME: Includes the local/remote parity scenario and firehose failure modes

package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/local"
	"github.com/2389/parley/internal/server"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
	"github.com/2389/parley/internal/workspace"
)

const testSecret = "remote-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupRemote spins up a full stack: local broker, HTTP server, remote
// broker pointed at it.
func setupRemote(t *testing.T) *Broker {
	t.Helper()
	logger := discardLogger()

	localBroker, err := local.NewBroker(local.Options{
		WorkspaceRoot: t.TempDir(),
		Logger:        logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, localBroker.Shutdown(context.Background(), time.Second))
	})

	verifier := auth.NewJWTVerifier([]byte(testSecret))
	srv := server.NewServer(server.Options{
		Broker:       localBroker,
		Verifier:     verifier,
		DestroyGrace: time.Second,
		Logger:       logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := verifier.Generate("admin", time.Minute)
	require.NoError(t, err)

	remoteBroker := NewBroker(Options{
		BaseURL:         ts.URL,
		Token:           token,
		FirehoseRetries: 2,
		FirehoseBackoff: 50 * time.Millisecond,
		Logger:          logger,
	})
	t.Cleanup(func() {
		require.NoError(t, remoteBroker.Shutdown(context.Background(), time.Second))
	})
	return remoteBroker
}

func awaitReady(t *testing.T, c conversation.Conversation) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status() == conversation.StatusReady
	}, 2*time.Second, 10*time.Millisecond)
}

// scenarioResult captures everything observable from one operation
// sequence, for comparing backends.
type scenarioResult struct {
	taskStatus    task.Status
	taskProgress  float64
	taskCode      string
	cancelRefused bool
	eventCount    int
	fileContent   string
	fileCount     int
	deleted       bool
	destroyed     bool
	destroyAgain  bool
}

// runScenario drives the same operation sequence against any broker.
func runScenario(t *testing.T, b conversation.Broker) scenarioResult {
	t.Helper()
	ctx := context.Background()
	var res scenarioResult

	c, err := b.CreateConversation(ctx, agent.Config{Name: "echo"})
	require.NoError(t, err)
	awaitReady(t, c)

	done, err := c.RunTask(ctx, task.Ticker{Iterations: 2}, nil, 0)
	require.NoError(t, err)
	res.taskStatus = done.Status
	if done.Progress != nil {
		res.taskProgress = *done.Progress
	}
	if done.Code != nil {
		res.taskCode = *done.Code
	}

	waiting, err := c.CreateTask(ctx, task.Wait{Seconds: 30}, nil, 0)
	require.NoError(t, err)
	refused, err := c.CancelTask(ctx, waiting.ID)
	require.NoError(t, err)
	res.cancelRefused = !refused

	_, err = c.TriggerEvent(ctx, event.TextReply{Author: "tester", Text: "parity"})
	require.NoError(t, err)
	res.eventCount, err = c.CountEvents(ctx)
	require.NoError(t, err)

	_, err = c.CreateDir(ctx, "docs")
	require.NoError(t, err)
	_, err = c.SaveFile(ctx, "docs/note.txt", strings.NewReader("same bytes"))
	require.NoError(t, err)
	rc, info, err := c.LoadFile(ctx, "docs/note.txt")
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.NotEmpty(t, info.MimeType)
	res.fileContent = string(content)
	res.fileCount, err = c.CountFiles(ctx, workspace.FileFilter{})
	require.NoError(t, err)
	res.deleted, err = c.DeleteFile(ctx, "docs/note.txt")
	require.NoError(t, err)

	res.destroyed, err = b.DestroyConversation(ctx, c.ID(), time.Second)
	require.NoError(t, err)
	res.destroyAgain, err = b.DestroyConversation(ctx, c.ID(), time.Second)
	require.NoError(t, err)
	return res
}

func TestParity_LocalAndRemote(t *testing.T) {
	localBroker, err := local.NewBroker(local.Options{
		WorkspaceRoot: t.TempDir(),
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, localBroker.Shutdown(context.Background(), time.Second))
	})

	localRes := runScenario(t, localBroker)
	remoteRes := runScenario(t, setupRemote(t))

	assert.Equal(t, localRes, remoteRes)
	assert.Equal(t, task.StatusCompleted, remoteRes.taskStatus)
	assert.Equal(t, 1.0, remoteRes.taskProgress)
	assert.Equal(t, "tick 2/2", remoteRes.taskCode)
	assert.True(t, remoteRes.cancelRefused)
	assert.Equal(t, "same bytes", remoteRes.fileContent)
	assert.True(t, remoteRes.destroyed)
	assert.False(t, remoteRes.destroyAgain)
}

func TestRemote_ErrorsMapToSentinels(t *testing.T) {
	b := setupRemote(t)
	ctx := context.Background()

	_, err := b.GetConversation(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)

	c, err := b.CreateConversation(ctx, agent.Config{})
	require.NoError(t, err)
	awaitReady(t, c)

	_, err = c.GetTask(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = c.CreateFile(ctx, "../escape.txt")
	require.ErrorIs(t, err, workspace.ErrPathEscapes)

	destroyed, err := b.DestroyConversation(ctx, c.ID(), time.Second)
	require.NoError(t, err)
	require.True(t, destroyed)

	_, err = c.CreateTask(ctx, task.Ticker{Iterations: 1}, nil, 0)
	require.ErrorIs(t, err, conversation.ErrNotReady)
}

func TestRemote_ListenerScopedToConversation(t *testing.T) {
	b := setupRemote(t)
	ctx := context.Background()

	c1, err := b.CreateConversation(ctx, agent.Config{})
	require.NoError(t, err)
	c2, err := b.CreateConversation(ctx, agent.Config{})
	require.NoError(t, err)
	awaitReady(t, c1)
	awaitReady(t, c2)

	var mu sync.Mutex
	var seen []uuid.UUID
	id := c1.AddListener(conversation.ListenerFunc(func(ctx context.Context, ev event.Event) {
		mu.Lock()
		seen = append(seen, ev.ConversationID)
		mu.Unlock()
	}))
	defer c1.RemoveListener(id)

	_, err = c2.TriggerEvent(ctx, event.TextReply{Text: "other conversation"})
	require.NoError(t, err)
	_, err = c1.TriggerEvent(ctx, event.TextReply{Text: "this conversation"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{c1.ID()}, seen)
}

func TestRemote_BrokerListenerSeesFirehose(t *testing.T) {
	b := setupRemote(t)
	ctx := context.Background()

	var mu sync.Mutex
	var created []uuid.UUID
	var kinds []string
	id := b.AddListener(conversation.BrokerListenerFuncs{
		AfterCreate: func(ctx context.Context, info conversation.Info) {
			mu.Lock()
			created = append(created, info.ID)
			mu.Unlock()
		},
		Event: func(ctx context.Context, ev event.Event) {
			mu.Lock()
			kinds = append(kinds, ev.Detail.Kind())
			mu.Unlock()
		},
	})
	defer b.RemoveListener(id)

	c, err := b.CreateConversation(ctx, agent.Config{})
	require.NoError(t, err)
	awaitReady(t, c)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{c.ID()}, created)
	assert.Contains(t, kinds, event.KindStatusChanged)
}

func TestFirehose_SurfacesTerminalFailure(t *testing.T) {
	logger := discardLogger()
	localBroker, err := local.NewBroker(local.Options{
		WorkspaceRoot: t.TempDir(),
		Logger:        logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, localBroker.Shutdown(context.Background(), time.Second))
	})

	srv := server.NewServer(server.Options{Broker: localBroker, Logger: logger})
	ts := httptest.NewServer(srv.Handler())

	b := NewBroker(Options{
		BaseURL:         ts.URL,
		FirehoseRetries: 2,
		FirehoseBackoff: 20 * time.Millisecond,
		Logger:          logger,
	})
	t.Cleanup(func() {
		require.NoError(t, b.Shutdown(context.Background(), time.Second))
	})

	var mu sync.Mutex
	var failures []string
	b.AddListener(conversation.BrokerListenerFuncs{
		Event: func(ctx context.Context, ev event.Event) {
			if sc, ok := ev.Detail.(event.StatusChanged); ok && sc.Status == "ERROR" {
				mu.Lock()
				failures = append(failures, sc.Message)
				mu.Unlock()
			}
		},
	})

	// Wait for the lazy connection, then kill the server so every
	// reconnect attempt fails.
	time.Sleep(100 * time.Millisecond)
	ts.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

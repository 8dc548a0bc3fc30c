// ABOUTME: Task execution for the local conversation: one goroutine per task
// ABOUTME: Cooperative cancel via per-task contexts, forced kill via the base context

package local

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
)

// CreateTask submits the runnable for asynchronous execution. The
// conversation must be READY.
func (c *Conversation) CreateTask(ctx context.Context, r task.Runnable, title *string, delay time.Duration) (task.Task, error) {
	t, _, err := c.startTask(ctx, r, title, delay)
	return t, err
}

// RunTask is CreateTask plus waiting for the task to exit; it returns the
// final task.
func (c *Conversation) RunTask(ctx context.Context, r task.Runnable, title *string, delay time.Duration) (task.Task, error) {
	t, lt, err := c.startTask(ctx, r, title, delay)
	if err != nil {
		return task.Task{}, err
	}
	select {
	case <-lt.done:
	case <-ctx.Done():
		return task.Task{}, ctx.Err()
	}
	return c.tasks.Read(ctx, t.ID)
}

func (c *Conversation) startTask(ctx context.Context, r task.Runnable, title *string, delay time.Duration) (task.Task, *liveTask, error) {
	if c.Status() != conversation.StatusReady {
		return task.Task{}, nil, conversation.ErrNotReady
	}

	now := time.Now()
	t := task.Task{
		ConversationID: c.id,
		Runnable:       r,
		Status:         task.StatusRunning,
		Title:          title,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if delay > 0 {
		t.Status = task.StatusPending
	}

	id, err := c.tasks.Create(ctx, t)
	if err != nil {
		return task.Task{}, nil, err
	}
	t.ID = id

	runCtx := c.base
	cancelRun := func() {}
	if r.Cancellable() {
		runCtx, cancelRun = context.WithCancel(c.base)
	}
	lt := &liveTask{
		id:          id,
		cancellable: r.Cancellable(),
		cancelRun:   cancelRun,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.live[id] = lt
	c.mu.Unlock()

	metrics.TasksStarted.WithLabelValues(r.Kind()).Inc()
	c.logger.Info("task submitted",
		"task_id", id,
		"kind", r.Kind(),
		"delay", delay)

	go c.execute(runCtx, lt, t, delay)
	return t, lt, nil
}

// execute drives one task from submission to a terminal status. It always
// closes the live entry's done channel, so waiters never hang.
func (c *Conversation) execute(ctx context.Context, lt *liveTask, t task.Task, delay time.Duration) {
	defer func() {
		c.mu.Lock()
		delete(c.live, lt.id)
		c.mu.Unlock()
		close(lt.done)
	}()

	if delay > 0 {
		if err := sleepFor(ctx, delay); err != nil {
			c.finishTask(lt.id, task.StatusCancelled, nil)
			return
		}
		if !c.markRunning(lt.id) {
			return
		}
	}

	err := t.Runnable.Run(ctx, &runContext{conv: c, taskID: lt.id})

	final := task.StatusCompleted
	var code *string
	switch {
	case err == nil:
		// A runnable that finished after a cancel request still exits as
		// cancelled; the request wins.
		if cur, rerr := c.tasks.Read(context.Background(), lt.id); rerr == nil && cur.Status == task.StatusCancelling {
			final = task.StatusCancelled
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		final = task.StatusCancelled
	default:
		final = task.StatusError
		msg := err.Error()
		code = &msg
	}
	c.finishTask(lt.id, final, code)
}

// markRunning flips a delayed task from PENDING to RUNNING. Returns false
// if the task was cancelled while it waited.
func (c *Conversation) markRunning(id uuid.UUID) bool {
	ctx := context.Background()
	c.taskMu.Lock()
	t, err := c.tasks.Read(ctx, id)
	if err != nil || t.Status != task.StatusPending {
		c.taskMu.Unlock()
		if err == nil && t.Status == task.StatusCancelling {
			c.finishTask(id, task.StatusCancelled, nil)
		}
		return false
	}
	t.Status = task.StatusRunning
	t.UpdatedAt = time.Now()
	err = c.tasks.Update(ctx, t)
	c.taskMu.Unlock()
	if err != nil {
		c.logger.Warn("marking task running", "task_id", id, "error", err)
		return false
	}
	c.emitTaskProgress(ctx, t)
	return true
}

// finishTask records the terminal status unless the task already reached
// one, then emits the final task-progress event.
func (c *Conversation) finishTask(id uuid.UUID, status task.Status, code *string) {
	ctx := context.Background()
	c.taskMu.Lock()
	t, err := c.tasks.Read(ctx, id)
	if err != nil || t.Status.Terminal() {
		c.taskMu.Unlock()
		return
	}
	t.Status = status
	if code != nil {
		t.Code = code
	}
	t.UpdatedAt = time.Now()
	err = c.tasks.Update(ctx, t)
	c.taskMu.Unlock()
	if err != nil {
		c.logger.Warn("finishing task", "task_id", id, "error", err)
		return
	}

	metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	c.logger.Info("task finished", "task_id", id, "status", status)
	c.emitTaskProgress(ctx, t)
}

// updateProgress applies a ReportProgress callback. Updates are dropped
// unless the task is still RUNNING.
func (c *Conversation) updateProgress(ctx context.Context, id uuid.UUID, code string, progress float64) {
	c.taskMu.Lock()
	t, err := c.tasks.Read(ctx, id)
	if err != nil || t.Status != task.StatusRunning {
		c.taskMu.Unlock()
		return
	}
	t.Code = &code
	t.Progress = &progress
	t.UpdatedAt = time.Now()
	err = c.tasks.Update(ctx, t)
	c.taskMu.Unlock()
	if err != nil {
		c.logger.Warn("updating task progress", "task_id", id, "error", err)
		return
	}
	c.emitTaskProgress(ctx, t)
}

func (c *Conversation) emitTaskProgress(ctx context.Context, t task.Task) {
	_, err := c.TriggerEvent(ctx, event.TaskProgress{
		TaskID:   t.ID,
		Status:   string(t.Status),
		Code:     t.Code,
		Progress: t.Progress,
	})
	if err != nil {
		c.logger.Warn("emitting task progress event", "task_id", t.ID, "error", err)
	}
}

func (c *Conversation) GetTask(ctx context.Context, id uuid.UUID) (task.Task, error) {
	return c.tasks.Read(ctx, id)
}

func (c *Conversation) SearchTasks(ctx context.Context, pageID string) (storage.Page[task.Task], error) {
	return c.tasks.Search(ctx, nil, pageID)
}

func (c *Conversation) CountTasks(ctx context.Context) (int, error) {
	return c.tasks.Count(ctx, nil)
}

// CancelTask requests cooperative cancellation. It returns false if the
// task is absent, already terminal, or not cancellable; otherwise it waits
// for the task's execution to exit and returns true.
func (c *Conversation) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	lt, ok, err := c.requestCancel(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if lt == nil {
		// Execution already exited between the store read and now.
		return true, nil
	}
	select {
	case <-lt.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// requestCancel flips the task to CANCELLING and cancels its run context,
// without waiting for the execution to exit.
func (c *Conversation) requestCancel(ctx context.Context, id uuid.UUID) (*liveTask, bool, error) {
	c.taskMu.Lock()
	t, err := c.tasks.Read(ctx, id)
	if err != nil {
		c.taskMu.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if t.Status.Terminal() || !t.Runnable.Cancellable() {
		c.taskMu.Unlock()
		return nil, false, nil
	}
	alreadyCancelling := t.Status == task.StatusCancelling
	if !alreadyCancelling {
		t.Status = task.StatusCancelling
		t.UpdatedAt = time.Now()
		if err := c.tasks.Update(ctx, t); err != nil {
			c.taskMu.Unlock()
			return nil, false, err
		}
	}
	c.taskMu.Unlock()

	if !alreadyCancelling {
		c.emitTaskProgress(ctx, t)
	}

	c.mu.RLock()
	lt := c.live[id]
	c.mu.RUnlock()
	if lt != nil {
		c.logger.Info("cancelling task", "task_id", id)
		lt.cancelRun()
	}
	return lt, true, nil
}

// Destroy shuts the conversation down: cancellable tasks are asked to
// cancel, live tasks get up to grace to exit, stragglers are forcibly
// terminated by cancelling the base context.
func (c *Conversation) Destroy(ctx context.Context, grace time.Duration) error {
	var err error
	c.destroyOnce.Do(func() { err = c.destroy(ctx, grace) })
	return err
}

func (c *Conversation) destroy(ctx context.Context, grace time.Duration) error {
	c.setStatus(ctx, conversation.StatusDestroying, "")
	c.logger.Info("destroying conversation", "grace", grace)

	// Ask every live cancellable task to stop.
	pageID := ""
	for {
		page, err := c.tasks.Search(ctx, func(t task.Task) bool {
			return !t.Status.Terminal() && t.Runnable.Cancellable()
		}, pageID)
		if err != nil {
			return err
		}
		for _, t := range page.Results {
			if _, _, err := c.requestCancel(ctx, t.ID); err != nil {
				c.logger.Warn("cancelling task during destroy", "task_id", t.ID, "error", err)
			}
		}
		if page.NextPageID == nil {
			break
		}
		pageID = *page.NextPageID
	}

	c.agent.Stop()

	c.mu.RLock()
	waiting := make([]*liveTask, 0, len(c.live))
	for _, lt := range c.live {
		waiting = append(waiting, lt)
	}
	c.mu.RUnlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	forced := false
	for _, lt := range waiting {
		select {
		case <-lt.done:
			continue
		case <-deadline.C:
			forced = true
		}
		if forced {
			break
		}
	}

	if forced {
		c.logger.Warn("grace elapsed, forcing task termination")
		c.baseCancel()
		for _, lt := range waiting {
			select {
			case <-lt.done:
			default:
				c.finishTask(lt.id, task.StatusCancelled, nil)
			}
		}
	}
	c.baseCancel()

	if err := c.ws.Remove(); err != nil {
		c.logger.Warn("removing workspace", "error", err)
	}
	c.setStatus(ctx, conversation.StatusDestroyed, "")
	if err := c.tasks.Close(); err != nil {
		c.logger.Warn("closing task store", "error", err)
	}
	if err := c.events.Close(); err != nil {
		c.logger.Warn("closing event store", "error", err)
	}
	metrics.ConversationsLive.Dec()
	c.logger.Info("conversation destroyed", "forced", forced)
	return nil
}

// runContext is the RunContext handed to runnables.
type runContext struct {
	conv   *Conversation
	taskID uuid.UUID
}

func (rc *runContext) ReportProgress(ctx context.Context, code string, progress float64) {
	rc.conv.updateProgress(ctx, rc.taskID, code, progress)
}

func (rc *runContext) TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error) {
	return rc.conv.TriggerEvent(ctx, detail)
}

func (rc *runContext) Prompter() task.Prompter {
	return &prompter{conv: rc.conv}
}

// prompter adapts the agent collaborator to the narrow slice runnables use,
// currying in the owning conversation as the reply target.
type prompter struct {
	conv *Conversation
}

func (p *prompter) Prompt(ctx context.Context, text string) error {
	ev, err := p.conv.TriggerEvent(ctx, event.PromptReceived{Text: text})
	if err != nil {
		return err
	}
	if err := p.conv.agent.Prompt(ctx, text, p.conv); err != nil {
		return err
	}
	p.conv.markEventHandled(ctx, ev.ID)
	return nil
}

func (p *prompter) Stop() {
	p.conv.agent.Stop()
}

// sleepFor waits the duration or until the context is cancelled.
func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

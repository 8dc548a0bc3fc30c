// ABOUTME: Built-in runnable variants: Ticker, Wait, Prompt
// ABOUTME: New variants are added by registering a tag/decoder pair in runnable.go

package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ticker emits periodic progress ticks. Mostly useful for exercising the
// task machinery and keeping listeners warm.
type Ticker struct {
	Iterations      int     `json:"iterations"`
	IntervalSeconds float64 `json:"interval_seconds"`
}

func (Ticker) Kind() string      { return KindTicker }
func (Ticker) Cancellable() bool { return true }

func (r Ticker) Run(ctx context.Context, rc RunContext) error {
	if r.Iterations <= 0 {
		return errors.New("ticker: iterations must be positive")
	}
	interval := time.Duration(r.IntervalSeconds * float64(time.Second))
	for i := 1; i <= r.Iterations; i++ {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
		code := fmt.Sprintf("tick %d/%d", i, r.Iterations)
		rc.ReportProgress(ctx, code, trunc2(float64(i)/float64(r.Iterations)))
	}
	return nil
}

// Wait sleeps for a fixed duration. Deliberately not cancellable: cancel
// requests against a Wait task always return false.
type Wait struct {
	Seconds float64 `json:"seconds"`
}

func (Wait) Kind() string      { return KindWait }
func (Wait) Cancellable() bool { return false }

func (r Wait) Run(ctx context.Context, rc RunContext) error {
	return sleep(ctx, time.Duration(r.Seconds*float64(time.Second)))
}

// Prompt forwards a user message to the agent collaborator, which replies
// asynchronously with text-reply events on the conversation.
type Prompt struct {
	Text string `json:"text"`
}

func (Prompt) Kind() string      { return KindPrompt }
func (Prompt) Cancellable() bool { return true }

func (r Prompt) Run(ctx context.Context, rc RunContext) error {
	prompter := rc.Prompter()
	if prompter == nil {
		return errors.New("prompt: no agent attached to conversation")
	}
	return prompter.Prompt(ctx, r.Text)
}

// sleep waits for d, honoring ctx. The ctx handed to a non-cancellable
// runnable is only cancelled on forced termination.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trunc2 truncates progress to two decimals so 2/3 reports as 0.66 and a
// finished run reports exactly 1.0.
func trunc2(v float64) float64 {
	return float64(int(v*100)) / 100
}

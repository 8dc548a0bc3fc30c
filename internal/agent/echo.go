// ABOUTME: EchoAgent is the development/test agent implementation
// ABOUTME: Replies to every prompt with a text-reply event echoing the input

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/2389/parley/internal/event"
)

// EchoAgent emits one text reply per prompt. Useful for driving the broker
// without a real model behind it.
type EchoAgent struct {
	cfg     Config
	stopped atomic.Bool
	logger  *slog.Logger
}

// NewEchoAgent creates an echo agent with the given config.
func NewEchoAgent(cfg Config) *EchoAgent {
	return &EchoAgent{
		cfg:    cfg,
		logger: slog.Default().With("component", "agent", "agent", "echo"),
	}
}

// EchoFactory is a Factory producing EchoAgents regardless of config name.
func EchoFactory(cfg Config) (Agent, error) {
	return NewEchoAgent(cfg), nil
}

func (a *EchoAgent) Prompt(ctx context.Context, text string, conv Eventer) error {
	if a.stopped.Load() {
		return fmt.Errorf("agent stopped")
	}
	reply := event.TextReply{Author: a.author(), Text: text}
	if _, err := conv.TriggerEvent(ctx, reply); err != nil {
		return fmt.Errorf("emitting reply: %w", err)
	}
	a.logger.Debug("echoed prompt", "conversation_id", conv.ID(), "chars", len(text))
	return nil
}

// Stop marks the agent stopped. Echo has no in-flight work to interrupt, so
// subsequent prompts simply fail.
func (a *EchoAgent) Stop() {
	a.stopped.Store(true)
}

func (a *EchoAgent) author() string {
	if a.cfg.Name != "" {
		return a.cfg.Name
	}
	return "echo"
}

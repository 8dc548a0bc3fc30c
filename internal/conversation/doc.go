// Package conversation defines the abstract contracts of the broker core.
//
// # Overview
//
// A Conversation is the session against which all operations are invoked.
// It aggregates:
//
//   - an append-only, totally ordered event log
//   - a task log with a cooperative-cancellation status machine
//   - live listener registrations for event fan-out
//   - a sandboxed file namespace
//
// The Broker is the lifecycle authority: it creates, looks up, enumerates,
// and destroys conversations, and notifies broker-level listeners.
//
// # Backends
//
// Two implementations satisfy these identical interfaces:
//
//   - internal/local: in-process, built on goroutines and contexts
//   - internal/remote: a network client proxying every operation over HTTP,
//     with events arriving through one shared firehose websocket
//
// Callers are agnostic to which backs them; even the error taxonomy is
// shared, with stable wire codes (CodeFor/ErrFor) bridging the two.
//
// # Lifecycle
//
// Conversations move CREATING -> READY -> DESTROYING -> DESTROYED, with
// ERROR reachable from any non-terminal state. Tasks may only be created
// while READY. Destroy asks every cancellable task to cancel, waits up to a
// grace period, and forcibly terminates stragglers.
package conversation

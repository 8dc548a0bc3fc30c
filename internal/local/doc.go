// Package local is the in-process implementation of the conversation broker.
//
// # Overview
//
// Each conversation owns an event store, a task store, and a sandboxed
// workspace directory. Tasks execute on their own goroutines; cancellation
// is cooperative through per-task contexts, with the conversation's base
// context as the forced-termination lever of last resort.
//
// # Cancellation model
//
// A cancellable runnable runs under a context derived from the
// conversation's base context. CancelTask marks the task CANCELLING,
// cancels that derived context, and waits for the execution goroutine to
// exit. Non-cancellable runnables run directly on the base context, so a
// cancel request cannot reach them; only Destroy can, by cancelling the
// base context once the grace period elapses.
//
// # Destroy
//
// Destroy moves the conversation to DESTROYING, requests cancellation of
// every cancellable live task, waits up to the grace period for all live
// tasks, then cancels the base context and marks stragglers CANCELLED.
// The workspace directory is removed and the conversation lands in
// DESTROYED.
package local

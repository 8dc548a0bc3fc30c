// Package remote implements the broker and conversation contracts over the
// server's HTTP and websocket API.
//
// # Overview
//
// A remote Broker is constructed against a base URL and behaves like the
// local one: the same interfaces, the same error sentinels (reconstructed
// from the stable wire codes), the same observable event ordering. Code
// written against conversation.Broker cannot tell which backs it.
//
// # Firehose
//
// All listeners of one remote broker share a single /fire-hose websocket.
// The connection is dialed lazily when the first listener registers and
// dropped when the last one leaves. Unexpected disconnects are retried a
// fixed number of times with fixed backoff; exhausting the budget delivers
// a synthetic ERROR status event to every listener rather than failing
// silently. Inbound events are deduped by id, so a reconnect replaying
// recent history does not double-deliver.
//
// # Tasks
//
// RunTask submits the command and polls the task until it reaches a
// terminal status.
package remote

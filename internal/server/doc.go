// Package server exposes the conversation broker over HTTP and websocket.
//
// # Overview
//
// The REST surface mirrors the broker and conversation contracts one to
// one: conversation lifecycle, event log access, command (task) submission,
// and the sandboxed file namespace. Task routes live under the /command
// path segment.
//
// # Websockets
//
// Three websocket endpoints share one framing: outbound frames are events,
// inbound frames are command submissions.
//
//   - GET /conversation/{id} with an upgrade subscribes to one conversation
//   - GET /conversation with an upgrade creates a conversation and subscribes
//   - GET /fire-hose streams every event on every conversation (admin)
//
// Slow websocket consumers drop frames rather than stalling event fan-out.
//
// # Errors
//
// Every non-2xx response carries ErrorResponse with a stable code from the
// conversation package, so remote clients reconstruct the same error
// sentinels a same-process caller would see.
//
// # Admin surfaces
//
// Conversation listing, counting, and the firehose are gated behind a JWT
// bearer token when a verifier is configured.
package server

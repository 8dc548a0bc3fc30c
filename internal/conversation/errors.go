// ABOUTME: Error taxonomy shared by local and remote backends
// ABOUTME: Stable wire codes let remote clients react identically to local callers

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/variant"
	"github.com/2389/parley/internal/workspace"
)

// ErrNotReady is returned when an operation requires a READY conversation
// but it is in another state.
var ErrNotReady = errors.New("conversation is not ready")

// ErrShutdownTimeout is returned when a graceful shutdown ran out of grace.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Stable error codes carried on the wire. Remote clients map these back to
// the same sentinels a same-process caller would see.
const (
	CodeNotReady     = "conversation_not_ready"
	CodeNotFound     = "not_found"
	CodePathEscapes  = "path_escapes_workspace"
	CodeNotDirectory = "not_a_directory"
	CodeIsDirectory  = "is_a_directory"
	CodeUnknownKind  = "unknown_kind"
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// CodeFor maps an error to its stable wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, workspace.ErrPathEscapes):
		return CodePathEscapes
	case errors.Is(err, workspace.ErrNotDirectory):
		return CodeNotDirectory
	case errors.Is(err, workspace.ErrIsDirectory):
		return CodeIsDirectory
	case errors.Is(err, variant.ErrUnknownKind):
		return CodeUnknownKind
	default:
		return CodeInternal
	}
}

// ErrFor maps a wire code back to the matching sentinel, wrapped with the
// server-provided message. Unknown codes become plain errors.
func ErrFor(code, message string) error {
	var sentinel error
	switch code {
	case CodeNotReady:
		sentinel = ErrNotReady
	case CodeNotFound:
		sentinel = storage.ErrNotFound
	case CodePathEscapes:
		sentinel = workspace.ErrPathEscapes
	case CodeNotDirectory:
		sentinel = workspace.ErrNotDirectory
	case CodeIsDirectory:
		sentinel = workspace.ErrIsDirectory
	case CodeUnknownKind:
		sentinel = variant.ErrUnknownKind
	default:
		return fmt.Errorf("%s: %s", code, message)
	}
	if message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}

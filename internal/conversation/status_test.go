// ABOUTME: Tests for the conversation status machine
// ABOUTME: Transitions are monotonic; ERROR is reachable from any live state

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanAdvanceTo(t *testing.T) {
	all := []Status{StatusCreating, StatusReady, StatusDestroying, StatusDestroyed, StatusError}

	allowed := map[Status][]Status{
		StatusCreating:   {StatusReady, StatusDestroying, StatusError},
		StatusReady:      {StatusDestroying, StatusError},
		StatusDestroying: {StatusDestroyed, StatusError},
		StatusDestroyed:  {},
		StatusError:      {},
	}

	for from, nexts := range allowed {
		ok := make(map[Status]bool, len(nexts))
		for _, next := range nexts {
			ok[next] = true
		}
		for _, next := range all {
			assert.Equal(t, ok[next], from.CanAdvanceTo(next), "%s -> %s", from, next)
		}
	}
}

func TestStatus_ReadyNeverFollowsDestroying(t *testing.T) {
	// The create path defers its readiness write; it must be inert once a
	// destroy has begun.
	assert.False(t, StatusDestroying.CanAdvanceTo(StatusReady))
	assert.False(t, StatusDestroyed.CanAdvanceTo(StatusReady))
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDestroyed.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusCreating.Terminal())
	assert.False(t, StatusReady.Terminal())
	assert.False(t, StatusDestroying.Terminal())
}

// ABOUTME: Tests for the echo agent and TOML preset loading
// ABOUTME: Uses a fake Eventer to capture emitted replies

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/event"
)

type captureEventer struct {
	id      uuid.UUID
	details []event.Detail
}

func (c *captureEventer) ID() uuid.UUID { return c.id }

func (c *captureEventer) TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error) {
	c.details = append(c.details, detail)
	return event.Event{ID: uuid.New(), ConversationID: c.id, Detail: detail}, nil
}

func TestEchoAgent_EmitsTextReply(t *testing.T) {
	a := NewEchoAgent(Config{Name: "helper"})
	conv := &captureEventer{id: uuid.New()}

	require.NoError(t, a.Prompt(context.Background(), "hello there", conv))

	require.Len(t, conv.details, 1)
	reply, ok := conv.details[0].(event.TextReply)
	require.True(t, ok)
	assert.Equal(t, "hello there", reply.Text)
	assert.Equal(t, "helper", reply.Author)
}

func TestEchoAgent_StopRejectsFurtherPrompts(t *testing.T) {
	a := NewEchoAgent(Config{})
	a.Stop()

	err := a.Prompt(context.Background(), "anyone home?", &captureEventer{id: uuid.New()})
	assert.Error(t, err)
}

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[presets.default]
name = "echo"
instructions = "Be terse."

[presets.reviewer]
name = "echo"
model = "large"
`), 0o644))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, "Be terse.", presets["default"].Instructions)
	assert.Equal(t, "large", presets["reviewer"].Model)
}

func TestLoadPresets_MissingFileIsEmpty(t *testing.T) {
	presets, err := LoadPresets(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Empty(t, presets)
}

func TestPresets_Resolve(t *testing.T) {
	presets := Presets{"default": {Name: "echo", Instructions: "preset text"}}

	resolved := presets.Resolve(Config{Name: "default"})
	assert.Equal(t, "preset text", resolved.Instructions)

	resolved = presets.Resolve(Config{Name: "default", Instructions: "override"})
	assert.Equal(t, "override", resolved.Instructions)

	unknown := Config{Name: "custom", Model: "m"}
	assert.Equal(t, unknown, presets.Resolve(unknown))
}

// ABOUTME: Agent configuration passed to CreateConversation, plus TOML presets
// ABOUTME: Presets let operators name canned agent configs in a single file

package agent

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config selects and parameterizes the agent backing a conversation.
type Config struct {
	// Name selects the agent implementation ("echo" by default).
	Name string `json:"name" toml:"name"`
	// Model is the backing model identifier, if the agent uses one.
	Model string `json:"model,omitempty" toml:"model"`
	// Instructions is the system-prompt text handed to the agent.
	Instructions string `json:"instructions,omitempty" toml:"instructions"`
}

// Presets maps preset names to agent configs.
type Presets map[string]Config

// presetsFile is the TOML shape of a presets file:
//
//	[presets.default]
//	name = "echo"
//	instructions = "Be terse."
type presetsFile struct {
	Presets Presets `toml:"presets"`
}

// LoadPresets reads a TOML presets file. A missing path yields an empty set.
func LoadPresets(path string) (Presets, error) {
	if path == "" {
		return Presets{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Presets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent presets: %w", err)
	}
	var file presetsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing agent presets: %w", err)
	}
	if file.Presets == nil {
		file.Presets = Presets{}
	}
	return file.Presets, nil
}

// Resolve returns the preset with the given name, or the config unchanged
// when no preset matches.
func (p Presets) Resolve(cfg Config) Config {
	if preset, ok := p[cfg.Name]; ok {
		if cfg.Model != "" {
			preset.Model = cfg.Model
		}
		if cfg.Instructions != "" {
			preset.Instructions = cfg.Instructions
		}
		return preset
	}
	return cfg
}

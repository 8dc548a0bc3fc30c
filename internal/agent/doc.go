// Package agent defines the external collaborator contract and its presets.
//
// # Overview
//
// An Agent is the component that does the actual model work: the broker
// hands it user prompts and the agent asynchronously emits reply events
// back onto the conversation through the narrow Eventer slice. The broker
// never consumes anything beyond Prompt and Stop, so agent implementations
// can be swapped without touching conversation semantics.
//
// # Presets
//
// Agent presets are named configurations loaded from a TOML file:
//
//	[presets.default]
//	model = "gpt-5-mini"
//	instructions = "You are a helpful assistant."
//
// A conversation is created against a preset name plus optional field
// overrides; Presets.Resolve merges the two.
//
// # EchoAgent
//
// EchoAgent is the built-in development implementation. It replies to every
// prompt with a single text-reply event echoing the input, which is enough
// to drive the full broker lifecycle in tests and demos.
package agent

// ABOUTME: AsyncAPI 3.0 document for the websocket surface
// ABOUTME: Event and command schemas are derived from the variant registries

package server

import (
	"net/http"

	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/task"
)

// handleAsyncAPI describes the websocket channels. The payload schemas are
// discriminated unions enumerating every registered detail and runnable tag,
// so the document tracks the registries without manual upkeep.
func (s *Server) handleAsyncAPI(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"asyncapi": "3.0.0",
		"info": map[string]any{
			"title":   "Parley",
			"version": "1.0.0",
		},
		"channels": map[string]any{
			"/": map[string]any{
				"address": "conversation/{conversation_id}",
				"parameters": map[string]any{
					"conversation_id": map[string]any{
						"type":        "string",
						"format":      "uuid",
						"description": "The UUID of the conversation.",
					},
				},
				"messages": map[string]any{
					"Event": map[string]any{
						"name":    "Event",
						"payload": eventSchema(),
					},
				},
				"operations": map[string]any{
					"CreateCommand": map[string]any{
						"name":    "CreateCommand",
						"payload": commandSchema(),
					},
				},
			},
		},
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func eventSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":              map[string]any{"type": "string", "format": "uuid"},
			"conversation_id": map[string]any{"type": "string", "format": "uuid"},
			"detail":          taggedUnion(event.DetailKinds()),
			"created_at":      map[string]any{"type": "string", "format": "date-time"},
			"handled_at":      map[string]any{"type": "string", "format": "date-time"},
		},
		"required": []string{"id", "conversation_id", "detail", "created_at"},
	}
}

func commandSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"runnable": taggedUnion(task.RunnableKinds()),
			"title":    map[string]any{"type": "string"},
			"delay":    map[string]any{"type": "number"},
		},
		"required": []string{"runnable"},
	}
}

// taggedUnion renders a discriminated union over the given type tags.
func taggedUnion(kinds []string) map[string]any {
	variants := make([]any, 0, len(kinds))
	for _, kind := range kinds {
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"const": kind},
			},
			"required": []string{"type"},
		})
	}
	return map[string]any{
		"discriminator": "type",
		"oneOf":         variants,
	}
}

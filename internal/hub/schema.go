// Package hub owns observer websocket connections and message routing.
//
// schema.go - inbound payload validation
//
// Every inbound payload is validated against a JSON schema before it is
// decoded and dispatched, so malformed observer traffic is rejected at
// the edge with a useful message instead of surfacing as zero-valued
// structs deeper in.

package hub

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

var inboundSchemas = map[string]*jsonschema.Resolved{}

func init() {
	agentID := &jsonschema.Schema{Type: "string", MinLength: intptr(1)}

	schemas := map[string]*jsonschema.Schema{
		InSpawnAgent: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name":       {Type: "string", MinLength: intptr(1)},
				"workingDir": {Type: "string", MinLength: intptr(1)},
				"backend":    {Type: "string", Enum: []any{"interactive", "batch-resume"}},
				"model":      {Type: "string"},
				"areaId":     {Type: "string"},
				"prompt":     {Type: "string"},
			},
			Required: []string{"name", "workingDir", "backend"},
		},
		InSendCommand: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"agentId": agentID,
				"command": {Type: "string", MinLength: intptr(1)},
			},
			Required: []string{"agentId", "command"},
		},
		InMoveAgent: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"agentId": agentID,
				"areaId":  {Type: "string"},
			},
			Required: []string{"agentId"},
		},
		InRenameAgent: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"agentId": agentID,
				"name":    {Type: "string", MinLength: intptr(1)},
			},
			Required: []string{"agentId", "name"},
		},
		InKillAgent:   agentIDSchema(),
		InStopAgent:   agentIDSchema(),
		InRemoveAgent: agentIDSchema(),
		InCreateDirectory: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name":       {Type: "string", MinLength: intptr(1)},
				"workingDir": {Type: "string", MinLength: intptr(1)},
				"backend":    {Type: "string", Enum: []any{"interactive", "batch-resume"}},
				"model":      {Type: "string"},
				"areaId":     {Type: "string"},
				"prompt":     {Type: "string"},
			},
			Required: []string{"name", "workingDir", "backend"},
		},
		InSyncAreas: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"areas": {
					Type: "array",
					Items: &jsonschema.Schema{
						Type: "object",
						Properties: map[string]*jsonschema.Schema{
							"id":       {Type: "string", MinLength: intptr(1)},
							"name":     {Type: "string", MinLength: intptr(1)},
							"kind":     {Type: "string"},
							"position": {Type: "string"},
						},
						Required: []string{"id", "name"},
					},
				},
			},
			Required: []string{"areas"},
		},
	}

	for msgType, schema := range schemas {
		resolved, err := schema.Resolve(nil)
		if err != nil {
			panic(fmt.Sprintf("invalid inbound schema for %s: %v", msgType, err))
		}
		inboundSchemas[msgType] = resolved
	}
}

func agentIDSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"agentId": {Type: "string", MinLength: intptr(1)},
		},
		Required: []string{"agentId"},
	}
}

// validatePayload checks payload against the schema for msgType. An
// unknown msgType reports itself as such so the caller can log-and-skip.
func validatePayload(msgType string, payload json.RawMessage) error {
	resolved, ok := inboundSchemas[msgType]
	if !ok {
		return fmt.Errorf("unknown message type: %s", msgType)
	}

	var value any
	if len(payload) == 0 {
		return fmt.Errorf("missing payload for %s", msgType)
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("malformed payload for %s: %w", msgType, err)
	}
	if err := resolved.Validate(value); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msgType, err)
	}
	return nil
}

func intptr(n int) *int { return &n }

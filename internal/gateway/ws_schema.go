package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound control frames are schema-checked before dispatch so a
// malformed frame is rejected with a precise reason instead of being
// half-applied.
type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	byType  map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("ws_frame", wsFrameSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.frame = frame

		types := map[string]string{
			"run":   wsRunFrameSchema,
			"steer": wsSteerFrameSchema,
			"abort": wsAbortFrameSchema,
		}
		wsSchemas.byType = make(map[string]*jsonschema.Schema, len(types))
		for name, schema := range types {
			compiled, err := jsonschema.CompileString("ws_frame_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.byType[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateWSFrame checks raw against the envelope schema and, when the
// frame type has a dedicated schema, against that too. Unknown types
// pass the envelope check; the dispatch switch rejects them.
func validateWSFrame(raw []byte, frameType string) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.frame.Validate(payload); err != nil {
		return err
	}
	if schema := wsSchemas.byType[frameType]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}

const wsFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "message": { "type": "string" },
    "reason": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsRunFrameSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsSteerFrameSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsAbortFrameSchema = `{
  "type": "object",
  "properties": {
    "reason": { "type": "string" }
  },
  "additionalProperties": true
}`

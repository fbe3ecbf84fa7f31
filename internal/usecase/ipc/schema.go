package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"omniclaw/internal/domain"
)

const messageSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["message", "task", "close"]},
    "text": {"type": "string"},
    "chatJid": {"type": "string"},
    "prompt": {"type": "string"},
    "schedule": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "message"}}},
      "then": {"required": ["text"], "properties": {"text": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"type": {"const": "task"}}},
      "then": {"required": ["prompt", "schedule"]}
    }
  ]
}`

// Validator checks IPC payloads against the message schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the IPC message schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ipc-message.json", strings.NewReader(messageSchema)); err != nil {
		return nil, fmt.Errorf("add ipc schema resource: %w", err)
	}
	compiled, err := compiler.Compile("ipc-message.json")
	if err != nil {
		return nil, fmt.Errorf("compile ipc schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Decode parses and validates one IPC payload.
func (v *Validator) Decode(data []byte) (domain.IPCMessage, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.IPCMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(raw); err != nil {
		return domain.IPCMessage{}, fmt.Errorf("schema validation failed: %w", err)
	}
	var msg domain.IPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.IPCMessage{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

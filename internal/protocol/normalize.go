package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema constrains the frame envelope before payload decoding.
// Payload shape is validated per-kind by the typed unmarshal; the schema
// catches frames that are not events at all.
const envelopeSchema = `{
	"type": "object",
	"required": ["type", "payload"],
	"properties": {
		"v":       {"type": "integer", "minimum": 1},
		"type":    {"type": "string", "minLength": 1},
		"ts":      {"type": "string"},
		"payload": {"type": "object"}
	}
}`

// ErrUnknownKind marks a frame whose type discriminant is not part of the
// event union. Unknown kinds are a protocol error: dropped with a diagnostic
// log, never fatal to the session.
var ErrUnknownKind = errors.New("unknown event kind")

type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Decoder turns raw frames into normalized events.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the envelope schema.
func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode validates the envelope and unmarshals the payload for the frame's
// kind. A nil error means the returned Event is one of the union's concrete
// types and safe to switch on exhaustively.
func (d *Decoder) Decode(raw []byte) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch Kind(env.Type) {
	case KindAssistantDelta:
		var ev AssistantDelta
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return ev, nil
	case KindToolResult:
		var ev ToolResult
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return ev, nil
	case KindToolProgress:
		var ev ToolProgress
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return ev, nil
	case KindFinalResult:
		var ev FinalResult
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return ev, nil
	case KindError:
		var ev ErrorEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return ev, nil
	case KindPermissionRequest:
		var ev PermissionRequest
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return ev, nil
	case KindActivityBatch:
		var ev ActivityBatch
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

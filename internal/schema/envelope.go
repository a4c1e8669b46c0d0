// Package schema implements the versioned-record registry: structural
// validation, pairwise migration composition, and a self-describing wire
// framing shared by every topic in the transport layer.
//
// The framing is deliberately simple JSON rather than a generated protobuf
// codec (see SPEC_FULL.md §4.1): an Envelope carries the logical entity-type and
// schema-version alongside an opaque JSON payload, so any tagged encoding
// that round-trips entity identity, enumerations, timestamps, and nested
// sequences satisfies the contract.
package schema

import (
	"encoding/json"
	"fmt"
)

// Entity type tags used as the first half of a registry key.
const (
	EntityNodeTelemetry    = "node-telemetry"
	EntityInferenceRequest = "inference-request"
	EntityTrainingJob      = "training-job"
)

// Envelope is the self-describing wire format every message carries.
// EntityType + SchemaVersion describe Payload; Payload is the entity
// encoded as JSON at SchemaVersion.
type Envelope struct {
	EntityType    string `json:"entity_type"`
	SchemaVersion int    `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode marshals value (at the given entity type and version) into a wire
// envelope ready to hand to the transport layer.
func Encode(entityType string, version int, value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("schema: encode %s payload: %w", entityType, err)
	}
	env := Envelope{EntityType: entityType, SchemaVersion: version, Payload: payload}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("schema: encode %s envelope: %w", entityType, err)
	}
	return out, nil
}

// DecodeEnvelope parses the outer framing only, without interpreting the
// payload — the registry needs EntityType/SchemaVersion to decide how to
// validate and migrate it.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("schema: decode envelope: %w", err)
	}
	if env.EntityType == "" {
		return Envelope{}, fmt.Errorf("schema: envelope missing entity_type")
	}
	return env, nil
}

// RawFields unmarshals an envelope's payload into a generic field map —
// the representation migrations and validators operate on, since a v1
// payload's field shapes can differ from the current Go struct.
func RawFields(env Envelope) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return nil, fmt.Errorf("schema: decode %s payload: %w", env.EntityType, err)
	}
	return fields, nil
}

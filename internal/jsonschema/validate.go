// Package jsonschema validates Kafka upsert/delta event payloads against
// embedded event schemas in the bridge consumers, before any row is
// batched; a payload that fails validation is logged and skipped. The
// HTTP ingestion endpoints do not use these schemas.
package jsonschema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator compiles the embedded schemas once at construction and
// reuses the compiled form for every request.
type Validator struct {
	upsertEvent *jsonschema.Schema
	deltaEvent  *jsonschema.Schema
}

func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := addEmbeddedResource(compiler, "schemas/upsert_event.json"); err != nil {
		return nil, err
	}
	if err := addEmbeddedResource(compiler, "schemas/delta_event.json"); err != nil {
		return nil, err
	}

	upsertEvent, err := compiler.Compile("schemas/upsert_event.json")
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile upsert_event: %w", err)
	}
	deltaEvent, err := compiler.Compile("schemas/delta_event.json")
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile delta_event: %w", err)
	}

	return &Validator{upsertEvent: upsertEvent, deltaEvent: deltaEvent}, nil
}

func addEmbeddedResource(compiler *jsonschema.Compiler, name string) error {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("jsonschema: read %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("jsonschema: parse %s: %w", name, err)
	}
	if err := compiler.AddResource(name, doc); err != nil {
		return fmt.Errorf("jsonschema: add resource %s: %w", name, err)
	}
	return nil
}

// ValidateUpsertEvent validates a decoded upsert event body.
func (v *Validator) ValidateUpsertEvent(doc any) error {
	return v.upsertEvent.Validate(doc)
}

// ValidateDeltaEvent validates a decoded delta event body.
func (v *Validator) ValidateDeltaEvent(doc any) error {
	return v.deltaEvent.Validate(doc)
}

// DecodeJSON is a convenience for handlers that have raw JSON bytes: it
// unmarshals into a plain map/slice shape, which is what jsonschema
// validates against.
func DecodeJSON(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jsonschema: invalid json: %w", err)
	}
	return doc, nil
}

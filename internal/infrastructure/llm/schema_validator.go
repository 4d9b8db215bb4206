package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/service"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// SchemaValidator wraps a compiled Draft-7 JSON Schema, shared read-only
// across every validation pipeline invocation after startup.
type SchemaValidator struct {
	compiled *jsonschema.Schema
	raw      map[string]interface{}
}

// LoadSchema loads a schema document from raw bytes. The loader accepts
// either a `{"name": ..., "schema": {...}}` wrapper or a raw Draft-7 schema
// document.
func LoadSchema(data []byte) (*SchemaValidator, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: invalid JSON: %w", err)
	}

	raw := doc
	if wrapped, ok := doc["schema"]; ok {
		if inner, ok := wrapped.(map[string]interface{}); ok {
			raw = inner
		}
	}

	rawBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("schema: re-marshal failed: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	const resourceURL = "email_triage_v2.json"
	if err := compiler.AddResource(resourceURL, bytesReader(rawBytes)); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}

	return &SchemaValidator{compiled: compiled, raw: raw}, nil
}

// Raw returns the unwrapped schema document, for attaching to a generate
// request as a structural constraint.
func (s *SchemaValidator) Raw() map[string]interface{} { return s.raw }

// Validate checks doc (already parsed into a generic map/slice tree) against
// the compiled schema and returns up to the first 10 formatted violations.
// Satisfies service.SchemaChecker.
func (s *SchemaValidator) Validate(doc interface{}) []service.SchemaViolation {
	err := s.compiled.Validate(doc)
	if err == nil {
		return nil
	}

	var out []service.SchemaViolation
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []service.SchemaViolation{{Path: "", Message: err.Error()}}
	}
	collectLeaves(ve, &out)
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]service.SchemaViolation) {
	if len(ve.Causes) == 0 {
		*out = append(*out, service.SchemaViolation{
			Path:    ve.InstanceLocation,
			Message: ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

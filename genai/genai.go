// Package genai wraps the generation models the analyzers call. Analyzers
// depend on the two narrow interfaces here, never on a concrete provider:
// a schema-constrained text call and a vision call over rendered pages.
// Both treat the model as a fallible, latency-bearing black box.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaViolation marks model output that did not decode into the
	// requested shape. Callers decide whether to retry.
	ErrSchemaViolation = errors.New("genai: response violates schema")

	// ErrNoModel is returned by a nil-configured client; stages degrade
	// to their error sentinel instead of crashing the pipeline.
	ErrNoModel = errors.New("genai: no model configured")
)

// Schema describes the JSON object shape a structured call must return.
// Properties follow JSON-schema vocabulary and are embedded into the
// prompt; Required is enforced on the response before it is trusted.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required,omitempty"`
}

// StructuredRequest is one schema-constrained generation call.
type StructuredRequest struct {
	System    string
	Prompt    string
	Schema    Schema
	MaxTokens int
}

// VisionRequest adds rendered page images to a structured call.
type VisionRequest struct {
	StructuredRequest
	Images    [][]byte
	ImageMIME string // e.g. "image/png"
}

// StructuredClient produces schema-conformant JSON from a text prompt.
type StructuredClient interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
}

// VisionClient produces schema-conformant JSON from images plus a prompt.
type VisionClient interface {
	GenerateVision(ctx context.Context, req VisionRequest) (json.RawMessage, error)
}

// ExtractJSON pulls the first JSON object out of a model reply. Models
// wrap JSON in markdown fences or prose despite instructions; strip the
// fences, then cut from the first '{' to the last '}'.
func ExtractJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrSchemaViolation)
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrSchemaViolation)
	}
	return raw, nil
}

// ValidateRequired checks that raw decodes to an object carrying every
// required key of the schema.
func ValidateRequired(raw json.RawMessage, schema Schema) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	for _, key := range schema.Required {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("%w: missing required key %q", ErrSchemaViolation, key)
		}
	}
	return nil
}

// PromptWithSchema renders the instruction block appended to every
// structured prompt: the schema as JSON plus the strict-output directive.
func PromptWithSchema(prompt string, schema Schema) string {
	spec, _ := json.MarshalIndent(map[string]any{
		"type":       "object",
		"properties": schema.Properties,
		"required":   schema.Required,
	}, "", "  ")

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nRespond with a single JSON object matching this schema")
	if schema.Name != "" {
		sb.WriteString(" (")
		sb.WriteString(schema.Name)
		sb.WriteString(")")
	}
	sb.WriteString(":\n")
	sb.Write(spec)
	sb.WriteString("\nReturn only the JSON object, no prose, no markdown fences.")
	return sb.String()
}

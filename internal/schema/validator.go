// Package schema validates prepared events against the canonical event
// schema (JSON Schema Draft-07). The schema is compiled once at startup;
// when compilation fails the pipeline runs without a validator (degraded
// mode) rather than refusing to start.
package schema

import (
	"fmt"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sebastian25gb/nubla-siem/internal/event"
)

// ValidationError is one schema violation with a dotted JSON path.
type ValidationError struct {
	Path    string
	Message string
}

// Validator wraps a compiled Draft-07 schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the schema at path.
func NewValidator(path string) (*Validator, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path %q: %w", path, err)
	}
	loader := gojsonschema.NewReferenceLoader("file://" + filepath.ToSlash(abs))
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", path, err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate returns the schema violations for e, nil when it conforms.
func (v *Validator) Validate(e *event.Event) []ValidationError {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(e))
	if err != nil {
		// The document could not be loaded at all; surface as a root error.
		return []ValidationError{{Path: "<root>", Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, ValidationError{Path: re.Field(), Message: re.Description()})
	}
	return errs
}

// TopErrors renders up to limit violations as "path: message" strings for
// rejection logs.
func TopErrors(errs []ValidationError, limit int) []string {
	if limit <= 0 || limit > len(errs) {
		limit = len(errs)
	}
	out := make([]string, 0, limit)
	for _, e := range errs[:limit] {
		path := e.Path
		if path == "" || path == "(root)" {
			path = "<root>"
		}
		out = append(out, path+": "+e.Message)
	}
	return out
}

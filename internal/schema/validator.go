// internal/schema/validator.go
// Package schema validates upload-init request payloads against the service's
// embedded JSON Schema before any semantic checks run. The schema is owned by
// this service and compiled once at startup.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
)

// initRequestSchema constrains the shape of POST /upload/init bodies.
// Size-limit and MIME-allowlist checks are configuration-dependent and stay
// in the handler; this schema covers structural validity only.
const initRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["filename", "fileSize", "mimeType"],
	"properties": {
		"filename": {
			"type": "string",
			"minLength": 1,
			"maxLength": 512
		},
		"fileSize": {
			"type": "integer",
			"minimum": 1
		},
		"mimeType": {
			"type": "string",
			"pattern": "^[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*$"
		},
		"platformId": {
			"type": "string",
			"maxLength": 128
		}
	}
}`

// Validator checks init requests against the compiled schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the embedded init-request schema.
func NewValidator() (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(initRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile init request schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// ValidateInit validates an init request. On failure it returns an error whose
// message lists every violated constraint, suitable for the error envelope's
// details field.
func (v *Validator) ValidateInit(req model.InitUploadRequest) error {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(req))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return fmt.Errorf("invalid init request: %s", strings.Join(msgs, "; "))
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// optionSchema describes the protocol options of a port. %s receives the
// required clause of the strict variant.
const optionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,%s
  "properties": {
    "format":    {"type": "string", "pattern": "^(?i:xml|raw|html|rest)$"},
    "method":    {"type": "string", "pattern": "^(?i:get|post)$"},
    "keepAlive": {"anyOf": [{"type": "integer"}, {"type": "string", "pattern": "^-?[0-9]+$"}]},
    "debug":     {"anyOf": [{"type": "integer"}, {"type": "boolean"}, {"type": "string", "pattern": "^-?[0-9]+$"}]},
    "default":   {"type": "string"}
  }
}`

var (
	schemaOnce   sync.Once
	looseSchema  *gojsonschema.Schema
	strictSchema *gojsonschema.Schema
	schemaErr    error
)

func loadSchemas() {
	looseSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(fmt.Sprintf(optionSchema, "")))
	if schemaErr != nil {
		return
	}
	strictSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(fmt.Sprintf(optionSchema, ` "required": ["format"],`)))
}

// ValidateOptions checks a port's option map. In strict mode the format
// option is required.
func ValidateOptions(opts map[string]any, strict bool) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return fmt.Errorf("compiling option schema: %w", schemaErr)
	}

	if opts == nil {
		opts = map[string]any{}
	}
	schema := looseSchema
	if strict {
		schema = strictSchema
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(opts))
	if err != nil {
		return fmt.Errorf("validating options: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New("invalid options: " + strings.Join(msgs, "; "))
}

package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// backendsSchema describes the canonical backends document. Unknown
// fields are rejected so that typos and unconverted legacy spellings
// surface at load time instead of being silently ignored.
const backendsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["mcpServers"],
  "additionalProperties": false,
  "properties": {
    "mcpServers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["transport"],
        "additionalProperties": false,
        "properties": {
          "transport": {"type": "string", "enum": ["stdio", "sse", "streamable-http"]},
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}},
          "cwd": {"type": "string"},
          "url": {"type": "string"},
          "headers": {"type": "object", "additionalProperties": {"type": "string"}},
          "auto_start": {"type": "boolean"},
          "instructions": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "legacy_sse_probe": {"type": "boolean"}
        }
      }
    }
  }
}`

// proxiesSchema describes the canonical proxies document.
const proxiesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["mcpProxies"],
  "additionalProperties": false,
  "properties": {
    "mcpProxies": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["backend_name", "endpoint", "transport"],
        "additionalProperties": false,
        "properties": {
          "backend_name": {"type": "string", "minLength": 1},
          "endpoint": {"type": "string", "pattern": "^/"},
          "transport": {"type": "string", "enum": ["sse", "streamable-http"]},
          "exposed_tools": {"type": "array", "items": {"type": "string"}},
          "instructions": {"type": "string"},
          "auto_start": {"type": "boolean"}
        }
      }
    }
  }
}`

// validateDocument checks a normalized document against its schema and
// folds every violation into one ErrInvalidConfig.
func validateDocument(doc []byte, schema, label string) error {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: failed to validate %s document: %v", ErrInvalidConfig, label, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		problems = append(problems, issue.String())
	}
	return fmt.Errorf("%w: %s document: %s", ErrInvalidConfig, label, strings.Join(problems, "; "))
}

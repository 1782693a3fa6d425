package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/kaptinlin/jsonschema"
)

// CompileSchema compiles a JSON schema used to validate a stage's
// structured output. Call once per stage at construction time.
func CompileSchema(schemaDoc string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(schemaDoc))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// DecodeStructured parses a reasoning-service reply that is supposed to
// be JSON matching schema, and unmarshals it into v. Models wrap JSON in
// code fences or emit trailing commas often enough that the raw text is
// repaired before being rejected.
func DecodeStructured(text string, schema *jsonschema.Schema, v interface{}) error {
	raw := stripFences(text)

	data := []byte(raw)
	if !json.Valid(data) {
		repaired, err := jsonrepair.JSONRepair(raw)
		if err != nil {
			return fmt.Errorf("unparseable structured output: %w", err)
		}
		data = []byte(repaired)
	}

	if schema != nil {
		result := schema.ValidateJSON(data)
		if !result.IsValid() {
			return fmt.Errorf("structured output failed schema validation: %v", result.Errors)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

// stripFences removes a markdown code fence around a JSON body, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

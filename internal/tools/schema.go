// internal/tools/schema.go
package tools

import (
	"bytes"

	json "github.com/json-iterator/go"
)

// Schema is a JSON Schema document describing a tool's input.
type Schema map[string]any

func object(required []string, props map[string]any) Schema {
	s := Schema{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string, extra ...any) map[string]any {
	p := map[string]any{"type": typ, "description": description}
	for i := 0; i+1 < len(extra); i += 2 {
		p[extra[i].(string)] = extra[i+1]
	}
	return p
}

func enum(description string, values ...string) map[string]any {
	return prop("string", description, "enum", values)
}

// Shared ref properties.
var (
	refProp     = prop("string", "Element reference from browser_snapshot")
	elementProp = prop("string", "Human-readable description of the element")
)

// decode unmarshals tool arguments. Empty or null arguments leave v untouched.
func decode(args json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func prettyJSON(v any) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(out)
}

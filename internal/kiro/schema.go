package kiro

// NormalizeToolSchema repairs tool input schemas before they reach the
// upstream. MCP clients occasionally send `required: null`,
// `properties: null` or a missing type, which the upstream rejects as an
// improperly formed request. A nil schema is replaced wholesale with a
// permissive empty object schema.
func NormalizeToolSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"required":             []string{},
			"additionalProperties": true,
		}
	}

	out := make(map[string]any, len(schema)+3)
	for k, v := range schema {
		out[k] = v
	}

	if t, ok := out["type"].(string); !ok || t == "" {
		out["type"] = "object"
	}

	if _, ok := out["properties"].(map[string]any); !ok {
		out["properties"] = map[string]any{}
	}

	switch raw := out["required"].(type) {
	case []string:
		// already well-formed
	case []any:
		required := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
		out["required"] = required
	default:
		out["required"] = []string{}
	}

	switch out["additionalProperties"].(type) {
	case bool, map[string]any:
	default:
		out["additionalProperties"] = true
	}

	return out
}

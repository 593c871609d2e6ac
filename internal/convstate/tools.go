package convstate

import (
	"github.com/tidwall/gjson"
)

var schemaStripKeys = map[string]bool{
	"$schema":     true,
	"$id":         true,
	"definitions": true,
	"examples":    true,
	"allOf":       true,
	"anyOf":       true,
	"oneOf":       true,
	"not":         true,
}

// compressSchema recursively strips keys upstream does not support while
// keeping validation keywords (min/max/pattern/etc).
func compressSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			if schemaStripKeys[k] {
				continue
			}
			out[k] = compressSchema(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = compressSchema(sub)
		}
		return out
	default:
		return v
	}
}

// buildTools filters, caps, and converts the declared tool list into the
// upstream ToolSpec shape. Built-in tools upstream already provides and
// tools on the removal list are dropped before the 25-tool cap is applied.
func buildTools(tools []gjson.Result) []ToolSpec {
	var specs []ToolSpec
	for _, t := range tools {
		name := t.Get("name").String()
		if name == "" {
			continue
		}
		if builtinToolAllowList[name] || toolRemovalList[name] {
			continue
		}
		if len(specs) >= maxTools {
			break
		}
		desc := t.Get("description").String()
		if len(desc) > toolDescriptionMaxLen {
			desc = desc[:toolDescriptionMaxLen]
		}
		var schema map[string]any
		if raw := t.Get("input_schema"); raw.Exists() {
			if m, ok := compressSchema(jsonValue(raw)).(map[string]any); ok {
				schema = m
			}
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		var spec ToolSpec
		spec.ToolSpecification.Name = name
		spec.ToolSpecification.Description = desc
		spec.ToolSpecification.InputSchema.JSON = schema
		specs = append(specs, spec)
	}
	return specs
}

// jsonValue materializes a gjson.Result into a plain any (map/slice/scalar)
// without going through a mirrored Go struct.
func jsonValue(r gjson.Result) any {
	switch {
	case r.IsObject():
		out := make(map[string]any)
		r.ForEach(func(k, v gjson.Result) bool {
			out[k.String()] = jsonValue(v)
			return true
		})
		return out
	case r.IsArray():
		var out []any
		r.ForEach(func(_, v gjson.Result) bool {
			out = append(out, jsonValue(v))
			return true
		})
		return out
	case r.Type == gjson.String:
		return r.String()
	case r.Type == gjson.Number:
		return r.Num
	case r.Type == gjson.True, r.Type == gjson.False:
		return r.Bool()
	default:
		return nil
	}
}

func truncateToolResult(text string) string {
	b := []byte(text)
	if len(b) <= toolResultMaxBytes {
		return text
	}
	return string(b[:toolResultMaxBytes]) + "\n...[truncated]"
}

func toolInputMap(r gjson.Result) map[string]any {
	if m, ok := jsonValue(r).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func renameForward(toolName string, input map[string]any) map[string]any {
	mapping, ok := forwardParamRename[toolName]
	if !ok {
		return input
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if renamed, ok1 := mapping[k]; ok1 {
			out[renamed] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// RenameReverse undoes forwardParamRename for a completed tool call so the
// stream translator (C3) emits parameter names the client recognizes.
func RenameReverse(toolName string, input map[string]any) map[string]any {
	mapping, ok := reverseParamRename[toolName]
	if !ok {
		return input
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if renamed, ok1 := mapping[k]; ok1 {
			out[renamed] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// Package translator holds the stateless wire-format mappings between
// the OpenAI chat, Anthropic messages and Gemini generateContent
// protocols and the upstream v1internal request shape.
package translator

import "strings"

// schemaAllowedKeys is the subset of JSON-schema keywords the upstream
// function-calling API accepts. Everything else is stripped.
var schemaAllowedKeys = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"format":      true,
	"nullable":    true,
}

// CleanSchema strips unsupported JSON-schema keywords and uppercases
// type values, recursing through properties and items. The operation is
// idempotent.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for key, value := range schema {
		if !schemaAllowedKeys[key] {
			continue
		}
		switch key {
		case "type":
			if s, ok := value.(string); ok {
				out[key] = strings.ToUpper(s)
			} else {
				out[key] = value
			}
		case "properties":
			props, ok := value.(map[string]interface{})
			if !ok {
				out[key] = value
				continue
			}
			cleaned := make(map[string]interface{}, len(props))
			for name, sub := range props {
				if m, ok := sub.(map[string]interface{}); ok {
					cleaned[name] = CleanSchema(m)
				} else {
					cleaned[name] = sub
				}
			}
			out[key] = cleaned
		case "items":
			if m, ok := value.(map[string]interface{}); ok {
				out[key] = CleanSchema(m)
			} else {
				out[key] = value
			}
		default:
			out[key] = value
		}
	}
	return out
}

// safetySettings disables all upstream harm filtering; callers apply
// their own policies.
func safetySettings() []map[string]interface{} {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
		"HARM_CATEGORY_CIVIC_INTEGRITY",
	}
	out := make([]map[string]interface{}, 0, len(categories))
	for _, c := range categories {
		out = append(out, map[string]interface{}{"category": c, "threshold": "OFF"})
	}
	return out
}

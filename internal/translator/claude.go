package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ClaudeMessagesToGemini maps an Anthropic messages request body to the
// upstream inner generateContent request.
func ClaudeMessagesToGemini(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid request body")
	}
	root := gjson.ParseBytes(body)

	var systemTexts []string
	if system := root.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			systemTexts = append(systemTexts, system.String())
		} else if system.IsArray() {
			system.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					systemTexts = append(systemTexts, block.Get("text").String())
				}
				return true
			})
		}
	}

	var contents []map[string]interface{}
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		parts := claudeMessageParts(msg.Get("content"))
		if len(parts) == 0 {
			return true
		}
		gRole := "user"
		if msg.Get("role").String() == "assistant" {
			gRole = "model"
		}
		contents = append(contents, map[string]interface{}{"role": gRole, "parts": parts})
		return true
	})

	genConfig := map[string]interface{}{
		"maxOutputTokens": int64(defaultMaxOutputTokens),
		"temperature":     1.0,
	}
	if v := root.Get("max_tokens"); v.Int() > 0 {
		genConfig["maxOutputTokens"] = v.Int()
	}
	if v := root.Get("temperature"); v.Float() != 0 {
		genConfig["temperature"] = v.Float()
	}
	if v := root.Get("top_p"); v.Float() != 0 {
		genConfig["topP"] = v.Float()
	}
	if v := root.Get("top_k"); v.Exists() {
		genConfig["topK"] = v.Int()
	}
	if root.Get("thinking.type").String() == "enabled" {
		budget := root.Get("thinking.budget_tokens").Int()
		if budget == 0 {
			budget = 10000
		}
		genConfig["thinkingConfig"] = map[string]interface{}{"thinkingBudget": budget}
	}

	inner := map[string]interface{}{
		"contents":         contents,
		"generationConfig": genConfig,
		"safetySettings":   safetySettings(),
	}
	if len(systemTexts) > 0 {
		inner["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{{"text": strings.Join(systemTexts, "\n")}},
		}
	}

	if tools := claudeTools(root.Get("tools")); len(tools) > 0 {
		inner["tools"] = tools
	}

	return json.Marshal(inner)
}

// claudeMessageParts converts one message's content into Gemini parts.
func claudeMessageParts(content gjson.Result) []interface{} {
	var parts []interface{}
	if content.Type == gjson.String {
		if text := content.String(); text != "" {
			parts = append(parts, map[string]interface{}{"text": text})
		}
		return parts
	}

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				parts = append(parts, map[string]interface{}{"text": text})
			}
		case "thinking":
			if text := block.Get("thinking").String(); text != "" {
				parts = append(parts, map[string]interface{}{"text": text, "thought": true})
			}
		case "image":
			if block.Get("source.type").String() == "base64" {
				mime := block.Get("source.media_type").String()
				if mime == "" {
					mime = "image/jpeg"
				}
				parts = append(parts, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mimeType": mime,
						"data":     block.Get("source.data").String(),
					},
				})
			}
		case "tool_use":
			input := map[string]interface{}{}
			if raw := block.Get("input").Raw; raw != "" {
				_ = json.Unmarshal([]byte(raw), &input)
			}
			parts = append(parts, map[string]interface{}{
				"functionCall": map[string]interface{}{
					"name": block.Get("name").String(),
					"args": input,
				},
			})
		case "tool_result":
			result := ""
			if c := block.Get("content"); c.Type == gjson.String {
				result = c.String()
			} else if c.Exists() {
				result = c.Raw
			}
			parts = append(parts, map[string]interface{}{
				"functionResponse": map[string]interface{}{
					"name":     "tool",
					"response": map[string]interface{}{"result": result},
				},
			})
		}
		return true
	})
	return parts
}

// claudeTools maps Anthropic tool definitions; web-search server tools
// become a googleSearch entry appended after the function declarations.
func claudeTools(tools gjson.Result) []map[string]interface{} {
	var decls []map[string]interface{}
	googleSearch := false

	tools.ForEach(func(_, tool gjson.Result) bool {
		toolType := tool.Get("type").String()
		name := tool.Get("name").String()
		if strings.HasPrefix(toolType, "web_search") || name == "web_search" {
			googleSearch = true
			return true
		}

		decl := map[string]interface{}{
			"name":        name,
			"description": tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			m := map[string]interface{}{}
			if err := json.Unmarshal([]byte(schema.Raw), &m); err == nil {
				decl["parameters"] = CleanSchema(m)
			}
		}
		decls = append(decls, decl)
		return true
	})

	var out []map[string]interface{}
	if len(decls) > 0 {
		out = append(out, map[string]interface{}{"functionDeclarations": decls})
	}
	if googleSearch {
		out = append(out, map[string]interface{}{"googleSearch": map[string]interface{}{}})
	}
	return out
}

// GeminiToClaudeResponse maps an unwrapped upstream response to an
// Anthropic messages response.
func GeminiToClaudeResponse(resp []byte, model string) ([]byte, error) {
	root := gjson.ParseBytes(resp)

	var blocks []map[string]interface{}
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("thought").Bool():
			blocks = append(blocks, map[string]interface{}{
				"type": "thinking",
				"text": part.Get("text").String(),
			})
		case part.Get("text").Exists():
			blocks = append(blocks, map[string]interface{}{
				"type": "text",
				"text": part.Get("text").String(),
			})
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			input := map[string]interface{}{}
			if raw := fc.Get("args").Raw; raw != "" {
				_ = json.Unmarshal([]byte(raw), &input)
			}
			blocks = append(blocks, map[string]interface{}{
				"type":  "tool_use",
				"id":    "toolu_" + shortID(12),
				"name":  fc.Get("name").String(),
				"input": input,
			})
		}
		return true
	})
	if blocks == nil {
		blocks = []map[string]interface{}{}
	}

	stopReason := "end_turn"
	switch root.Get("candidates.0.finishReason").String() {
	case "MAX_TOKENS":
		stopReason = "max_tokens"
	case "TOOL_USE":
		stopReason = "tool_use"
	}

	usage := root.Get("usageMetadata")
	out := map[string]interface{}{
		"id":          "msg_" + shortID(12),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     blocks,
		"stop_reason": stopReason,
		"usage": map[string]interface{}{
			"input_tokens":  usage.Get("promptTokenCount").Int(),
			"output_tokens": usage.Get("candidatesTokenCount").Int(),
		},
	}
	return json.Marshal(out)
}

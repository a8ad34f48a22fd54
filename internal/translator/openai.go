package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const defaultMaxOutputTokens = 64000

// shortID returns the first n hex characters of a fresh UUID.
func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// OpenAIChatToGemini maps an OpenAI chat-completions request body to the
// upstream inner generateContent request.
func OpenAIChatToGemini(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid request body")
	}
	root := gjson.ParseBytes(body)

	var systemTexts []string
	var contents []map[string]interface{}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role == "system" {
			content := msg.Get("content")
			if content.Type == gjson.String {
				systemTexts = append(systemTexts, content.String())
			} else if content.IsArray() {
				content.ForEach(func(_, block gjson.Result) bool {
					if block.Get("type").String() == "text" {
						systemTexts = append(systemTexts, block.Get("text").String())
					}
					return true
				})
			}
			return true
		}

		parts := openAIMessageParts(msg, role)
		if len(parts) == 0 {
			return true
		}
		gRole := "user"
		if role == "assistant" {
			gRole = "model"
		}
		contents = append(contents, map[string]interface{}{"role": gRole, "parts": parts})
		return true
	})

	genConfig := map[string]interface{}{
		"maxOutputTokens": int64(defaultMaxOutputTokens),
		"temperature":     1.0,
		"topP":            1.0,
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
	if stop := root.Get("stop"); stop.Exists() {
		if stop.Type == gjson.String {
			genConfig["stopSequences"] = []string{stop.String()}
		} else if stop.IsArray() {
			var seqs []string
			stop.ForEach(func(_, s gjson.Result) bool {
				seqs = append(seqs, s.String())
				return true
			})
			if len(seqs) > 0 {
				genConfig["stopSequences"] = seqs
			}
		}
	}
	if root.Get("response_format.type").String() == "json_object" {
		genConfig["responseMimeType"] = "application/json"
	}

	inner := map[string]interface{}{
		"contents":         contents,
		"generationConfig": genConfig,
		"safetySettings":   safetySettings(),
	}
	if len(systemTexts) > 0 {
		inner["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{{"text": strings.Join(systemTexts, "\n\n")}},
		}
	}

	if decls := openAIToolDeclarations(root.Get("tools")); len(decls) > 0 {
		inner["tools"] = []map[string]interface{}{{"functionDeclarations": decls}}
	}

	return json.Marshal(inner)
}

// openAIMessageParts converts one non-system message into Gemini parts.
func openAIMessageParts(msg gjson.Result, role string) []interface{} {
	if role == "tool" || role == "function" {
		name := msg.Get("name").String()
		if name == "" {
			name = "unknown"
		}
		callID := msg.Get("tool_call_id").String()
		if callID == "" {
			callID = "unknown"
		}
		result := ""
		if c := msg.Get("content"); c.Type == gjson.String {
			result = c.String()
		}
		return []interface{}{map[string]interface{}{
			"functionResponse": map[string]interface{}{
				"name":     name,
				"id":       callID,
				"response": map[string]interface{}{"result": result},
			},
		}}
	}

	var parts []interface{}
	content := msg.Get("content")
	switch {
	case content.Type == gjson.String:
		if text := content.String(); text != "" {
			parts = append(parts, map[string]interface{}{"text": text})
		}
	case content.IsArray():
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if text := block.Get("text").String(); text != "" {
					parts = append(parts, map[string]interface{}{"text": text})
				}
			case "image_url":
				if part := imageURLPart(block.Get("image_url.url").String()); part != nil {
					parts = append(parts, part)
				}
			}
			return true
		})
	}

	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		args := map[string]interface{}{}
		if raw := call.Get("function.arguments").String(); raw != "" {
			// Invalid argument JSON degrades to an empty object.
			_ = json.Unmarshal([]byte(raw), &args)
		}
		parts = append(parts, map[string]interface{}{
			"functionCall": map[string]interface{}{
				"name": call.Get("function.name").String(),
				"args": args,
			},
		})
		return true
	})

	return parts
}

// imageURLPart converts a data: URI into inlineData, or an external URL
// into fileData. Malformed data URIs are dropped.
func imageURLPart(url string) map[string]interface{} {
	if strings.HasPrefix(url, "data:") {
		meta, data, ok := strings.Cut(url, ",")
		if !ok {
			return nil
		}
		mime := strings.TrimPrefix(meta, "data:")
		if i := strings.Index(mime, ";"); i >= 0 {
			mime = mime[:i]
		}
		if mime == "" || data == "" {
			return nil
		}
		return map[string]interface{}{
			"inlineData": map[string]interface{}{"mimeType": mime, "data": data},
		}
	}
	if strings.HasPrefix(url, "http") {
		return map[string]interface{}{
			"fileData": map[string]interface{}{"fileUri": url, "mimeType": "image/jpeg"},
		}
	}
	return nil
}

// openAIToolDeclarations cleans tool definitions into function
// declarations. Tools may nest the definition under "function" or carry
// it at the top level.
func openAIToolDeclarations(tools gjson.Result) []map[string]interface{} {
	var decls []map[string]interface{}
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		if !fn.Exists() {
			fn = tool
		}
		decl := map[string]interface{}{}
		if err := json.Unmarshal([]byte(fn.Raw), &decl); err != nil {
			return true
		}
		delete(decl, "type")
		delete(decl, "strict")
		delete(decl, "additionalProperties")
		if params, ok := decl["parameters"].(map[string]interface{}); ok {
			decl["parameters"] = CleanSchema(params)
		}
		if decl["name"] == nil {
			return true
		}
		decls = append(decls, decl)
		return true
	})
	return decls
}

// GeminiToOpenAIResponse maps an unwrapped upstream response to an
// OpenAI chat-completion response.
func GeminiToOpenAIResponse(resp []byte, model string) ([]byte, error) {
	root := gjson.ParseBytes(resp)

	var text strings.Builder
	var toolCalls []map[string]interface{}
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   "call_" + shortID(8),
				"type": "function",
				"function": map[string]interface{}{
					"name":      fc.Get("name").String(),
					"arguments": args,
				},
			})
		}
		return true
	})

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	if root.Get("candidates.0.finishReason").String() == "MAX_TOKENS" {
		finish = "length"
	}

	message := map[string]interface{}{
		"role":    "assistant",
		"content": text.String(),
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	usage := root.Get("usageMetadata")
	out := map[string]interface{}{
		"id":      "chatcmpl-" + shortID(12),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": map[string]interface{}{
			"prompt_tokens":     usage.Get("promptTokenCount").Int(),
			"completion_tokens": usage.Get("candidatesTokenCount").Int(),
			"total_tokens":      usage.Get("totalTokenCount").Int(),
		},
	}
	return json.Marshal(out)
}

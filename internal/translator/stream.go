package translator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// formatData frames a payload as one SSE data event.
func formatData(payload []byte) []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// formatEvent frames a named SSE event.
func formatEvent(name string, payload []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload))
}

// OpenAIStream translates unwrapped upstream chunks into OpenAI
// chat.completion.chunk SSE events.
type OpenAIStream struct {
	id      string
	model   string
	created int64
}

func NewOpenAIStream(model string) *OpenAIStream {
	now := time.Now().Unix()
	return &OpenAIStream{
		id:      fmt.Sprintf("chatcmpl-stream-%d", now),
		model:   model,
		created: now,
	}
}

// Chunk emits one delta event carrying the chunk's concatenated text.
// Chunks without text still produce an event with an empty delta.
func (s *OpenAIStream) Chunk(inner []byte) []byte {
	var text string
	gjson.GetBytes(inner, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text += t.String()
		}
		return true
	})

	delta := map[string]interface{}{}
	if text != "" {
		delta["content"] = text
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	})
	return formatData(payload)
}

// Done emits the closing sentinel.
func (s *OpenAIStream) Done() []byte {
	return []byte("data: [DONE]\n\n")
}

// Error emits a single error event. The stream should be closed after.
func (s *OpenAIStream) Error(message string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "proxy_error",
		},
	})
	return formatData(payload)
}

// ClaudeStream translates unwrapped upstream chunks into the canonical
// Anthropic event sequence: message_start, content_block_start, deltas,
// content_block_stop, message_delta, message_stop.
type ClaudeStream struct {
	id    string
	model string
}

func NewClaudeStream(model string) *ClaudeStream {
	return &ClaudeStream{
		id:    fmt.Sprintf("msg_%d", time.Now().Unix()),
		model: model,
	}
}

// Start emits message_start and content_block_start.
func (s *ClaudeStream) Start() []byte {
	start, _ := json.Marshal(map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":          s.id,
			"type":        "message",
			"role":        "assistant",
			"model":       s.model,
			"content":     []interface{}{},
			"stop_reason": nil,
			"usage":       map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
		},
	})
	blockStart, _ := json.Marshal(map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})
	return append(formatEvent("message_start", start), formatEvent("content_block_start", blockStart)...)
}

// Delta emits a content_block_delta for the chunk's first non-thought
// text part, or nil when the chunk carries none.
func (s *ClaudeStream) Delta(inner []byte) []byte {
	var text string
	gjson.GetBytes(inner, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		if t := part.Get("text"); t.Exists() {
			text = t.String()
			return false
		}
		return true
	})
	if text == "" {
		return nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]interface{}{"type": "text_delta", "text": text},
	})
	return formatEvent("content_block_delta", payload)
}

// Finish emits content_block_stop, message_delta and message_stop.
func (s *ClaudeStream) Finish() []byte {
	blockStop, _ := json.Marshal(map[string]interface{}{
		"type":  "content_block_stop",
		"index": 0,
	})
	msgDelta, _ := json.Marshal(map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": "end_turn"},
		"usage": map[string]interface{}{"output_tokens": 0},
	})
	msgStop, _ := json.Marshal(map[string]interface{}{"type": "message_stop"})

	out := formatEvent("content_block_stop", blockStop)
	out = append(out, formatEvent("message_delta", msgDelta)...)
	out = append(out, formatEvent("message_stop", msgStop)...)
	return out
}

// Error emits a single error event. The stream should be closed after.
func (s *ClaudeStream) Error(message string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "proxy_error",
			"message": message,
		},
	})
	return formatEvent("error", payload)
}

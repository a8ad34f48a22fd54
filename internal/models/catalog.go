package models

// OpenAIModel is one entry of the OpenAI-compatible model list.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// GeminiModel is one entry of the Gemini-compatible model list.
type GeminiModel struct {
	Name                       string   `json:"name"`
	Version                    string   `json:"version"`
	DisplayName                string   `json:"displayName"`
	Description                string   `json:"description"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	OutputTokenLimit           int      `json:"outputTokenLimit"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

var servedModels = []string{
	"claude-opus-4-5-thinking",
	"claude-sonnet-4-5-thinking",
	"gemini-3-flash",
	"gemini-3-pro-high",
	"gemini-3-pro-low",
	"gpt-oss-120b-medium",
}

// OpenAICatalog returns the static /v1/models list.
func OpenAICatalog() []OpenAIModel {
	out := make([]OpenAIModel, 0, len(servedModels))
	for _, id := range servedModels {
		out = append(out, OpenAIModel{ID: id, Object: "model", OwnedBy: "antigravity"})
	}
	return out
}

// GeminiCatalog returns the static /v1beta/models list.
func GeminiCatalog() []GeminiModel {
	methods := []string{"generateContent", "countTokens"}
	out := make([]GeminiModel, 0, len(servedModels))
	for _, id := range servedModels {
		out = append(out, GeminiModel{
			Name:                       "models/" + id,
			Version:                    "001",
			DisplayName:                id,
			Description:                "Proxied model " + id,
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: methods,
		})
	}
	return out
}

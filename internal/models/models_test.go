package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasju/Antigravity-Proxy/internal/storage"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	store := storage.NewFileBackend(t.TempDir())
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return NewResolver(store)
}

func TestResolveOpenAIDefaults(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	assert.Equal(t, "gemini-3-pro-high", r.ResolveOpenAI(ctx, "gpt-4"))
	assert.Equal(t, "gemini-3-flash", r.ResolveOpenAI(ctx, "gpt-3.5-turbo"))
	assert.Equal(t, "claude-sonnet-4-5-thinking", r.ResolveOpenAI(ctx, "claude-sonnet-4-5-thinking"))
}

func TestResolveOpenAIPassthroughAndFallback(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	// Family names pass through untouched.
	assert.Equal(t, "gemini-9-experimental", r.ResolveOpenAI(ctx, "gemini-9-experimental"))
	assert.Equal(t, "GPT-next", r.ResolveOpenAI(ctx, "GPT-next"))

	// Everything else lands on the default.
	assert.Equal(t, DefaultModel, r.ResolveOpenAI(ctx, "llama-70b"))
}

func TestResolveClaudeDefaults(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	assert.Equal(t, "claude-sonnet-4-5-thinking", r.ResolveClaude(ctx, "claude-3-5-sonnet-20241022"))
	assert.Equal(t, "claude-opus-4-5-thinking", r.ResolveClaude(ctx, "claude-3-opus"))
	assert.Equal(t, "gemini-3-flash", r.ResolveClaude(ctx, "claude-3-haiku"))
}

func TestResolveAliasWinsOverDefaults(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	require.NoError(t, r.store.SetAlias(ctx, "gpt-4", "gemini-3-pro-low"))

	assert.Equal(t, "gemini-3-pro-low", r.ResolveOpenAI(ctx, "gpt-4"))
}

func TestResolveGeminiPassthrough(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	assert.Equal(t, "anything-at-all", r.ResolveGemini(ctx, "anything-at-all"))

	require.NoError(t, r.store.SetAlias(ctx, "gemini-pro", "gemini-3-pro-high"))
	assert.Equal(t, "gemini-3-pro-high", r.ResolveGemini(ctx, "gemini-pro"))
}

func TestParseAspectRatio(t *testing.T) {
	cases := map[string]string{
		"gemini-3-pro-image-16x9": "16:9",
		"gemini-3-pro-image-9x16": "9:16",
		"some-model-4x3":          "4:3",
		"some-model-3x4":          "3:4",
		"some-model-1x1":          "1:1",
		"1024x1024":               "1:1",
		"1792x1024":               "16:9",
		"1280x1024":               "4:3",
		"1024x1792":               "9:16",
		"1024x1280":               "3:4",
		"gemini-3-pro-image":      "1:1",
		"":                        "1:1",
		"axb":                     "1:1",
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseAspectRatio(input), input)
	}
}

func TestCatalogs(t *testing.T) {
	openai := OpenAICatalog()
	require.Len(t, openai, 6)
	assert.Equal(t, "claude-opus-4-5-thinking", openai[0].ID)
	assert.Equal(t, "antigravity", openai[0].OwnedBy)

	gemini := GeminiCatalog()
	require.Len(t, gemini, 6)
	assert.Equal(t, "models/claude-opus-4-5-thinking", gemini[0].Name)
	assert.Contains(t, gemini[0].SupportedGenerationMethods, "generateContent")
}

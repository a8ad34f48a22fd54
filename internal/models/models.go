// Package models resolves caller-facing model names to upstream model
// ids and exposes the static model catalogs.
package models

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/atlasju/Antigravity-Proxy/internal/storage"
)

// DefaultModel absorbs unrecognized names.
const DefaultModel = "gemini-3-flash"

// openAIDefaults maps OpenAI-flavored names to upstream models.
var openAIDefaults = map[string]string{
	"claude-opus-4-5-thinking":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5-thinking": "claude-sonnet-4-5-thinking",
	"gemini-3-flash":             "gemini-3-flash",
	"gemini-3-pro-high":          "gemini-3-pro-high",
	"gemini-3-pro-low":           "gemini-3-pro-low",
	"gpt-oss-120b-medium":        "gpt-oss-120b-medium",

	// Legacy OpenAI names.
	"gpt-4":         "gemini-3-pro-high",
	"gpt-4-turbo":   "gemini-3-pro-high",
	"gpt-4o":        "gemini-3-flash",
	"gpt-3.5-turbo": "gemini-3-flash",
}

// claudeDefaults maps Anthropic-flavored names to upstream models.
var claudeDefaults = map[string]string{
	"claude-opus-4-5-thinking":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5-thinking": "claude-sonnet-4-5-thinking",

	// Legacy Claude names.
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5-thinking",
	"claude-3-5-sonnet":          "claude-sonnet-4-5-thinking",
	"claude-sonnet-4-20250514":   "claude-sonnet-4-5-thinking",
	"claude-3-opus":              "claude-opus-4-5-thinking",
	"claude-3-haiku":             "gemini-3-flash",
	"claude-3-5-haiku":           "gemini-3-flash",
}

// Resolver maps requested model names through operator-defined aliases,
// then per-protocol defaults, then passthrough heuristics.
type Resolver struct {
	store storage.Backend
}

func NewResolver(store storage.Backend) *Resolver {
	return &Resolver{store: store}
}

// alias looks up an operator-defined mapping. Store errors are treated
// as a miss.
func (r *Resolver) alias(ctx context.Context, name string) (string, bool) {
	if r.store == nil {
		return "", false
	}
	target, err := r.store.GetAlias(ctx, name)
	if err != nil {
		if !storage.IsNotFound(err) {
			log.WithError(err).Warnf("alias lookup for %q failed", name)
		}
		return "", false
	}
	return target, true
}

// ResolveOpenAI maps a name arriving on the OpenAI surface.
func (r *Resolver) ResolveOpenAI(ctx context.Context, name string) string {
	if target, ok := r.alias(ctx, name); ok {
		return target
	}
	if target, ok := openAIDefaults[name]; ok {
		return target
	}
	return passthroughOrDefault(name)
}

// ResolveClaude maps a name arriving on the Anthropic surface.
func (r *Resolver) ResolveClaude(ctx context.Context, name string) string {
	if target, ok := r.alias(ctx, name); ok {
		return target
	}
	if target, ok := claudeDefaults[name]; ok {
		return target
	}
	return passthroughOrDefault(name)
}

// ResolveGemini maps a name arriving on the Gemini surface. Only
// operator aliases apply; anything else passes through untouched.
func (r *Resolver) ResolveGemini(ctx context.Context, name string) string {
	if target, ok := r.alias(ctx, name); ok {
		return target
	}
	return name
}

func passthroughOrDefault(name string) string {
	lower := strings.ToLower(name)
	for _, family := range []string{"gemini", "claude", "gpt"} {
		if strings.Contains(lower, family) {
			return name
		}
	}
	return DefaultModel
}

// Package providers implements the LLM provider families behind the
// agent.LLMProvider interface: request assembly, streaming response
// reconstruction, retries, and model-name resolution.
package providers

import (
	"log/slog"
	"strings"
)

// Family selects which provider implementation serves a model.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
)

type resolvedModel struct {
	canonical string
	family    Family
}

// Resolver maps user-facing model names and aliases to canonical model names
// and their provider family. Lookup is case- and dash-insensitive; unknown
// names fall back to the configured default with a warning.
type Resolver struct {
	table        map[string]resolvedModel
	defaultModel string
	logger       *slog.Logger
}

// builtinModels is the alias table. Keys are normalized (lowercase,
// separators stripped); values carry the canonical wire name.
var builtinModels = map[string]resolvedModel{
	"gpt4o":              {"gpt-4o", FamilyOpenAI},
	"gpt4omini":          {"gpt-4o-mini", FamilyOpenAI},
	"gpt4.1":             {"gpt-4.1", FamilyOpenAI},
	"gpt4.1mini":         {"gpt-4.1-mini", FamilyOpenAI},
	"o3":                 {"o3", FamilyOpenAI},
	"o4mini":             {"o4-mini", FamilyOpenAI},
	"claudesonnet4":      {"claude-sonnet-4-20250514", FamilyAnthropic},
	"claudeopus4":        {"claude-opus-4-20250514", FamilyAnthropic},
	"claude3.5sonnet":    {"claude-3-5-sonnet-20241022", FamilyAnthropic},
	"claude35sonnet":     {"claude-3-5-sonnet-20241022", FamilyAnthropic},
	"claude3.5haiku":     {"claude-3-5-haiku-20241022", FamilyAnthropic},
	"claude35haiku":      {"claude-3-5-haiku-20241022", FamilyAnthropic},
	"claude3haiku":       {"claude-3-haiku-20240307", FamilyAnthropic},
	"sonnet":             {"claude-sonnet-4-20250514", FamilyAnthropic},
	"haiku":              {"claude-3-5-haiku-20241022", FamilyAnthropic},
	"claudesonnet420250514":   {"claude-sonnet-4-20250514", FamilyAnthropic},
	"claudeopus420250514":     {"claude-opus-4-20250514", FamilyAnthropic},
	"claude35sonnet20241022":  {"claude-3-5-sonnet-20241022", FamilyAnthropic},
	"claude3.5sonnet20241022": {"claude-3-5-sonnet-20241022", FamilyAnthropic},
}

// NewResolver builds a resolver with the built-in alias table. defaultModel
// must itself resolve; otherwise unknown names resolve to gpt-4o.
func NewResolver(defaultModel string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &Resolver{
		table:        builtinModels,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

// normalizeModelName lowercases and strips separators so "Claude-Sonnet-4",
// "claude_sonnet_4", and "claudesonnet4" all match.
func normalizeModelName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, "_", "")
	name = strings.ReplaceAll(name, " ", "")
	return name
}

// Resolve maps a model name to its canonical name and family. Unknown names
// resolve to the default model with a warning.
func (r *Resolver) Resolve(name string) (string, Family) {
	if name != "" {
		if m, ok := r.table[normalizeModelName(name)]; ok {
			return m.canonical, m.family
		}
		r.logger.Warn("unknown model name, falling back to default",
			"model", name, "default", r.defaultModel)
	}
	if m, ok := r.table[normalizeModelName(r.defaultModel)]; ok {
		return m.canonical, m.family
	}
	return "gpt-4o", FamilyOpenAI
}

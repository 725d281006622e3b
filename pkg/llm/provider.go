// Package llm is the language model gateway. It interprets free-text
// requests, advises on rankings, diagnoses failed installs and drafts install
// plans. Every operation is best effort: transport errors, malformed replies,
// timeouts and usage-gate denials all produce a documented fallback value
// instead of an error.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request is one completion request.
type Request struct {
	// System is the instruction prompt.
	System string

	// Prompt is the user message.
	Prompt string

	// MaxTokens caps the reply length; zero means the provider default.
	MaxTokens int

	// JSON asks the provider for a JSON object reply when it supports it.
	JSON bool
}

// Provider is a language model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// ProviderConfig configures a provider.
type ProviderConfig struct {
	// Provider is ollama, gemini or disabled.
	Provider    string
	Endpoint    string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

// Provider names.
const (
	ProviderOllama   = "ollama"
	ProviderGemini   = "gemini"
	ProviderDisabled = "disabled"
)

// NewProvider builds the configured provider. A disabled provider is nil.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderDisabled:
		return nil, nil
	case ProviderOllama:
		return NewOllama(cfg)
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported language model provider: %s", cfg.Provider)
	}
}

// ProviderFunc adapts a function to Provider, for tests and custom backends.
type ProviderFunc func(ctx context.Context, req Request) (string, error)

// Name implements Provider.
func (f ProviderFunc) Name() string { return "func" }

// Complete implements Provider.
func (f ProviderFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

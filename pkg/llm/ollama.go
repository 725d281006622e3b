package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaEndpoint is the local Ollama server.
const DefaultOllamaEndpoint = "http://localhost:11434"

// Ollama talks to an Ollama server through its chat API.
type Ollama struct {
	client      *api.Client
	model       string
	temperature float64
	maxTokens   int
}

type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// NewOllama creates an Ollama provider.
func NewOllama(cfg ProviderConfig) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model name is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	// Accept OpenAI-style endpoints such as http://host:11434/v1.
	endpoint = strings.TrimSuffix(strings.TrimSuffix(endpoint, "/"), "/v1")

	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint: %w", err)
	}

	// Deadlines come from the caller's context.
	httpClient := &http.Client{}
	if cfg.APIKey != "" {
		httpClient.Transport = &bearerTransport{base: http.DefaultTransport, token: cfg.APIKey}
	}

	return &Ollama{
		client:      api.NewClient(baseURL, httpClient),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Name implements Provider.
func (o *Ollama) Name() string { return ProviderOllama }

// Complete implements Provider.
func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}
	stream := false

	chat := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		Stream: &stream,
		Options: map[string]any{
			"temperature": o.temperature,
		},
	}
	if maxTokens > 0 {
		chat.Options["num_predict"] = maxTokens
	}
	if req.JSON {
		chat.Format = json.RawMessage(`"json"`)
	}

	var out strings.Builder
	err := o.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat failed: %w", err)
	}
	return out.String(), nil
}

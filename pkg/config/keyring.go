package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service under which API keys are stored,
// one entry per provider.
const KeyringService = "eshu"

// ResolveAPIKey returns the language-model API key: the configured value,
// then ESHU_LLM_API_KEY, then the provider's own variable, then the OS
// keyring. A missing key is not an error.
func (c *Config) ResolveAPIKey() (string, error) {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey, nil
	}
	if key := os.Getenv(EnvPrefix + "_LLM_API_KEY"); key != "" {
		return key, nil
	}
	if c.LLM.Provider == "gemini" {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key, nil
		}
	}
	if !c.LanguageModelEnabled() {
		return "", nil
	}

	key, err := keyring.Get(KeyringService, c.LLM.Provider)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read API key from keyring: %w", err)
	}
	return key, nil
}

// StoreAPIKey saves a provider's API key in the OS keyring.
func StoreAPIKey(provider, key string) error {
	if provider == "" || key == "" {
		return fmt.Errorf("provider and key are required")
	}
	if err := keyring.Set(KeyringService, provider, key); err != nil {
		return fmt.Errorf("failed to store API key in keyring: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a provider's API key from the OS keyring.
func DeleteAPIKey(provider string) error {
	err := keyring.Delete(KeyringService, provider)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete API key from keyring: %w", err)
	}
	return nil
}

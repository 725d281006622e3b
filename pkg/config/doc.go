// Package config loads and validates the eshu configuration.
//
// Configuration is layered: built-in defaults, then the YAML file
// (~/.config/eshu/config.yaml, or /etc/eshu/config.yaml for root), then
// ESHU_* environment variables with dots replaced by underscores:
//
//	ESHU_LLM_PROVIDER=disabled eshu search firefox
//	ESHU_PROFILE_TTL=10m eshu profile
//
// The loaded Config is validated with struct tags before use. Language-model
// API keys are never written to the file; ResolveAPIKey falls back to the
// environment and then to the OS keyring.
package config

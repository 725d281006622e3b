package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Hour, cfg.Profile.TTL)
	assert.Equal(t, 8*time.Second, cfg.Search.Timeout)
	assert.Equal(t, 15, cfg.Ranking.TopK)
	assert.Equal(t, 3, cfg.Install.MaxDependencyDepth)
	assert.Equal(t, "pacman", cfg.Backends.Priority[0])
	assert.True(t, cfg.LanguageModelEnabled())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Backends.Priority, cfg.Backends.Priority)
	assert.Equal(t, Default().LLM.Timeout, cfg.LLM.Timeout)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backends:
  priority: [apt, flatpak, snap]
  preferred: [apt]
  enabled:
    snap: false
profile:
  ttl: 10m
llm:
  provider: gemini
  model: gemini-2.0-flash
ranking:
  weights:
    exact: 200
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"apt", "flatpak", "snap"}, cfg.Backends.Priority)
	assert.Equal(t, []string{"apt", "flatpak"}, cfg.EnabledBackends())
	assert.True(t, cfg.Disabled()["snap"])
	assert.Equal(t, 10*time.Minute, cfg.Profile.TTL)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 200, cfg.Ranking.Weights.Exact)
	// Untouched keys keep their defaults.
	assert.Equal(t, 50, cfg.Ranking.Weights.Prefix)
	assert.Equal(t, 5*time.Minute, cfg.Install.CommandTimeout)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ESHU_LLM_PROVIDER", "disabled")
	t.Setenv("ESHU_PROFILE_TTL", "0s")
	t.Setenv("ESHU_INSTALL_MAX_DEPENDENCY_DEPTH", "1")

	cfg, err := Load(writeConfig(t, "llm:\n  provider: gemini\n"))
	require.NoError(t, err)

	assert.Equal(t, "disabled", cfg.LLM.Provider)
	assert.False(t, cfg.LanguageModelEnabled())
	assert.Zero(t, cfg.Profile.TTL)
	assert.Equal(t, 1, cfg.Install.MaxDependencyDepth)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(writeConfig(t, "profile:\n  cache_dir: ~/cache\nstore:\n  path: ~/h.db\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "cache"), cfg.Profile.CacheDir)
	assert.Equal(t, filepath.Join(home, "h.db"), cfg.Store.Path)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "backends:\n  priority: [apt, brew]\n"},
		{"duplicate backend", "backends:\n  priority: [apt, apt]\n"},
		{"preferred outside priority", "backends:\n  priority: [apt]\n  preferred: [pacman]\n"},
		{"all disabled", "backends:\n  priority: [apt]\n  enabled:\n    apt: false\n"},
		{"bad provider", "llm:\n  provider: openai\n"},
		{"bad temperature", "llm:\n  temperature: 5\n"},
		{"zero search timeout", "search:\n  timeout: 0s\n"},
		{"deep dependencies", "install:\n  max_dependency_depth: 50\n"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n"},
		{"malformed yaml", "backends: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Backends.Priority = []string{"dnf", "flatpak"}
	cfg.Profile.TTL = 90 * time.Second
	cfg.LLM.APIKey = "secret"

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), "1m30s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Backends.Priority, loaded.Backends.Priority)
	assert.Equal(t, 90*time.Second, loaded.Profile.TTL)
	assert.Empty(t, loaded.LLM.APIKey)
	assert.Equal(t, "secret", cfg.LLM.APIKey, "Save must not modify the receiver")
}

func TestResolveAPIKey(t *testing.T) {
	keyring.MockInit()
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ESHU_LLM_API_KEY", "")

	cfg := Default()
	cfg.LLM.Provider = "gemini"

	key, err := cfg.ResolveAPIKey()
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, StoreAPIKey("gemini", "from-keyring"))
	key, err = cfg.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", key)

	t.Setenv("GEMINI_API_KEY", "from-provider-env")
	key, err = cfg.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "from-provider-env", key)

	t.Setenv("ESHU_LLM_API_KEY", "from-env")
	key, err = cfg.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	cfg.LLM.APIKey = "from-config"
	key, err = cfg.ResolveAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)

	require.NoError(t, DeleteAPIKey("gemini"))
	require.NoError(t, DeleteAPIKey("gemini"))
	assert.Error(t, StoreAPIKey("", "x"))
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/eshu/eshu/pkg/backend"
	"github.com/eshu/eshu/pkg/ranking"
	"github.com/eshu/eshu/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. ESHU_LLM_PROVIDER.
const EnvPrefix = "ESHU"

// Config is the resolved engine configuration.
type Config struct {
	Backends  BackendsConfig   `mapstructure:"backends" yaml:"backends"`
	Profile   ProfileConfig    `mapstructure:"profile" yaml:"profile"`
	Search    SearchConfig     `mapstructure:"search" yaml:"search"`
	Ranking   RankingConfig    `mapstructure:"ranking" yaml:"ranking"`
	LLM       LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Install   InstallConfig    `mapstructure:"install" yaml:"install"`
	Policy    PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Store     StoreConfig      `mapstructure:"store" yaml:"store"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// BackendsConfig selects and orders the package backends.
type BackendsConfig struct {
	// Priority is the total backend order; earlier wins ties.
	Priority []string `mapstructure:"priority" yaml:"priority" validate:"required,min=1,unique,dive,backend"`

	// Enabled switches individual backends; a missing entry means enabled.
	Enabled map[string]bool `mapstructure:"enabled" yaml:"enabled,omitempty" validate:"dive,keys,backend,endkeys"`

	// Preferred backends get the native bonus when ranking. Empty means the
	// distribution package managers (pacman, apt, dnf, zypper).
	Preferred []string `mapstructure:"preferred" yaml:"preferred,omitempty" validate:"dive,backend"`
}

// ProfileConfig configures host probing and the profile cache.
type ProfileConfig struct {
	CacheDir     string        `mapstructure:"cache_dir" yaml:"cache_dir" validate:"required"`
	TTL          time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"min=0"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" validate:"gt=0"`
	ListTimeout  time.Duration `mapstructure:"list_timeout" yaml:"list_timeout" validate:"gt=0"`
}

// SearchConfig configures the search fan-out.
type SearchConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// RankingConfig configures the ranker.
type RankingConfig struct {
	TopK    int             `mapstructure:"top_k" yaml:"top_k" validate:"min=1"`
	Weights ranking.Weights `mapstructure:"weights" yaml:"weights"`
}

// LLMConfig configures the language-model gateway.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider" validate:"oneof=ollama gemini disabled"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Model       string        `mapstructure:"model" yaml:"model,omitempty"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature" validate:"min=0,max=2"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens" validate:"min=0"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// InstallConfig configures the installation orchestrator.
type InstallConfig struct {
	CommandTimeout     time.Duration `mapstructure:"command_timeout" yaml:"command_timeout" validate:"gt=0"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout" validate:"gt=0"`
	MaxDependencyDepth int           `mapstructure:"max_dependency_depth" yaml:"max_dependency_depth" validate:"min=0,max=10"`
	Jobs               int           `mapstructure:"jobs" yaml:"jobs" validate:"min=0"`
}

// PolicyConfig configures command-safety policies.
type PolicyConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Dirs     []string `mapstructure:"dirs" yaml:"dirs,omitempty"`
	Watch    bool     `mapstructure:"watch" yaml:"watch"`
	Disabled []string `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

// StoreConfig configures the install history database.
type StoreConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Path          string `mapstructure:"path" yaml:"path" validate:"required_if=Enabled true"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days" validate:"min=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backends: BackendsConfig{
			Priority: append([]string(nil), backend.DefaultPriority...),
		},
		Profile: ProfileConfig{
			CacheDir:     filepath.Join(cacheHome(), "eshu"),
			TTL:          time.Hour,
			ProbeTimeout: 5 * time.Second,
			ListTimeout:  30 * time.Second,
		},
		Search: SearchConfig{
			Timeout: 8 * time.Second,
		},
		Ranking: RankingConfig{
			TopK:    ranking.DefaultTopK,
			Weights: ranking.DefaultWeights(),
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3.2",
			Temperature: 0.2,
			MaxTokens:   1024,
			Timeout:     20 * time.Second,
		},
		Install: InstallConfig{
			CommandTimeout:     5 * time.Minute,
			VerifyTimeout:      30 * time.Second,
			MaxDependencyDepth: 3,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Dirs:    []string{filepath.Join(configHome(), "eshu", "policies")},
		},
		Store: StoreConfig{
			Enabled:       true,
			Path:          filepath.Join(dataHome(), "eshu", "history.db"),
			RetentionDays: 90,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// DefaultPath returns the configuration file location: /etc/eshu for root,
// the user's config directory otherwise.
func DefaultPath() string {
	if os.Geteuid() == 0 {
		return "/etc/eshu/config.yaml"
	}
	return filepath.Join(configHome(), "eshu", "config.yaml")
}

// Load reads the configuration at path over the defaults and applies ESHU_*
// environment overrides. A missing file yields the defaults. An empty path
// means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = expandPath(path)

	v := viper.New()
	v.SetConfigType("yaml")

	// Seeding viper with the defaults makes every key known to AutomaticEnv.
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Example: ESHU_LLM_PROVIDER=disabled, ESHU_PROFILE_TTL=10m
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Profile.CacheDir = expandPath(cfg.Profile.CacheDir)
	cfg.Store.Path = expandPath(cfg.Store.Path)
	for i, dir := range cfg.Policy.Dirs {
		cfg.Policy.Dirs[i] = expandPath(dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration as YAML. The API key is never written; it
// belongs in the keyring.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *c
	out.LLM.APIKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("backend", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		for _, s := range backend.Supported() {
			if s == name {
				return true
			}
		}
		return false
	})
	return v
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	known := make(map[string]bool, len(c.Backends.Priority))
	for _, name := range c.Backends.Priority {
		known[name] = true
	}
	for _, name := range c.Backends.Preferred {
		if !known[name] {
			return fmt.Errorf("invalid configuration: preferred backend %q is not in the priority list", name)
		}
	}
	if len(c.EnabledBackends()) == 0 {
		return fmt.Errorf("invalid configuration: every backend is disabled")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Disabled returns the set of backends switched off in Enabled.
func (c *Config) Disabled() map[string]bool {
	out := make(map[string]bool)
	for name, on := range c.Backends.Enabled {
		if !on {
			out[name] = true
		}
	}
	return out
}

// EnabledBackends returns the priority list without disabled backends.
func (c *Config) EnabledBackends() []string {
	disabled := c.Disabled()
	out := make([]string, 0, len(c.Backends.Priority))
	for _, name := range c.Backends.Priority {
		if !disabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// LanguageModelEnabled reports whether a gateway provider is configured.
func (c *Config) LanguageModelEnabled() bool {
	return c.LLM.Provider != "" && c.LLM.Provider != "disabled"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func configHome() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return filepath.Join(os.TempDir(), "eshu-config")
}

func cacheHome() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return os.TempDir()
}

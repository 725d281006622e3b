package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eshu/eshu/pkg/config"
	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/eshu"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	noLLM      bool
)

// Exit codes returned by the eshu binary.
const (
	exitFailure   = 1
	exitDenied    = 3
	exitCancelled = 130
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled), engine.Code(err) == engine.ErrCodeCancelled:
		return exitCancelled
	case engine.Code(err) == engine.ErrCodePolicyDenied:
		return exitDenied
	default:
		return exitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eshu",
		Short: "eshu - find and install Linux packages across package managers",
		Long: `eshu searches every package manager on the host at once, ranks the
candidates and installs the chosen one, repairing failed installs with
suggested fixes when a language model is configured.

Supported backends:
  - Native: pacman, apt, dnf, zypper
  - AUR helpers: yay, paru
  - Universal: flatpak, snap
  - Language: cargo, npm, pip`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noLLM, "no-llm", false, "do not consult the language model")

	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newInterpretCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openEngine builds the engine for one command. Callers must Close it.
func openEngine() (*eshu.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var opts []eshu.Option
	if noLLM {
		opts = append(opts, eshu.WithoutLanguageModel())
	}
	return eshu.New(cfg, opts...)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

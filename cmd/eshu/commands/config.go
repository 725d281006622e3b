package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eshu/eshu/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the eshu configuration",
		Long: `Manage the configuration file and the language model API key.

Settings are read from the configuration file and can be overridden with
ESHU_* environment variables, e.g. ESHU_LLM_PROVIDER=disabled.`,
	}

	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigSetKeyCommand())
	cmd.AddCommand(newConfigDeleteKeyCommand())

	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.LLM.APIKey = ""
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func newConfigSetKeyCommand() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "set-key",
		Short: "Store the language model API key in the system keyring",
		Long: `Read an API key from standard input and store it in the system keyring.

The key is never written to the configuration file.`,
		Example: `  echo "$GEMINI_API_KEY" | eshu config set-key --provider gemini`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				provider = cfg.LLM.Provider
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "API key for %s: ", provider)
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			key := strings.TrimSpace(line)
			if key == "" {
				if err != nil {
					return fmt.Errorf("failed to read API key: %w", err)
				}
				return fmt.Errorf("empty API key")
			}

			if err := config.StoreAPIKey(provider, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored API key for %s.\n", provider)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider the key belongs to (default: configured provider)")

	return cmd
}

func newConfigDeleteKeyCommand() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the language model API key from the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				provider = cfg.LLM.Provider
			}
			return config.DeleteAPIKey(provider)
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider the key belongs to (default: configured provider)")

	return cmd
}

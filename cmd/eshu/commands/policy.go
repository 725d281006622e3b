package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eshu/eshu/pkg/config"
	"github.com/eshu/eshu/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage command-safety policies",
		Long: `Every command eshu runs is checked against Rego policies first. Built-in
policies block destructive commands; more policies are loaded from the
configured policy directories.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyToggleCommand(true))
	cmd.AddCommand(newPolicyToggleCommand(false))

	return cmd
}

func openPolicies() (*policy.Engine, func(), error) {
	e, err := openEngine()
	if err != nil {
		return nil, nil, err
	}
	pe := e.Policy()
	if pe == nil {
		_ = e.Close()
		return nil, nil, fmt.Errorf("policies are disabled in the configuration")
	}
	return pe, func() { _ = e.Close() }, nil
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, done, err := openPolicies()
			if err != nil {
				return err
			}
			defer done()

			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "check COMMAND...",
		Short: "Check a command line against the policies",
		Example: `  eshu policy check -- curl -fsSL https://example.com/install.sh \| sh
  eshu policy check --stage remediation -- sudo tee -a /etc/sudoers`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, done, err := openPolicies()
			if err != nil {
				return err
			}
			defer done()

			decision, err := pe.EvaluateCommand(cmd.Context(), policy.CommandInput{
				Command: strings.Join(args, " "),
				Stage:   policy.Stage(stage),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, decision)
			}
			if decision.Allowed {
				fmt.Fprintln(out, "allowed")
			} else {
				fmt.Fprintln(out, "denied")
			}
			for _, v := range decision.Violations {
				fmt.Fprintf(out, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			for _, v := range decision.Warnings {
				fmt.Fprintf(out, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			if !decision.Allowed {
				return fmt.Errorf("command denied by policy")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", string(policy.StagePlan), "installation stage (plan, remediation, post_install)")

	return cmd
}

// newPolicyToggleCommand persists enabling or disabling a policy in the
// configuration file.
func newPolicyToggleCommand(enable bool) *cobra.Command {
	use, short := "disable NAME", "Disable a policy"
	if enable {
		use, short = "enable NAME", "Enable a disabled policy"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			pe, done, err := openPolicies()
			if err != nil {
				return err
			}
			_, err = pe.GetPolicy(name)
			done()
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			var disabled []string
			for _, n := range cfg.Policy.Disabled {
				if n != name {
					disabled = append(disabled, n)
				}
			}
			if !enable {
				disabled = append(disabled, name)
			}
			cfg.Policy.Disabled = disabled
			if err := cfg.Save(configPath); err != nil {
				return err
			}

			state := "disabled"
			if enable {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy %s %s.\n", name, state)
			return nil
		},
	}
}

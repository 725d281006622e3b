package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/installer"
	"github.com/eshu/eshu/pkg/ranking"
)

func newInstallCommand() *cobra.Command {
	var (
		backendName string
		pick        int
		yes         bool
		skipDeps    bool
		fromSource  string
		dryRun      bool
		interpret   bool
	)

	cmd := &cobra.Command{
		Use:   "install PACKAGE",
		Short: "Install a package",
		Long: `Search for PACKAGE, pick the best candidate and install it.

The install runs through planning, dependency installation, execution and
verification. When a command fails, eshu diagnoses the output and offers
remediation commands before retrying once.`,
		Example: `  # Install the recommended candidate
  eshu install neovim

  # Install from a specific backend without prompting
  eshu install --backend flatpak --yes org.gimp.GIMP

  # Show the plan only
  eshu install --dry-run ripgrep

  # Build a local source tree
  eshu install --from-source ./hello hello`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			in := bufio.NewReader(cmd.InOrStdin())
			opts := installer.Options{
				AutoConfirm:      yes,
				SkipDependencies: skipDeps,
			}
			if !jsonOutput {
				opts.Progress = progressPrinter(cmd.ErrOrStderr())
			}
			if !yes {
				opts.Confirm = remediationPrompt(out, in)
			}

			var res *installer.Result
			if fromSource != "" {
				res, err = e.InstallFromSource(ctx, args[0], fromSource, opts)
				return report(out, res, err)
			}

			ranked, err := find(cmd, e, args[0], interpret)
			if err != nil {
				return err
			}
			pkg, err := choose(ranked, backendName, pick)
			if err != nil {
				if !jsonOutput {
					printRanked(out, ranked)
				}
				return err
			}

			if dryRun {
				plan, err := e.Plan(ctx, pkg)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, plan)
				}
				printPlan(out, pkg, plan)
				return nil
			}

			if !yes && !ask(out, in, fmt.Sprintf("Install %s %s from %s?", pkg.Name, pkg.Version, pkg.Backend)) {
				return context.Canceled
			}

			res, err = e.Install(ctx, pkg, opts)
			return report(out, res, err)
		},
	}

	cmd.Flags().StringVarP(&backendName, "backend", "b", "", "install from this backend only")
	cmd.Flags().IntVarP(&pick, "pick", "p", 0, "install the N-th ranked candidate instead of the recommended one")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not prompt; run remediation commands automatically")
	cmd.Flags().BoolVar(&skipDeps, "skip-deps", false, "skip dependency installation")
	cmd.Flags().StringVar(&fromSource, "from-source", "", "build and install the source tree in DIR")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the install plan without running it")
	cmd.Flags().BoolVarP(&interpret, "interpret", "i", false, "interpret PACKAGE as a free-text request")

	return cmd
}

// choose picks the candidate to install: the pick-th result, else the
// recommendation, else the top result. A backend filter applies first.
func choose(ranked *ranking.Ranked, backendName string, pick int) (engine.PackageResult, error) {
	candidates := ranked.Results
	recommended := ranked.RecommendedIndex
	if backendName != "" {
		candidates = nil
		recommended = -1
		for i, r := range ranked.Results {
			if r.Backend != backendName {
				continue
			}
			if i == ranked.RecommendedIndex {
				recommended = len(candidates)
			}
			candidates = append(candidates, r)
		}
	}

	switch {
	case len(candidates) == 0:
		return engine.PackageResult{}, fmt.Errorf("no candidates for %q", ranked.Term)
	case pick > 0:
		if pick > len(candidates) {
			return engine.PackageResult{}, fmt.Errorf("--pick %d is out of range (1-%d)", pick, len(candidates))
		}
		return candidates[pick-1], nil
	case recommended >= 0:
		return candidates[recommended], nil
	default:
		return candidates[0], nil
	}
}

func ask(w io.Writer, in *bufio.Reader, question string) bool {
	fmt.Fprintf(w, "%s [y/N] ", question)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func remediationPrompt(w io.Writer, in *bufio.Reader) engine.Confirmer {
	return engine.ConfirmFunc(func(_ context.Context, a engine.ErrorAnalysis) bool {
		fmt.Fprintf(w, "\nInstall failed (%s): %s\n", a.Kind, a.Diagnosis)
		for _, s := range a.Solutions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
		if len(a.Commands) == 0 {
			return ask(w, in, "Retry the install?")
		}
		fmt.Fprintln(w, "Suggested commands:")
		for _, c := range a.Commands {
			fmt.Fprintf(w, "  $ %s\n", c)
		}
		return ask(w, in, "Run these commands and retry?")
	})
}

func progressPrinter(w io.Writer) engine.ProgressSink {
	return engine.ProgressFunc(func(ev engine.ProgressEvent) {
		indent := strings.Repeat("  ", ev.Depth)
		switch ev.Type {
		case engine.ProgressStateChanged:
			fmt.Fprintf(w, "%s==> %s: %s\n", indent, ev.Package, ev.State)
		case engine.ProgressCommandStarted:
			fmt.Fprintf(w, "%s  $ %s\n", indent, ev.Command)
		case engine.ProgressCommandDone:
			if ev.ExitCode != 0 {
				fmt.Fprintf(w, "%s  exit %d\n", indent, ev.ExitCode)
			}
		case engine.ProgressDiagnosis, engine.ProgressMessage:
			fmt.Fprintf(w, "%s  %s\n", indent, ev.Message)
		}
	})
}

func printPlan(w io.Writer, pkg engine.PackageResult, plan *engine.InstallPlan) {
	fmt.Fprintf(w, "Plan for %s (%s, %s):\n", pkg.InstallName(), plan.Backend, plan.Source)
	for _, d := range plan.Dependencies {
		fmt.Fprintf(w, "  dependency: %s\n", d)
	}
	for _, c := range plan.Commands {
		fmt.Fprintf(w, "  $ %s\n", c)
	}
	for _, c := range plan.PostInstall {
		fmt.Fprintf(w, "  post-install: %s\n", c)
	}
	if plan.Notes != "" {
		fmt.Fprintf(w, "  note: %s\n", plan.Notes)
	}
}

func report(w io.Writer, res *installer.Result, err error) error {
	if res == nil {
		return err
	}
	if jsonOutput {
		if jerr := printJSON(w, res); jerr != nil {
			return jerr
		}
		return err
	}
	if res.Success {
		fmt.Fprintf(w, "Installed %s via %s in %s.\n", res.Package.InstallName(), res.Package.Backend, res.Duration().Round(time.Millisecond))
		return nil
	}
	fmt.Fprintf(w, "Failed to install %s (run %s).\n", res.Package.InstallName(), res.RunID)
	for _, a := range res.Errors {
		fmt.Fprintf(w, "  %s: %s\n", a.Kind, a.Diagnosis)
	}
	return err
}

func newUninstallCommand() *cobra.Command {
	var backendName string

	cmd := &cobra.Command{
		Use:   "uninstall PACKAGE",
		Short: "Print the command that removes a package",
		Long: `Print the command that removes PACKAGE through the backend that owns it.

eshu never removes packages itself.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if backendName == "" {
				p, err := e.GetProfile(cmd.Context(), false, -1)
				if err != nil {
					return err
				}
				for _, name := range p.Backends {
					if p.IsInstalled(engine.PackageResult{Name: args[0], Backend: name}) {
						backendName = name
						break
					}
				}
				if backendName == "" {
					return fmt.Errorf("%s is not installed through any known backend", args[0])
				}
			}

			line, err := e.UninstallCommand(engine.PackageResult{Name: args[0], Backend: backendName})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}

	cmd.Flags().StringVarP(&backendName, "backend", "b", "", "backend that owns the package")

	return cmd
}

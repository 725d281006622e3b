package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshu/eshu/pkg/eshu"
)

func newHistoryCommand() *cobra.Command {
	var (
		pkg    string
		failed bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show past install attempts",
		Long: `List past install attempts, newest first, or show one attempt with its
state transitions, commands and diagnoses.`,
		Example: `  # Recent installs
  eshu history

  # Failed installs of one package
  eshu history --package vim --failed

  # Details of one run
  eshu history 3f2a9c1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				details, err := e.RunDetails(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, details)
				}
				printRunDetails(cmd, details)
				return nil
			}

			runs, err := e.History(cmd.Context(), eshu.HistoryQuery{Package: pkg, Failed: failed, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPACKAGE\tBACKEND\tSTATE\tREMEDIATIONS\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Package, r.Backend, r.State, r.RemediationAttempts,
					r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&pkg, "package", "", "only runs for this package")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed runs")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}

func printRunDetails(cmd *cobra.Command, d *eshu.RunDetails) {
	out := cmd.OutOrStdout()
	r := d.Run
	fmt.Fprintf(out, "Run:      %s\n", r.ID)
	if r.ParentRunID != nil {
		fmt.Fprintf(out, "Parent:   %s\n", *r.ParentRunID)
	}
	fmt.Fprintf(out, "Package:  %s (%s %s)\n", r.Package, r.Backend, r.Version)
	fmt.Fprintf(out, "State:    %s\n", r.State)
	fmt.Fprintf(out, "Started:  %s\n", r.StartedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(out, "Duration: %s\n", r.Duration().Round(time.Millisecond))
	if r.Error != nil {
		fmt.Fprintf(out, "Error:    %s\n", *r.Error)
	}

	fmt.Fprintln(out, "\nEvents:")
	for _, ev := range d.Events {
		fmt.Fprintf(out, "  [%s] %-10s %s\n", ev.Level, ev.Kind, ev.Message)
	}

	if len(d.Analyses) > 0 {
		fmt.Fprintln(out, "\nDiagnoses:")
		for _, a := range d.Analyses {
			fmt.Fprintf(out, "  %d. %s (%s): %s\n", a.Sequence, a.Kind, a.Source, a.Diagnosis)
			for _, c := range a.Commands {
				fmt.Fprintf(out, "     $ %s\n", c)
			}
		}
	}

	if len(d.Dependencies) > 0 {
		fmt.Fprintln(out, "\nDependencies:")
		for _, dep := range d.Dependencies {
			fmt.Fprintf(out, "  %s %s (%s)\n", dep.ID, dep.Package, dep.State)
		}
	}
}

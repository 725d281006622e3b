package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eshu/eshu/pkg/eshu"
	"github.com/eshu/eshu/pkg/ranking"
)

func newSearchCommand() *cobra.Command {
	var interpret bool

	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search every package manager",
		Long: `Search all usable package managers concurrently and print the ranked
candidates.

With --interpret the query is treated as a free-text request and turned
into search terms first.`,
		Example: `  # Search for a package
  eshu search neovim

  # Describe what you need
  eshu search --interpret "a lightweight pdf viewer"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ranked, err := find(cmd, e, strings.Join(args, " "), interpret)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), ranked)
			}
			printRanked(cmd.OutOrStdout(), ranked)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&interpret, "interpret", "i", false, "interpret the query as a free-text request")

	return cmd
}

// find runs interpretation, search and ranking for query.
func find(cmd *cobra.Command, e *eshu.Engine, query string, interpret bool) (*ranking.Ranked, error) {
	return e.Find(cmd.Context(), query, interpret)
}

func printRanked(w io.Writer, ranked *ranking.Ranked) {
	if len(ranked.Results) == 0 {
		fmt.Fprintf(w, "No packages found for %q.\n", ranked.Term)
		printSuggestions(w, ranked)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tVERSION\tBACKEND\tDESCRIPTION")
	for i, r := range ranked.Results {
		mark := ""
		if i == ranked.RecommendedIndex {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d%s\t%s\t%s\t%s\t%s\n", i+1, mark, r.Name, r.Version, r.Backend, truncate(r.Description, 60))
	}
	_ = tw.Flush()

	if ranked.Explanation != "" {
		fmt.Fprintf(w, "\n* %s\n", ranked.Explanation)
	}
	for _, warning := range ranked.Warnings {
		fmt.Fprintf(w, "! %s\n", warning)
	}
	printSuggestions(w, ranked)
}

func printSuggestions(w io.Writer, ranked *ranking.Ranked) {
	if len(ranked.Suggestions) > 0 {
		fmt.Fprintf(w, "Did you mean: %s\n", strings.Join(ranked.Suggestions, ", "))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

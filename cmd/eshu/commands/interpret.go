package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newInterpretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "interpret QUERY...",
		Short: "Turn a free-text request into search terms",
		Long: `Ask the language model which packages a free-text request refers to.

Without a language model, or when it does not answer, the query itself is
the only term.`,
		Example: `  eshu interpret "something to edit markdown with live preview"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.GetProfile(cmd.Context(), false, -1)
			if err != nil {
				return err
			}
			terms := e.Interpret(cmd.Context(), strings.Join(args, " "), p)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), terms)
			}
			for _, term := range terms {
				fmt.Fprintln(cmd.OutOrStdout(), term)
			}
			return nil
		},
	}
}

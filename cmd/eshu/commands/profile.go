package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newProfileCommand() *cobra.Command {
	var (
		refresh bool
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the system profile",
		Long: `Show what eshu knows about this host: distribution, usable package
managers and installed package counts.

The profile is cached on disk and reprobed when it is older than the TTL.`,
		Example: `  # Show the cached profile
  eshu profile

  # Reprobe the host
  eshu profile --refresh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("ttl") {
				ttl = -1
			}
			p, err := e.GetProfile(cmd.Context(), refresh, ttl)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, p)
			}

			fmt.Fprintf(out, "Distribution: %s %s\n", p.Distro, p.DistroVersion)
			fmt.Fprintf(out, "Kernel:       %s (%s)\n", p.Kernel, p.Arch)
			fmt.Fprintf(out, "Hostname:     %s\n", p.Hostname)
			fmt.Fprintf(out, "Probed:       %s\n\n", p.CreatedAt.Local().Format(time.RFC1123))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tINSTALLED")
			for _, name := range p.Backends {
				fmt.Fprintf(tw, "%s\t%d\n", name, len(p.Installed[name]))
			}
			var unlisted []string
			for name := range p.Installed {
				if !p.HasBackend(name) {
					unlisted = append(unlisted, name)
				}
			}
			sort.Strings(unlisted)
			for _, name := range unlisted {
				fmt.Fprintf(tw, "%s\t%d\n", name, len(p.Installed[name]))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "reprobe the host")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "maximum profile age")

	return cmd
}

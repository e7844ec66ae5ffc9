package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed packages and their health",
		Long: `List every installed package version with its smoke-test health:
healthy, unhealthy or untested.

Examples:
  cellar list
  cellar list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
	return cmd
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	installs, err := a.store.ListInstalls(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read receipts", err)
	}

	infos := make([]*InstallInfo, len(installs))
	for i, inst := range installs {
		infos[i] = installInfo(inst)
	}
	if a.out.Format == "json" {
		return a.out.Success(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(a.out.Writer, "No packages installed")
		return nil
	}
	tw := tabwriter.NewWriter(a.out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tHEALTH\tPREFIX")
	for _, in := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", in.Name, in.Version, in.Health, in.Prefix)
	}
	return tw.Flush()
}

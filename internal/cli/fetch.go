package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// FetchResult is the success payload of the fetch command.
type FetchResult struct {
	Package string `json:"package"`
	Version string `json:"version"`
	Archive string `json:"archive"`
	Cached  bool   `json:"cached"`
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <package>",
		Short: "Download and verify a package's source archive",
		Long: `Download a package's source archive into the cache and verify its
checksum without building anything. Mirrors are tried in order when the
primary URL fails.

Examples:
  cellar fetch openssl@1.0`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runFetch(opts *RootOptions, name string, cmd *cobra.Command) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	recipes, err := a.loadRecipes()
	if err != nil {
		return err
	}
	r, err := a.lookup(recipes, name)
	if err != nil {
		return err
	}
	if err := validateRecipe(a.out, r); err != nil {
		return err
	}

	ctx, stop := commandContext(cmd, a.logger)
	defer stop()

	res, err := a.engine.Fetch(ctx, r)
	if err != nil {
		return reportFailure(a.out, name, res, err)
	}

	result := FetchResult{Package: r.Name, Version: r.Version, Archive: res.Archive, Cached: res.Cached}
	if a.out.Format == "json" {
		return a.out.Success(result)
	}
	fmt.Fprintln(a.out.Writer, result.Archive)
	return nil
}

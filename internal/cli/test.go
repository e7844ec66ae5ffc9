package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cellar/internal/store"
)

// TestResult is the success payload of the test command.
type TestResult struct {
	Package   string       `json:"package"`
	Version   string       `json:"version"`
	Prefix    string       `json:"prefix"`
	Health    store.Health `json:"health"`
	SessionID string       `json:"session_id"`
	Checks    int          `json:"checks"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <package>",
		Short: "Run a package's smoke test against its installation",
		Long: `Run the smoke test declared in a package's recipe against the
installed prefix and record the resulting health.

Required files are checked first; each check then runs in a fresh scratch
directory.

Examples:
  cellar test openssl@1.0
  cellar test openssl@1.0 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runTest(opts *RootOptions, name string, cmd *cobra.Command) error {
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

	ctx, stop := commandContext(cmd, a.logger)
	defer stop()

	res, err := a.engine.Test(ctx, r)
	if err != nil {
		return reportFailure(a.out, name, res, err)
	}

	result := TestResult{
		Package:   r.Name,
		Version:   r.Version,
		Prefix:    res.Prefix,
		Health:    res.Health,
		SessionID: res.SessionID,
		Checks:    len(r.Test.Checks),
	}
	if a.out.Format == "json" {
		return a.out.Success(result)
	}
	if r.Test.Empty() {
		fmt.Fprintf(a.out.Writer, "%s %s has no smoke test\n", r.Name, r.Version)
		return nil
	}
	fmt.Fprintf(a.out.Writer, "✓ %s %s passed %d check(s) (%s)\n", r.Name, r.Version, result.Checks, result.Health)
	return nil
}

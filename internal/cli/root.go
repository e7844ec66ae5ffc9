package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cellar/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Root       string
	Cache      string
	DB         string
	Recipes    string
	Verbose    bool
	Format     string // "json" | "text"

	// EngineOptions are appended when the engine is built (for testing).
	EngineOptions []engine.EngineOption

	// Getenv allows overriding environment lookup (for testing).
	// If nil, defaults to os.Getenv.
	Getenv func(string) string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cellar CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cellar",
		Short: "cellar - build and install packages from source recipes",
		Long: `cellar installs software from declarative CUE recipes.

Each install runs a fixed pipeline: fetch the pinned source archive and
verify its checksum, extract it, apply patches, run the build steps,
apply post-install operations, and finally smoke-test the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", "", "config file (default $CELLAR_CONFIG or ~/.config/cellar/config.yaml)")
	pf.StringVar(&opts.Root, "root", "", "install root holding cellar/, opt/ and bin/")
	pf.StringVar(&opts.Cache, "cache", "", "download cache directory (default <root>/cache)")
	pf.StringVar(&opts.DB, "db", "", "receipt database (default <root>/cellar.db)")
	pf.StringVar(&opts.Recipes, "recipes", "", "recipes directory (default <root>/recipes)")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInstallCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

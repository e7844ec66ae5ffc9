package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cellar/internal/compiler"
	"github.com/roach88/cellar/internal/engine"
	"github.com/roach88/cellar/internal/ir"
	"github.com/roach88/cellar/internal/store"
)

// InstallOptions holds flags for the install command.
type InstallOptions struct {
	*RootOptions
	Jobs               int
	IgnoreDependencies bool
	SkipTest           bool
	Force              bool
}

// InstallResult is the success payload of the install command.
type InstallResult struct {
	Package      string       `json:"package"`
	Version      string       `json:"version"`
	Prefix       string       `json:"prefix"`
	Health       store.Health `json:"health"`
	SessionID    string       `json:"session_id,omitempty"`
	Cached       bool         `json:"cached"`
	Dependencies []string     `json:"installed_dependencies,omitempty"`
	Skipped      bool         `json:"already_installed,omitempty"`
	Caveats      string       `json:"caveats,omitempty"`
}

// NewInstallCommand creates the install command.
func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "install <package>",
		Short: "Build and install a package from its recipe",
		Long: `Build and install a package from its recipe.

Declared dependencies that have recipes are installed first, in dependency
order, unless they are already installed. The package itself is fetched,
verified, patched, built, post-processed and smoke-tested.

Exit codes identify the failing stage:
  10 fetch   11 checksum   12 patch   13 build
  14 post-install   15 verification   16 missing test prerequisite

Examples:
  cellar install openssl@1.0
  cellar install openssl@1.0 --jobs 1 --skip-test
  cellar install openssl@1.0 --force --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Jobs, "jobs", "j", 0, "build concurrency (default from config, else CPU count)")
	cmd.Flags().BoolVar(&opts.IgnoreDependencies, "ignore-dependencies", false, "do not install declared dependencies")
	cmd.Flags().BoolVar(&opts.SkipTest, "skip-test", false, "skip the smoke test; health stays untested")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "reinstall even if this version is installed")

	return cmd
}

func runInstall(opts *InstallOptions, name string, cmd *cobra.Command) error {
	if opts.Jobs < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--jobs must be >= 0, got %d", opts.Jobs))
	}
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	recipes, err := a.loadRecipes()
	if err != nil {
		return err
	}
	target, err := a.lookup(recipes, name)
	if err != nil {
		return err
	}

	order := []string{name}
	if !opts.IgnoreDependencies {
		var missing []string
		order, missing, err = compiler.InstallOrder(name, recipes.Recipes)
		if err != nil {
			_ = a.out.Error(compiler.ErrDependencyCycle, err.Error(), nil)
			return WrapExitError(ExitCommandError, "cannot order dependencies", err)
		}
		for _, dep := range missing {
			a.logger.Warn("dependency has no recipe, assuming it is provided externally", "package", name, "dependency", dep)
		}
	}
	for _, pkg := range order {
		if err := validateRecipe(a.out, recipes.Recipes[pkg]); err != nil {
			return err
		}
	}

	ctx, stop := commandContext(cmd, a.logger)
	defer stop()

	installOpts := engine.InstallOptions{Jobs: opts.Jobs, SkipTest: opts.SkipTest}
	summary := InstallResult{Package: target.Name, Version: target.Version}

	for _, pkg := range order[:len(order)-1] {
		installed, err := a.store.IsInstalled(ctx, pkg)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read receipts", err)
		}
		if installed {
			a.logger.Debug("dependency already installed", "package", pkg)
			continue
		}
		a.out.VerboseLog("Installing dependency %s", pkg)
		res, err := a.engine.Install(ctx, recipes.Recipes[pkg], installOpts)
		if err != nil {
			return reportFailure(a.out, pkg, res, err)
		}
		summary.Dependencies = append(summary.Dependencies, pkg)
	}

	if !opts.Force {
		existing, err := a.store.ReadInstall(ctx, name)
		switch {
		case err == nil && existing.Version == target.Version:
			summary.Prefix = existing.Prefix
			summary.Health = existing.Health
			summary.Skipped = true
			return outputInstall(a.out, summary)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return WrapExitError(ExitFailure, "failed to read receipts", err)
		}
	}

	res, err := a.engine.Install(ctx, target, installOpts)
	if err != nil {
		return reportFailure(a.out, name, res, err)
	}
	summary.Prefix = res.Prefix
	summary.Health = res.Health
	summary.SessionID = res.SessionID
	summary.Cached = res.Cached
	summary.Caveats = renderCaveats(a.engine.Layout(), target)
	return outputInstall(a.out, summary)
}

// validateRecipe rejects recipes with schema errors before anything runs.
func validateRecipe(out *OutputFormatter, r *ir.Recipe) error {
	errs := compiler.Validate(r)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	_ = out.Error(errs[0].Code, fmt.Sprintf("recipe %s is invalid: %s", r.Name, errs[0].Message), msgs)
	return NewExitError(ExitCommandError, fmt.Sprintf("recipe %s is invalid: %s", r.Name, strings.Join(msgs, "; ")))
}

func outputInstall(f *OutputFormatter, res InstallResult) error {
	if f.Format == "json" {
		return f.Success(res)
	}

	w := f.Writer
	for _, dep := range res.Dependencies {
		fmt.Fprintf(w, "✓ installed dependency %s\n", dep)
	}
	if res.Skipped {
		fmt.Fprintf(w, "%s %s is already installed at %s (%s); use --force to reinstall\n",
			res.Package, res.Version, res.Prefix, res.Health)
		return nil
	}
	fmt.Fprintf(w, "✓ %s %s installed to %s (%s)\n", res.Package, res.Version, res.Prefix, res.Health)
	if res.Caveats != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Caveats:")
		fmt.Fprintln(w, res.Caveats)
	}
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cellar/internal/engine"
	"github.com/roach88/cellar/internal/ir"
	"github.com/roach88/cellar/internal/store"
)

// InfoResult describes a recipe and its install status.
type InfoResult struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Homepage     string       `json:"homepage,omitempty"`
	Sources      []string     `json:"sources"`
	Checksum     string       `json:"checksum,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	KegOnly      string       `json:"keg_only,omitempty"`
	Patches      int          `json:"patches"`
	BuildSteps   int          `json:"build_steps"`
	Checks       int          `json:"checks"`
	Installed    *InstallInfo `json:"installed,omitempty"`
	Caveats      string       `json:"caveats,omitempty"`
}

// InstallInfo is the receipt view shown by info and list.
type InstallInfo struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Prefix       string       `json:"prefix"`
	Health       store.Health `json:"health"`
	HealthDetail string       `json:"health_detail,omitempty"`
	KegOnly      bool         `json:"keg_only"`
	SessionID    string       `json:"session_id"`
	InstalledAt  time.Time    `json:"installed_at"`
}

func installInfo(inst store.Install) *InstallInfo {
	return &InstallInfo{
		Name:         inst.Name,
		Version:      inst.Version,
		Prefix:       inst.Prefix,
		Health:       inst.Health,
		HealthDetail: inst.HealthDetail,
		KegOnly:      inst.KegOnly,
		SessionID:    inst.SessionID,
		InstalledAt:  inst.InstalledAt,
	}
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <package>",
		Short: "Show recipe metadata, install status and caveats",
		Long: `Show a recipe's metadata, whether it is installed and how healthy the
installation is, and its caveats with placeholders expanded.

Examples:
  cellar info openssl@1.0
  cellar info openssl@1.0 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runInfo(opts *RootOptions, name string, cmd *cobra.Command) error {
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

	info := InfoResult{
		Name:         r.Name,
		Version:      r.Version,
		Description:  r.Description,
		Homepage:     r.Homepage,
		Sources:      r.Sources,
		Dependencies: r.Dependencies,
		KegOnly:      r.KegOnly,
		Patches:      len(r.Patches),
		BuildSteps:   len(r.Build),
		Checks:       len(r.Test.Checks),
		Caveats:      renderCaveats(a.engine.Layout(), r),
	}
	if !r.Checksum.IsZero() {
		info.Checksum = r.Checksum.Algorithm + ":" + r.Checksum.Digest
	}

	inst, err := a.store.ReadInstall(cmd.Context(), name)
	switch {
	case err == nil:
		info.Installed = installInfo(inst)
	case !errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitFailure, "failed to read receipts", err)
	}

	if a.out.Format == "json" {
		return a.out.Success(info)
	}
	writeInfo(a.out.Writer, info)
	return nil
}

func writeInfo(w io.Writer, info InfoResult) {
	header := fmt.Sprintf("%s: %s", info.Name, info.Version)
	if info.KegOnly != "" {
		header += " (keg-only)"
	}
	fmt.Fprintln(w, header)
	if info.Description != "" {
		fmt.Fprintln(w, info.Description)
	}
	if info.Homepage != "" {
		fmt.Fprintln(w, info.Homepage)
	}
	fmt.Fprintln(w)

	for i, src := range info.Sources {
		label := "Source:"
		if i > 0 {
			label = "Mirror:"
		}
		fmt.Fprintf(w, "%-14s%s\n", label, src)
	}
	if info.Checksum != "" {
		fmt.Fprintf(w, "%-14s%s\n", "Checksum:", info.Checksum)
	}
	deps := "none"
	if len(info.Dependencies) > 0 {
		deps = strings.Join(info.Dependencies, ", ")
	}
	fmt.Fprintf(w, "%-14s%s\n", "Dependencies:", deps)
	fmt.Fprintf(w, "%-14s%d patch(es), %d build step(s), %d check(s)\n", "Recipe:", info.Patches, info.BuildSteps, info.Checks)
	if info.KegOnly != "" {
		fmt.Fprintf(w, "%-14s%s\n", "Keg-only:", info.KegOnly)
	}

	if info.Installed == nil {
		fmt.Fprintf(w, "%-14s%s\n", "Status:", "not installed")
	} else {
		in := info.Installed
		fmt.Fprintf(w, "%-14s%s installed at %s (%s)\n", "Status:", in.Version, in.Prefix, in.Health)
		if in.HealthDetail != "" {
			fmt.Fprintf(w, "%-14s%s\n", "", in.HealthDetail)
		}
	}

	if info.Caveats != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Caveats:")
		fmt.Fprintln(w, info.Caveats)
	}
}

// renderCaveats expands placeholders in a recipe's caveats. Text that fails
// to expand is shown as written.
func renderCaveats(layout engine.Layout, r *ir.Recipe) string {
	if r.Caveats == "" {
		return ""
	}
	deps := make(map[string]string, len(r.Dependencies))
	for _, d := range r.Dependencies {
		deps[d] = layout.Opt(d)
	}
	res := engine.NewResolver(r, layout, layout.Prefix(r.Name, r.Version), deps, 1)
	text, err := res.Resolve(r.Caveats)
	if err != nil {
		text = r.Caveats
	}
	return strings.TrimRight(text, "\n")
}

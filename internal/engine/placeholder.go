package engine

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/roach88/cellar/internal/ir"
)

// Resolver expands recipe placeholders for one session.
type Resolver struct {
	values map[string]string
	deps   map[string]string
}

// NewResolver builds the placeholder table for a recipe installed at prefix.
// deps maps each declared dependency to its opt path.
func NewResolver(r *ir.Recipe, layout Layout, prefix string, deps map[string]string, jobs int) *Resolver {
	configDir := filepath.Join(prefix, "etc")
	if r.ConfigDir != "" {
		configDir = filepath.Join(prefix, filepath.FromSlash(r.ConfigDir))
	}
	return &Resolver{
		values: map[string]string{
			ir.PHPrefix:    prefix,
			ir.PHBin:       filepath.Join(prefix, "bin"),
			ir.PHLib:       filepath.Join(prefix, "lib"),
			ir.PHEtc:       filepath.Join(prefix, "etc"),
			ir.PHShare:     filepath.Join(prefix, "share"),
			ir.PHMan:       filepath.Join(prefix, "share", "man"),
			ir.PHConfigDir: configDir,
			ir.PHRoot:      layout.Root,
			ir.PHArch:      HostArch(),
			ir.PHOS:        runtime.GOOS,
			ir.PHJobs:      strconv.Itoa(jobs),
			ir.PHName:      r.Name,
			ir.PHVersion:   r.Version,
		},
		deps: deps,
	}
}

// With returns a copy with one placeholder overridden, e.g. jobs for a
// deparallelized step or testdir for a check.
func (r *Resolver) With(name, value string) *Resolver {
	values := make(map[string]string, len(r.values)+1)
	for k, v := range r.values {
		values[k] = v
	}
	values[name] = value
	return &Resolver{values: values, deps: r.deps}
}

// Resolve expands every placeholder in s.
func (r *Resolver) Resolve(s string) (string, error) {
	return ir.ExpandPlaceholders(s, r.lookup)
}

// ResolveAll expands a list of strings, stopping at the first error.
func (r *Resolver) ResolveAll(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		v, err := r.Resolve(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Resolver) lookup(p ir.Placeholder) (string, error) {
	if p.Name == ir.PHDep {
		path, ok := r.deps[p.Arg]
		if !ok {
			return "", fmt.Errorf("%s refers to undeclared dependency %q", p, p.Arg)
		}
		return path, nil
	}
	if p.Arg != "" {
		return "", fmt.Errorf("placeholder %s takes no argument", p)
	}
	v, ok := r.values[p.Name]
	if !ok {
		if p.Name == ir.PHTestDir {
			return "", fmt.Errorf("%s is only available in test checks", p)
		}
		return "", fmt.Errorf("unknown placeholder %s", p)
	}
	return v, nil
}

// HostArch returns the CPU architecture in the spelling build systems
// expect (x86_64 rather than amd64).
func HostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}

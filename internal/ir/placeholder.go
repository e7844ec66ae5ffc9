package ir

import (
	"fmt"
	"regexp"
)

// Placeholder names understood by the engine. {{dep:NAME}} is handled
// separately because it carries an argument.
const (
	PHPrefix    = "prefix"
	PHBin       = "bin"
	PHLib       = "lib"
	PHEtc       = "etc"
	PHShare     = "share"
	PHMan       = "man"
	PHConfigDir = "config_dir"
	PHRoot      = "root"
	PHArch      = "arch"
	PHOS        = "os"
	PHJobs      = "jobs"
	PHName      = "name"
	PHVersion   = "version"
	PHTestDir   = "testdir"
	PHDep       = "dep"
)

// KnownPlaceholders is the set of argument-less placeholder names.
var KnownPlaceholders = map[string]bool{
	PHPrefix: true, PHBin: true, PHLib: true, PHEtc: true, PHShare: true,
	PHMan: true, PHConfigDir: true, PHRoot: true, PHArch: true, PHOS: true,
	PHJobs: true, PHName: true, PHVersion: true, PHTestDir: true,
}

// placeholderPattern matches {{name}} and {{name:arg}} with optional inner spaces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)(?::([^{}\s]+))?\s*\}\}`)

// malformedPattern catches leftovers such as {{Prefix}} or {{dep:}}.
var malformedPattern = regexp.MustCompile(`\{\{[^{}]*\}\}`)

// Placeholder is one token found in a recipe string.
type Placeholder struct {
	Name string
	Arg  string // only for dep
}

func (p Placeholder) String() string {
	if p.Arg != "" {
		return "{{" + p.Name + ":" + p.Arg + "}}"
	}
	return "{{" + p.Name + "}}"
}

// FindPlaceholders returns every placeholder in s, in order.
func FindPlaceholders(s string) []Placeholder {
	var out []Placeholder
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		out = append(out, Placeholder{Name: m[1], Arg: m[2]})
	}
	return out
}

// ExpandPlaceholders replaces every placeholder in s using lookup.
// The first lookup error aborts expansion. A leftover "{{" after expansion
// is reported as malformed so a typo never reaches a subprocess verbatim.
func ExpandPlaceholders(s string, lookup func(Placeholder) (string, error)) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		m := placeholderPattern.FindStringSubmatch(match)
		val, err := lookup(Placeholder{Name: m[1], Arg: m[2]})
		if err != nil {
			firstErr = err
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	if bad := malformedPattern.FindString(out); bad != "" {
		return "", fmt.Errorf("malformed placeholder %s in %q", bad, s)
	}
	return out, nil
}

// CheckPlaceholder reports whether p is valid for a recipe with the given
// dependencies.
func CheckPlaceholder(p Placeholder, deps []string) error {
	if p.Name == PHDep {
		if p.Arg == "" {
			return fmt.Errorf("%s requires a package name", p)
		}
		for _, d := range deps {
			if d == p.Arg {
				return nil
			}
		}
		return fmt.Errorf("%s refers to undeclared dependency %q", p, p.Arg)
	}
	if p.Arg != "" {
		return fmt.Errorf("placeholder %s takes no argument", p)
	}
	if !KnownPlaceholders[p.Name] {
		return fmt.Errorf("unknown placeholder %s", p)
	}
	return nil
}

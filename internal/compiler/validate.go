package compiler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/roach88/cellar/internal/ir"
)

// Validation error codes (E120-E149)
const (
	// Recipe identity errors (E120-E124)
	ErrRecipeNameInvalid    = "E120" // name empty or contains path separators
	ErrRecipeVersionEmpty   = "E121" // version is required
	ErrRecipeNoSources      = "E122" // at least one source URL
	ErrChecksumRequired     = "E123" // remote sources need a checksum
	ErrChecksumInvalid      = "E124" // unknown algorithm or malformed digest
	ErrSourceURLInvalid     = "E125" // unparsable or unsupported scheme
	ErrDuplicateDependency  = "E126" // dependency listed twice or self-dependency
	ErrPatchInvalid         = "E127" // empty text or negative strip
	ErrStepInvalid          = "E130" // empty exec or negative jobs
	ErrPlaceholderInvalid   = "E131" // unknown placeholder or undeclared dep
	ErrPostInstallInvalid   = "E132" // unknown op, missing path/source
	ErrCheckInvalid         = "E133" // test check missing exec/expect
	ErrConfigDirInvalid     = "E134" // config_dir must be relative and inside prefix
	ErrDependencyCycle      = "E140" // dependency graph contains a cycle
	ErrDependencyUnresolved = "E141" // dependency has no recipe (warning level)
)

// ValidationError represents a recipe validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// recipeNamePattern allows Homebrew-style names such as "openssl@1.0".
var recipeNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9+_.@-]*$`)

// supportedSchemes are the source URL schemes the fetcher understands.
var supportedSchemes = map[string]bool{"http": true, "https": true, "file": true}

// Validate checks a compiled recipe against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(r *ir.Recipe) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if !recipeNamePattern.MatchString(r.Name) {
		add("name", ErrRecipeNameInvalid, "invalid recipe name %q", r.Name)
	}
	if strings.TrimSpace(r.Version) == "" {
		add("version", ErrRecipeVersionEmpty, "version is required and must be non-empty")
	}

	// Sources and checksum
	if len(r.Sources) == 0 {
		add("sources", ErrRecipeNoSources, "at least one source URL is required")
	}
	for i, src := range r.Sources {
		u, err := url.Parse(src)
		if err != nil || !supportedSchemes[u.Scheme] {
			add(fmt.Sprintf("sources[%d]", i), ErrSourceURLInvalid, "unsupported source URL %q", src)
		}
	}
	if r.Checksum.IsZero() {
		if r.IsRemote() {
			add("checksum", ErrChecksumRequired, "a checksum is required when any source is remote")
		}
	} else if err := r.Checksum.Validate(); err != nil {
		add("checksum", ErrChecksumInvalid, "%v", err)
	}

	// Dependencies
	seen := make(map[string]bool)
	for i, dep := range r.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if dep == r.Name {
			add(field, ErrDuplicateDependency, "recipe %q depends on itself", r.Name)
		}
		if seen[dep] {
			add(field, ErrDuplicateDependency, "duplicate dependency %q", dep)
		}
		seen[dep] = true
	}

	if r.ConfigDir != "" {
		clean := path.Clean(r.ConfigDir)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			add("config_dir", ErrConfigDirInvalid, "config_dir %q must be relative to the prefix", r.ConfigDir)
		}
	}

	for i, p := range r.Patches {
		field := fmt.Sprintf("patches[%d]", i)
		if strings.TrimSpace(p.Text) == "" {
			add(field, ErrPatchInvalid, "patch text is empty")
		}
		if p.Strip < 0 {
			add(field, ErrPatchInvalid, "strip must be non-negative, got %d", p.Strip)
		}
	}

	for i, step := range r.Build {
		field := fmt.Sprintf("build[%d]", i)
		if strings.TrimSpace(step.Exec) == "" {
			add(field+".exec", ErrStepInvalid, "exec is required")
		}
		if step.Jobs < 0 {
			add(field+".jobs", ErrStepInvalid, "jobs must be non-negative, got %d", step.Jobs)
		}
		if step.Timeout < 0 {
			add(field+".timeout", ErrStepInvalid, "timeout must be non-negative")
		}
		errs = append(errs, validatePlaceholders(field+".exec", step.Exec, r.Dependencies, false)...)
		for j, arg := range step.Args {
			errs = append(errs, validatePlaceholders(fmt.Sprintf("%s.args[%d]", field, j), arg, r.Dependencies, false)...)
		}
		for name, val := range step.Env {
			if !val.Unset {
				errs = append(errs, validatePlaceholders(field+".env."+name, val.Value, r.Dependencies, false)...)
			}
		}
	}

	for i, op := range r.PostInstall {
		field := fmt.Sprintf("post_install[%d]", i)
		if !ir.ValidPostInstallKinds[op.Kind] {
			add(field, ErrPostInstallInvalid, "unknown post-install operation %q", op.Kind)
		}
		if strings.TrimSpace(op.Path) == "" {
			add(field+".path", ErrPostInstallInvalid, "path is required")
		}
		if op.Kind == ir.OpSymlink && strings.TrimSpace(op.Source) == "" {
			add(field+".source", ErrPostInstallInvalid, "symlink requires a source")
		}
		errs = append(errs, validatePlaceholders(field+".path", op.Path, r.Dependencies, false)...)
		errs = append(errs, validatePlaceholders(field+".source", op.Source, r.Dependencies, false)...)
	}

	for i, req := range r.Test.Requires {
		errs = append(errs, validatePlaceholders(fmt.Sprintf("test.requires[%d]", i), req, r.Dependencies, false)...)
	}
	for i, check := range r.Test.Checks {
		field := fmt.Sprintf("test.checks[%d]", i)
		if strings.TrimSpace(check.Exec) == "" {
			add(field+".exec", ErrCheckInvalid, "exec is required")
		}
		if check.Expect == "" {
			add(field+".expect", ErrCheckInvalid, "expect is required")
		}
		if check.ReadLimit < 0 {
			add(field+".read_limit", ErrCheckInvalid, "read_limit must be non-negative")
		}
		if check.Input != nil && strings.TrimSpace(check.Input.File) == "" {
			add(field+".input.file", ErrCheckInvalid, "input file name is required")
		}
		errs = append(errs, validatePlaceholders(field+".exec", check.Exec, r.Dependencies, true)...)
		for j, arg := range check.Args {
			errs = append(errs, validatePlaceholders(fmt.Sprintf("%s.args[%d]", field, j), arg, r.Dependencies, true)...)
		}
	}

	errs = append(errs, validatePlaceholders("caveats", r.Caveats, r.Dependencies, false)...)

	return errs
}

// validatePlaceholders checks every placeholder in s. {{testdir}} is only
// meaningful while verifying.
func validatePlaceholders(field, s string, deps []string, inTest bool) []ValidationError {
	var errs []ValidationError
	for _, p := range ir.FindPlaceholders(s) {
		err := ir.CheckPlaceholder(p, deps)
		if err == nil && p.Name == ir.PHTestDir && !inTest {
			err = fmt.Errorf("%s is only available in test checks", p)
		}
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Code: ErrPlaceholderInvalid, Message: err.Error()})
		}
	}
	return errs
}

package compiler

import (
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cellar/internal/ir"
)

// DefaultPatchStrip matches `patch -p1`, the convention for diffs generated
// against a versioned source directory.
const DefaultPatchStrip = 1

// CompileRecipe parses a CUE value into a Recipe.
// Uses the CUE SDK's Go API directly (not the cue CLI).
//
// The CUE value should be the recipe struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`recipe: zlib: { ... }`)
//	r, err := CompileRecipe(v.LookupPath(cue.ParsePath("recipe.zlib")))
func CompileRecipe(v cue.Value) (*ir.Recipe, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	r := &ir.Recipe{}

	// Recipe name comes from the struct label; quoted labels such as
	// "openssl@1.0" are unquoted.
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		r.Name = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	var err error
	if r.Version, err = requiredString(v, "version"); err != nil {
		return nil, err
	}
	if r.Description, err = optionalString(v, "desc"); err != nil {
		return nil, err
	}
	if r.Homepage, err = optionalString(v, "homepage"); err != nil {
		return nil, err
	}
	if r.ConfigDir, err = optionalString(v, "config_dir"); err != nil {
		return nil, err
	}
	if r.KegOnly, err = optionalString(v, "keg_only"); err != nil {
		return nil, err
	}
	if r.Caveats, err = optionalString(v, "caveats"); err != nil {
		return nil, err
	}

	primary, err := requiredString(v, "url")
	if err != nil {
		return nil, err
	}
	mirrors, err := stringList(v, "mirrors")
	if err != nil {
		return nil, err
	}
	r.Sources = append([]string{primary}, mirrors...)

	if r.Checksum, err = parseChecksum(v); err != nil {
		return nil, err
	}

	if r.Dependencies, err = stringList(v, "depends_on"); err != nil {
		return nil, err
	}
	if r.Patches, err = parsePatches(v); err != nil {
		return nil, err
	}

	// Recipe-wide env and jobs are defaults for every build step.
	recipeEnv, err := parseEnv(v.LookupPath(cue.ParsePath("env")))
	if err != nil {
		return nil, err
	}
	recipeJobs, err := optionalInt(v, "jobs")
	if err != nil {
		return nil, err
	}
	if r.Build, err = parseSteps(v, recipeEnv, recipeJobs); err != nil {
		return nil, err
	}
	if len(r.Build) == 0 {
		return nil, &CompileError{
			Field:   "build",
			Message: "at least one build step is required",
			Pos:     v.Pos(),
		}
	}

	if r.PostInstall, err = parsePostInstall(v); err != nil {
		return nil, err
	}
	if r.Test, err = parseTest(v); err != nil {
		return nil, err
	}

	return r, nil
}

// parseChecksum accepts either a `checksum: {algorithm, digest}` struct or a
// shorthand field named after the algorithm (`sha256: "..."`).
func parseChecksum(v cue.Value) (ir.Checksum, error) {
	csVal := v.LookupPath(cue.ParsePath("checksum"))
	if csVal.Exists() {
		alg, err := requiredString(csVal, "algorithm")
		if err != nil {
			return ir.Checksum{}, err
		}
		digest, err := requiredString(csVal, "digest")
		if err != nil {
			return ir.Checksum{}, err
		}
		return ir.Checksum{Algorithm: alg, Digest: strings.ToLower(digest)}, nil
	}

	var found []ir.Checksum
	for _, alg := range []string{ir.AlgSHA256, ir.AlgSHA512, ir.AlgBLAKE3} {
		digest, err := optionalString(v, alg)
		if err != nil {
			return ir.Checksum{}, err
		}
		if digest != "" {
			found = append(found, ir.Checksum{Algorithm: alg, Digest: strings.ToLower(digest)})
		}
	}
	if len(found) > 1 {
		return ir.Checksum{}, &CompileError{
			Field:   "checksum",
			Message: "only one checksum may be declared",
			Pos:     v.Pos(),
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return ir.Checksum{}, nil
}

// parsePatches accepts a list of diff strings or {text, strip} structs.
func parsePatches(v cue.Value) ([]ir.Patch, error) {
	patchesVal := v.LookupPath(cue.ParsePath("patches"))
	if !patchesVal.Exists() {
		return nil, nil
	}
	iter, err := patchesVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var patches []ir.Patch
	for iter.Next() {
		pv := iter.Value()
		if text, err := pv.String(); err == nil {
			patches = append(patches, ir.Patch{Text: text, Strip: DefaultPatchStrip})
			continue
		}
		text, err := requiredString(pv, "text")
		if err != nil {
			return nil, err
		}
		strip := DefaultPatchStrip
		stripVal := pv.LookupPath(cue.ParsePath("strip"))
		if stripVal.Exists() {
			n, err := stripVal.Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			strip = int(n)
		}
		patches = append(patches, ir.Patch{Text: text, Strip: strip})
	}
	return patches, nil
}

// parseEnv reads a struct of NAME: "value" | null. null unsets the variable.
func parseEnv(envVal cue.Value) (map[string]ir.EnvValue, error) {
	if !envVal.Exists() {
		return nil, nil
	}
	iter, err := envVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	env := make(map[string]ir.EnvValue)
	for iter.Next() {
		name := iter.Label()
		val := iter.Value()
		if val.IsNull() {
			env[name] = ir.UnsetEnv()
			continue
		}
		s, err := val.String()
		if err != nil {
			return nil, &CompileError{
				Field:   "env." + name,
				Message: "env values must be strings or null",
				Pos:     val.Pos(),
			}
		}
		env[name] = ir.SetEnv(s)
	}
	return env, nil
}

// parseSteps reads the build list. Each step is either a list of strings
// (["make", "install"]) or a struct with exec/args/env/dir/jobs/timeout.
func parseSteps(v cue.Value, defaultEnv map[string]ir.EnvValue, defaultJobs int) ([]ir.Step, error) {
	buildVal := v.LookupPath(cue.ParsePath("build"))
	if !buildVal.Exists() {
		return nil, nil
	}
	iter, err := buildVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var steps []ir.Step
	for i := 0; iter.Next(); i++ {
		sv := iter.Value()
		step := ir.Step{Jobs: defaultJobs}

		if sv.IncompleteKind() == cue.ListKind {
			argv, err := listStrings(sv)
			if err != nil {
				return nil, err
			}
			if len(argv) == 0 {
				return nil, &CompileError{
					Field:   fmt.Sprintf("build[%d]", i),
					Message: "step command list is empty",
					Pos:     sv.Pos(),
				}
			}
			step.Exec, step.Args = argv[0], argv[1:]
		} else {
			if step.Exec, err = requiredString(sv, "exec"); err != nil {
				return nil, err
			}
			if step.Args, err = stringList(sv, "args"); err != nil {
				return nil, err
			}
			if step.Dir, err = optionalString(sv, "dir"); err != nil {
				return nil, err
			}
			jobsVal := sv.LookupPath(cue.ParsePath("jobs"))
			if jobsVal.Exists() {
				n, err := jobsVal.Int64()
				if err != nil {
					return nil, formatCUEError(err)
				}
				step.Jobs = int(n)
			}
			timeout, err := optionalString(sv, "timeout")
			if err != nil {
				return nil, err
			}
			if timeout != "" {
				d, err := time.ParseDuration(timeout)
				if err != nil {
					return nil, &CompileError{
						Field:   fmt.Sprintf("build[%d].timeout", i),
						Message: fmt.Sprintf("invalid duration %q", timeout),
						Pos:     sv.Pos(),
					}
				}
				step.Timeout = d
			}
			stepEnv, err := parseEnv(sv.LookupPath(cue.ParsePath("env")))
			if err != nil {
				return nil, err
			}
			step.Env = mergeEnv(defaultEnv, stepEnv)
		}
		if step.Env == nil {
			step.Env = mergeEnv(defaultEnv, nil)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// mergeEnv returns base overlaid with override; nil when both are empty.
func mergeEnv(base, override map[string]ir.EnvValue) map[string]ir.EnvValue {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]ir.EnvValue, len(base)+len(override))
	for k, val := range base {
		out[k] = val
	}
	for k, val := range override {
		out[k] = val
	}
	return out
}

// parsePostInstall reads entries of the form {remove: path},
// {symlink: path, source: src} or {mkdir: path}.
func parsePostInstall(v cue.Value) ([]ir.PostInstallOp, error) {
	piVal := v.LookupPath(cue.ParsePath("post_install"))
	if !piVal.Exists() {
		return nil, nil
	}
	iter, err := piVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var ops []ir.PostInstallOp
	for i := 0; iter.Next(); i++ {
		ov := iter.Value()
		var matched []ir.PostInstallOp
		for _, kind := range []ir.PostInstallKind{ir.OpRemove, ir.OpSymlink, ir.OpMkdir} {
			path, err := optionalString(ov, string(kind))
			if err != nil {
				return nil, err
			}
			if path != "" {
				matched = append(matched, ir.PostInstallOp{Kind: kind, Path: path})
			}
		}
		if len(matched) != 1 {
			return nil, &CompileError{
				Field:   fmt.Sprintf("post_install[%d]", i),
				Message: "each entry must have exactly one of remove, symlink, mkdir",
				Pos:     ov.Pos(),
			}
		}
		op := matched[0]
		if op.Kind == ir.OpSymlink {
			if op.Source, err = requiredString(ov, "source"); err != nil {
				return nil, err
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// parseTest reads the optional test block.
func parseTest(v cue.Value) (ir.TestSpec, error) {
	var spec ir.TestSpec
	testVal := v.LookupPath(cue.ParsePath("test"))
	if !testVal.Exists() {
		return spec, nil
	}

	var err error
	if spec.Requires, err = stringList(testVal, "requires"); err != nil {
		return spec, err
	}

	checksVal := testVal.LookupPath(cue.ParsePath("checks"))
	if !checksVal.Exists() {
		return spec, nil
	}
	iter, err := checksVal.List()
	if err != nil {
		return spec, formatCUEError(err)
	}
	for iter.Next() {
		check, err := parseCheck(iter.Value())
		if err != nil {
			return spec, err
		}
		spec.Checks = append(spec.Checks, check)
	}
	return spec, nil
}

func parseCheck(cv cue.Value) (ir.Check, error) {
	check := ir.Check{Field: -1}
	var err error

	if check.Name, err = optionalString(cv, "name"); err != nil {
		return check, err
	}
	if check.Exec, err = requiredString(cv, "exec"); err != nil {
		return check, err
	}
	if check.Args, err = stringList(cv, "args"); err != nil {
		return check, err
	}
	if check.Output, err = optionalString(cv, "output"); err != nil {
		return check, err
	}
	if check.Delimiter, err = optionalString(cv, "delimiter"); err != nil {
		return check, err
	}
	if check.Expect, err = requiredString(cv, "expect"); err != nil {
		return check, err
	}
	if check.ReadLimit, err = optionalInt(cv, "read_limit"); err != nil {
		return check, err
	}
	fieldVal := cv.LookupPath(cue.ParsePath("field"))
	if fieldVal.Exists() {
		n, err := fieldVal.Int64()
		if err != nil {
			return check, formatCUEError(err)
		}
		check.Field = int(n)
	}

	inputVal := cv.LookupPath(cue.ParsePath("input"))
	if inputVal.Exists() {
		file, err := requiredString(inputVal, "file")
		if err != nil {
			return check, err
		}
		content, err := requiredString(inputVal, "content")
		if err != nil {
			return check, err
		}
		check.Input = &ir.TestInput{File: file, Content: content}
	}
	return check, nil
}

// requiredString looks up a string field that must exist.
func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// optionalString returns "" when the field is absent.
func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// optionalInt returns 0 when the field is absent.
func optionalInt(v cue.Value, field string) (int, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, nil
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return int(n), nil
}

// stringList returns nil when the field is absent.
func stringList(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	return listStrings(fv)
}

func listStrings(lv cue.Value) ([]string, error) {
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}

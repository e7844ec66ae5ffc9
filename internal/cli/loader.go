package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cellar/internal/compiler"
	"github.com/roach88/cellar/internal/ir"
)

// LoadMode controls how errors are handled during recipe loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the recipes found in a directory.
type LoadResult struct {
	Recipes   map[string]*ir.Recipe
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// Names returns the recipe names in sorted order.
func (r *LoadResult) Names() []string {
	names := make([]string, 0, len(r.Recipes))
	for name := range r.Recipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadError represents an error that occurred during recipe loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadRecipes loads every recipe.<name> struct from the CUE package in dir.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadRecipes(dir string, mode LoadMode) (*LoadResult, []error) {
	var errs []error

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("recipes directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing recipes directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		Recipes:   make(map[string]*ir.Recipe),
		CUEValue:  value,
		FileCount: len(cueFiles),
	}

	recipesVal := value.LookupPath(cue.ParsePath("recipe"))
	if !recipesVal.Exists() {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: "no recipes found"}}
	}
	iter, err := recipesVal.Fields()
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating recipes: %v", err)}}
	}
	for iter.Next() {
		r, compileErr := compiler.CompileRecipe(iter.Value())
		if compileErr != nil {
			errs = append(errs, convertCompileError(compileErr, "recipe."+iter.Label()))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Recipes[r.Name] = r
	}

	if len(result.Recipes) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no recipes found"})
	}
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeNoRecipe    = "E007" // Unknown package name
	ErrCodeConfig      = "E008" // Config or database setup failed

	// Pipeline failures, one per stage error type
	ErrCodeFetch        = "E201"
	ErrCodeChecksum     = "E202"
	ErrCodePatch        = "E203"
	ErrCodeBuild        = "E204"
	ErrCodePostInstall  = "E205"
	ErrCodeVerification = "E206"
	ErrCodePrerequisite = "E207"
	ErrCodeNotInstalled = "E208"
)

// MapFieldToErrorCode maps a compiler error field such as "build[2].timeout"
// to an error code using its leading segment.
func MapFieldToErrorCode(field string) string {
	switch fieldHead(field) {
	case "version":
		return compiler.ErrRecipeVersionEmpty
	case "url", "mirrors":
		return compiler.ErrRecipeNoSources
	case "checksum", "sha256":
		return compiler.ErrChecksumInvalid
	case "patches", "text", "strip":
		return compiler.ErrPatchInvalid
	case "build", "env", "jobs", "timeout", "exec", "args", "dir":
		return compiler.ErrStepInvalid
	case "post_install":
		return compiler.ErrPostInstallInvalid
	case "test", "checks", "input", "expect", "requires":
		return compiler.ErrCheckInvalid
	case "cue":
		return ErrCodeBuildFailed
	default:
		return ErrCodeGeneric
	}
}

// fieldHead returns the leading segment of a field path.
func fieldHead(field string) string {
	if i := strings.IndexAny(field, ".["); i >= 0 {
		return field[:i]
	}
	return field
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/cellar/internal/compiler"
)

// ValidationIssue is a validation error or warning with its location.
type ValidationIssue struct {
	compiler.ValidationError
	Recipe string `json:"recipe,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Recipes  int               `json:"recipes"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [recipes-dir]",
		Short: "Validate recipes without building anything",
		Long: `Validate CUE recipes without fetching or building.

Compiles every recipe, checks schema rules (names, sources, checksums,
placeholders, post-install operations, test checks) and the dependency
graph. Dependencies without a recipe are reported as warnings since they
may be provided by the system.

The directory defaults to the configured recipes directory.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, recipesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if recipesDir == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return outputValidateError(formatter, ErrCodeConfig, err.Error(), nil)
		}
		recipesDir = cfg.Recipes
	}

	loadResult, loadErrors := LoadRecipes(recipesDir, LoadModeCollectAll)

	// Handle load errors (directory not found, no files, etc.)
	if loadResult == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, recipesDir)

	result := ValidationResult{Recipes: len(loadResult.Recipes)}
	for _, err := range loadErrors {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			result.Errors = append(result.Errors, ValidationIssue{
				ValidationError: compiler.ValidationError{Field: "load", Message: loadErr.Message, Code: loadErr.Code},
				Line:            getLineFromCuePos(loadErr.Pos),
			})
		}
	}

	errs, warnings := validateAll(loadResult, formatter)
	result.Errors = append(result.Errors, errs...)
	result.Warnings = warnings
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// validateAll runs schema validation on every compiled recipe, then checks
// the dependency graph across recipes.
func validateAll(result *LoadResult, formatter *OutputFormatter) (errs, warnings []ValidationIssue) {
	for _, name := range result.Names() {
		formatter.VerboseLog("Validating recipe: %s", name)
		r := result.Recipes[name]
		for _, ve := range compiler.Validate(r) {
			errs = append(errs, ValidationIssue{
				ValidationError: ve,
				Recipe:          name,
				Line:            fieldLine(result.CUEValue, name, ve.Field),
			})
		}
		for _, dep := range r.Dependencies {
			if _, ok := result.Recipes[dep]; !ok {
				warnings = append(warnings, ValidationIssue{
					ValidationError: compiler.ValidationError{
						Field:   "depends_on",
						Code:    compiler.ErrDependencyUnresolved,
						Message: fmt.Sprintf("dependency %q has no recipe", dep),
					},
					Recipe: name,
				})
			}
		}
	}

	for _, cycle := range compiler.AnalyzeCycles(result.Recipes) {
		errs = append(errs, ValidationIssue{
			ValidationError: compiler.ValidationError{
				Field:   "depends_on",
				Code:    compiler.ErrDependencyCycle,
				Message: cycle.Error(),
			},
			Recipe: cycle.Path[0],
		})
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Recipe < errs[j].Recipe })
	return errs, warnings
}

// fieldLine finds the source line of a recipe field, if it exists in the
// CUE value. Indexed fields such as build[2] resolve to the list itself.
func fieldLine(v cue.Value, recipe, field string) int {
	fv := v.LookupPath(cue.MakePath(cue.Str("recipe"), cue.Str(recipe)))
	if !fv.Exists() {
		return 0
	}
	if head := fieldHead(field); head != "" {
		if sub := fv.LookupPath(cue.MakePath(cue.Str(head))); sub.Exists() {
			fv = sub
		}
	}
	return getLineFromCuePos(fv.Pos())
}

// getLineFromCuePos extracts line number from a token.Pos.
func getLineFromCuePos(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	writeIssues(formatter.Writer, "warning", result.Warnings)
	fmt.Fprintf(formatter.Writer, "✓ All %d recipe(s) valid\n", result.Recipes)
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	writeIssues(formatter.Writer, "error", errs)
	writeIssues(formatter.Writer, "warning", result.Warnings)

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}

func writeIssues(w io.Writer, kind string, issues []ValidationIssue) {
	for _, is := range issues {
		loc := is.Recipe
		if is.Line > 0 {
			loc = fmt.Sprintf("%s (line %d)", loc, is.Line)
		}
		fmt.Fprintf(w, "%s: %s\n", kind, loc)
		fmt.Fprintf(w, "  %s %s: %s\n\n", is.Code, is.Field, is.Message)
	}
}

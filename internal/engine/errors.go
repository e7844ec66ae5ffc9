package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names one step of the install pipeline.
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageExtract     Stage = "extract"
	StagePatch       Stage = "patch"
	StageBuild       Stage = "build"
	StagePostInstall Stage = "post_install"
	StageTest        Stage = "test"
)

// ErrNotInstalled is returned by Test when the package has no prefix.
var ErrNotInstalled = errors.New("not installed")

// StageError wraps the failure of one pipeline stage. Every error returned
// by Engine.Install and Engine.Test is a *StageError, so callers can always
// report which stage failed and still match the cause with errors.As.
type StageError struct {
	Stage   Stage
	Package string
	Err     error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Package, e.Stage, e.Err)
}

// Unwrap returns the underlying stage failure.
func (e *StageError) Unwrap() error {
	return e.Err
}

// SourceFailure is why one candidate URL could not be used.
type SourceFailure struct {
	URL string
	Err error
}

// FetchError means every source URL was unreachable.
type FetchError struct {
	Package  string
	Failures []SourceFailure
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "could not fetch %s from any of %d source(s)", e.Package, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  %s: %v", f.URL, f.Err)
	}
	return b.String()
}

// ChecksumError means at least one source delivered bytes whose digest did
// not match the recipe, and no other source delivered matching bytes.
type ChecksumError struct {
	Package   string
	URL       string // last source that delivered mismatching bytes
	Algorithm string
	Expected  string
	Actual    string
	Failures  []SourceFailure
}

// Error implements the error interface.
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s checksum mismatch for %s\n  expected: %s\n  actual:   %s",
		e.Algorithm, e.URL, e.Expected, e.Actual)
}

// BuildStepError reports a build step that exited non-zero or could not run.
// Step is 1-based. ExitCode is -1 when the process never exited normally.
type BuildStepError struct {
	Step       int
	Exec       string
	Args       []string
	ExitCode   int
	StderrTail string
	Log        string
	Err        error
}

// Command renders the literal command line that was run.
func (e *BuildStepError) Command() string {
	return commandLine(e.Exec, e.Args)
}

// Error implements the error interface.
func (e *BuildStepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build step %d failed: %s: %v", e.Step, e.Command(), e.Err)
	}
	return fmt.Sprintf("build step %d failed: %s: exit status %d", e.Step, e.Command(), e.ExitCode)
}

// Unwrap returns the spawn or timeout error, if any.
func (e *BuildStepError) Unwrap() error {
	return e.Err
}

// PostInstallError reports a failed post-install operation. Op is 1-based;
// zero means the failure happened while linking the prefix.
type PostInstallError struct {
	Op   int
	Kind string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *PostInstallError) Error() string {
	if e.Op == 0 {
		return fmt.Sprintf("linking %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("post-install op %d (%s %s): %v", e.Op, e.Kind, e.Path, e.Err)
}

// Unwrap returns the underlying filesystem error.
func (e *PostInstallError) Unwrap() error {
	return e.Err
}

// MissingPrerequisiteError means a file the test declares as required is
// absent. It is raised before any functional check runs.
type MissingPrerequisiteError struct {
	Path string
}

// Error implements the error interface.
func (e *MissingPrerequisiteError) Error() string {
	return fmt.Sprintf("required file %s does not exist", e.Path)
}

// VerificationError reports a failed smoke-test check.
type VerificationError struct {
	Check      string
	Command    string
	Expected   string
	Actual     string
	ExitCode   int
	StderrTail string
	Err        error
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Check, e.Err)
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s exited with status %d", e.Check, e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: expected %q, got %q", e.Check, e.Expected, e.Actual)
}

// Unwrap returns the underlying error, if any.
func (e *VerificationError) Unwrap() error {
	return e.Err
}

// IsChecksumError returns true if err is or wraps a *ChecksumError.
func IsChecksumError(err error) bool {
	var ce *ChecksumError
	return errors.As(err, &ce)
}

// IsBuildStepError returns true if err is or wraps a *BuildStepError.
func IsBuildStepError(err error) bool {
	var be *BuildStepError
	return errors.As(err, &be)
}

// StageOf returns the stage err came from, or "" if err is not a stage failure.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// commandLine joins exec and args, quoting arguments that contain spaces.
func commandLine(exec string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, exec)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

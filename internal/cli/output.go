package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/cellar/internal/engine"
	"github.com/roach88/cellar/internal/patch"
)

// Process exit codes. 10 and up identify the pipeline stage that failed.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // store errors, invalid recipes found by validate
	ExitCommandError = 2 // bad flags, unknown package, unreadable config

	ExitFetch               = 10
	ExitChecksum            = 11
	ExitPatchConflict       = 12
	ExitBuildStep           = 13
	ExitPostInstall         = 14
	ExitVerification        = 15
	ExitMissingPrerequisite = 16
)

// ExitError carries the process exit code out of a cobra RunE.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code of the first ExitError in err's chain, or
// ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// pipelineFailure maps an engine error to its exit code and E-code.
// Checksum is tested before fetch since a ChecksumError is reported from the
// fetch stage.
func pipelineFailure(err error) (exit int, code string) {
	switch {
	case isErr[*engine.ChecksumError](err):
		return ExitChecksum, ErrCodeChecksum
	case isErr[*engine.FetchError](err):
		return ExitFetch, ErrCodeFetch
	case isErr[*patch.PatchConflictError](err):
		return ExitPatchConflict, ErrCodePatch
	case isErr[*engine.BuildStepError](err):
		return ExitBuildStep, ErrCodeBuild
	case isErr[*engine.PostInstallError](err):
		return ExitPostInstall, ErrCodePostInstall
	case isErr[*engine.MissingPrerequisiteError](err):
		return ExitMissingPrerequisite, ErrCodePrerequisite
	case isErr[*engine.VerificationError](err):
		return ExitVerification, ErrCodeVerification
	case errors.Is(err, engine.ErrNotInstalled):
		return ExitCommandError, ErrCodeNotInstalled
	}
	return ExitFailure, ErrCodeGeneric
}

func isErr[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// CLIResponse is the envelope every --format=json command writes.
type CLIResponse struct {
	Status  string    `json:"status"` // "ok" or "error"
	Data    any       `json:"data,omitempty"`
	Error   *CLIError `json:"error,omitempty"`
	TraceID string    `json:"trace_id,omitempty"` // install session, when there is one
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results as text or as a CLIResponse.
// Diagnostics go to ErrWriter so they never interleave with JSON on Writer.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool

	traceID string
}

// WithTrace returns a copy whose JSON responses carry traceID.
func (f *OutputFormatter) WithTrace(traceID string) *OutputFormatter {
	c := *f
	c.traceID = traceID
	return &c
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

func (f *OutputFormatter) emit(resp CLIResponse) error {
	resp.TraceID = f.traceID
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success writes data. Text mode prints it with fmt, so result types
// implement String.
func (f *OutputFormatter) Success(data any) error {
	if f.json() {
		return f.emit(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.json() {
		return f.emit(CLIResponse{Status: "error", Error: &CLIError{Code: code, Message: message, Details: details}})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a progress line under --verbose.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/cellar/internal/engine"
	"github.com/roach88/cellar/internal/patch"
)

// FailureReport is the structured description of a failed pipeline run.
type FailureReport struct {
	Package    string          `json:"package"`
	Stage      string          `json:"stage,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Command    string          `json:"command,omitempty"`
	URL        string          `json:"url,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Expected   string          `json:"expected,omitempty"`
	Actual     string          `json:"actual,omitempty"`
	Path       string          `json:"path,omitempty"`
	StderrTail string          `json:"stderr_tail,omitempty"`
	Log        string          `json:"log,omitempty"`
	Sources    []SourceFailure `json:"sources,omitempty"`
	Trace      []engine.Event  `json:"trace,omitempty"`
}

// SourceFailure is one URL the fetcher gave up on.
type SourceFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// newFailureReport extracts everything a user needs to act on err.
func newFailureReport(pkg string, res *engine.Result, err error) FailureReport {
	rep := FailureReport{Package: pkg, Stage: string(engine.StageOf(err))}
	if res != nil {
		rep.SessionID = res.SessionID
		rep.Trace = res.Events
	}

	var (
		fe *engine.FetchError
		ce *engine.ChecksumError
		pc *patch.PatchConflictError
		be *engine.BuildStepError
		pe *engine.PostInstallError
		ve *engine.VerificationError
		mp *engine.MissingPrerequisiteError
	)
	switch {
	case errors.As(err, &ce):
		rep.URL = ce.URL
		rep.Expected = ce.Algorithm + ":" + ce.Expected
		rep.Actual = ce.Algorithm + ":" + ce.Actual
		rep.Sources = sourceFailures(ce.Failures)
	case errors.As(err, &fe):
		rep.Sources = sourceFailures(fe.Failures)
	case errors.As(err, &pc):
		rep.Path = pc.File
	case errors.As(err, &be):
		rep.Command = be.Command()
		rep.ExitCode = &be.ExitCode
		rep.StderrTail = be.StderrTail
		rep.Log = be.Log
	case errors.As(err, &pe):
		rep.Path = pe.Path
	case errors.As(err, &mp):
		rep.Path = mp.Path
	case errors.As(err, &ve):
		rep.Command = ve.Command
		rep.Expected = ve.Expected
		rep.Actual = ve.Actual
		if ve.ExitCode != 0 {
			rep.ExitCode = &ve.ExitCode
		}
		rep.StderrTail = ve.StderrTail
	}
	return rep
}

func sourceFailures(in []engine.SourceFailure) []SourceFailure {
	out := make([]SourceFailure, len(in))
	for i, f := range in {
		out[i] = SourceFailure{URL: f.URL, Error: f.Err.Error()}
	}
	return out
}

// reportFailure prints a pipeline failure and returns the matching exit error.
func reportFailure(f *OutputFormatter, pkg string, res *engine.Result, err error) error {
	exit, code := pipelineFailure(err)
	rep := newFailureReport(pkg, res, err)

	if f.Format == "json" {
		if encErr := f.WithTrace(rep.SessionID).Error(code, err.Error(), rep); encErr != nil {
			return encErr
		}
		return WrapExitError(exit, "install pipeline failed", err)
	}

	w := f.Writer
	fmt.Fprintf(w, "✗ %s\n", firstLine(err.Error()))
	if rep.Stage != "" {
		fmt.Fprintf(w, "  stage:    %s\n", rep.Stage)
	}
	if rep.Command != "" {
		fmt.Fprintf(w, "  command:  %s\n", rep.Command)
	}
	if rep.URL != "" {
		fmt.Fprintf(w, "  url:      %s\n", rep.URL)
	}
	if rep.ExitCode != nil {
		fmt.Fprintf(w, "  exit:     %d\n", *rep.ExitCode)
	}
	if rep.Expected != "" || rep.Actual != "" {
		fmt.Fprintf(w, "  expected: %s\n", rep.Expected)
		fmt.Fprintf(w, "  actual:   %s\n", rep.Actual)
	}
	if rep.Path != "" {
		fmt.Fprintf(w, "  path:     %s\n", rep.Path)
	}
	for _, s := range rep.Sources {
		fmt.Fprintf(w, "  source:   %s: %s\n", s.URL, s.Error)
	}
	if rep.Log != "" {
		fmt.Fprintf(w, "  log:      %s\n", rep.Log)
	}
	if rep.StderrTail != "" {
		fmt.Fprintln(w, "  stderr:")
		for _, line := range strings.Split(rep.StderrTail, "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return WrapExitError(exit, "install pipeline failed", err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

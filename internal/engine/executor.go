package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/roach88/cellar/internal/ir"
)

// Executor runs build steps sequentially inside a session's source tree.
//
// Each step gets its own environment derived from the session snapshot:
// recipe overrides are applied to a copy, unset variables are removed
// from it, and MAKEFLAGS carries the step's job count. The invoking
// process's environment is never modified.
type Executor struct {
	Logger *slog.Logger
	Output io.Writer // tee for step output; nil keeps it in the log files only

	// OnStep is called before each step with its 1-based index and command line.
	OnStep func(step int, command string)
}

// Run executes steps in order and stops at the first failure, which is
// always a *BuildStepError. Steps are never retried.
func (x *Executor) Run(ctx context.Context, s *Session, steps []ir.Step) error {
	for i, step := range steps {
		if err := x.runStep(ctx, s, i+1, step); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) runStep(ctx context.Context, s *Session, n int, step ir.Step) error {
	jobs := s.Jobs
	if step.Jobs > 0 {
		jobs = step.Jobs
	}
	res := s.Resolver.With(ir.PHJobs, strconv.Itoa(jobs))

	fail := func(err error) error {
		return &BuildStepError{Step: n, Exec: step.Exec, Args: step.Args, ExitCode: -1, Err: err}
	}

	execName, err := res.Resolve(step.Exec)
	if err != nil {
		return fail(err)
	}
	args, err := res.ResolveAll(step.Args)
	if err != nil {
		return fail(err)
	}

	base := s.Env.Clone()
	base.Set("MAKEFLAGS", "-j"+strconv.Itoa(jobs))
	env, err := base.With(step.Env, res.Resolve)
	if err != nil {
		return fail(err)
	}

	dir := s.SourceDir
	if step.Dir != "" {
		sub, err := res.Resolve(step.Dir)
		if err != nil {
			return fail(err)
		}
		if filepath.IsAbs(sub) {
			dir = sub
		} else {
			dir = filepath.Join(s.SourceDir, sub)
		}
	}

	path, err := lookPath(execName, dir, env)
	if err != nil {
		return &BuildStepError{Step: n, Exec: execName, Args: args, ExitCode: -1, Err: err}
	}

	logPath := filepath.Join(s.LogDir, fmt.Sprintf("%02d-%s.log", n, filepath.Base(execName)))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fail(err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "%s\n\n", commandLine(execName, args))

	tail := newTailBuffer(stderrTailSize)
	stdout := io.Writer(logFile)
	stderr := io.MultiWriter(logFile, tail)
	if x.Output != nil {
		stdout = io.MultiWriter(stdout, x.Output)
		stderr = io.MultiWriter(stderr, x.Output)
	}

	if x.OnStep != nil {
		x.OnStep(n, commandLine(execName, args))
	}
	x.logger().Debug("running build step",
		"session", s.ID, "step", n, "command", commandLine(execName, args), "jobs", jobs, "dir", dir)

	code, err := runProcess(ctx, process{
		Path:    path,
		Args:    args,
		Dir:     dir,
		Env:     env,
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: step.Timeout,
	})
	if err != nil || code != 0 {
		return &BuildStepError{
			Step:       n,
			Exec:       execName,
			Args:       args,
			ExitCode:   code,
			StderrTail: strings.TrimRight(tail.String(), "\n"),
			Log:        logPath,
			Err:        err,
		}
	}
	return nil
}

func (x *Executor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/cellar/internal/ir"
)

// DefaultCheckTimeout bounds a single smoke-test command.
const DefaultCheckTimeout = 5 * time.Minute

// Verifier runs a recipe's smoke test against an installed prefix.
type Verifier struct {
	// ReadLimit caps how many bytes of check output are parsed when a check
	// does not set its own limit. Zero means unlimited.
	ReadLimit int
	Timeout   time.Duration
	Logger    *slog.Logger

	// OnCheck is called before each check with its display name.
	OnCheck func(name string)
}

// Verify asserts every required file exists, then runs each check in a fresh
// directory. The first failure is returned: *MissingPrerequisiteError for a
// required file, *VerificationError for a check.
func (v *Verifier) Verify(ctx context.Context, s *Session, spec ir.TestSpec) error {
	for _, req := range spec.Requires {
		p, err := s.Resolver.Resolve(req)
		if err != nil {
			return err
		}
		if _, err := os.Stat(p); err != nil {
			return &MissingPrerequisiteError{Path: p}
		}
	}

	for i, check := range spec.Checks {
		name := check.Name
		if name == "" {
			name = fmt.Sprintf("check %d", i+1)
		}
		if v.OnCheck != nil {
			v.OnCheck(name)
		}
		if err := v.runCheck(ctx, s, name, check); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) runCheck(ctx context.Context, s *Session, name string, check ir.Check) error {
	testDir, err := os.MkdirTemp(s.WorkDir, "test-")
	if err != nil {
		return err
	}
	res := s.Resolver.With(ir.PHTestDir, testDir)

	fail := func(err error) error {
		return &VerificationError{Check: name, Expected: check.Expect, Err: err}
	}

	if check.Input != nil {
		inputPath, err := inside(testDir, check.Input.File)
		if err != nil {
			return fail(err)
		}
		content, err := res.Resolve(check.Input.Content)
		if err != nil {
			return fail(err)
		}
		if err := os.WriteFile(inputPath, []byte(content), 0o644); err != nil {
			return fail(err)
		}
	}

	execName, err := res.Resolve(check.Exec)
	if err != nil {
		return fail(err)
	}
	args, err := res.ResolveAll(check.Args)
	if err != nil {
		return fail(err)
	}
	path, err := lookPath(execName, testDir, s.Env)
	if err != nil {
		return fail(err)
	}

	var stdout bytes.Buffer
	tail := newTailBuffer(stderrTailSize)
	command := commandLine(execName, args)
	v.logger().Debug("running check", "session", s.ID, "check", name, "command", command)

	code, err := runProcess(ctx, process{
		Path:    path,
		Args:    args,
		Dir:     testDir,
		Env:     s.Env,
		Stdout:  &stdout,
		Stderr:  tail,
		Timeout: v.timeout(),
	})
	if err != nil || code != 0 {
		return &VerificationError{
			Check:      name,
			Command:    command,
			Expected:   check.Expect,
			ExitCode:   code,
			StderrTail: strings.TrimRight(tail.String(), "\n"),
			Err:        err,
		}
	}

	var output io.Reader = &stdout
	if check.Output != "" {
		outPath, err := inside(testDir, check.Output)
		if err != nil {
			return fail(err)
		}
		f, err := os.Open(outPath)
		if err != nil {
			return fail(fmt.Errorf("output file: %w", err))
		}
		defer f.Close()
		output = f
	}

	limit := check.ReadLimit
	if limit == 0 {
		limit = v.ReadLimit
	}
	token, err := extractToken(output, limit, check.Delimiter, check.Field)
	if err != nil {
		return fail(err)
	}
	if token != check.Expect {
		return &VerificationError{Check: name, Command: command, Expected: check.Expect, Actual: token}
	}
	return nil
}

// extractToken reads up to limit bytes (all when limit <= 0), splits on
// delim and returns the trimmed field. Negative fields count from the end.
func extractToken(r io.Reader, limit int, delim string, field int) (string, error) {
	if limit > 0 {
		r = io.LimitReader(r, int64(limit))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	text := string(data)
	if delim == "" {
		return strings.TrimSpace(text), nil
	}

	parts := strings.Split(text, delim)
	idx := field
	if idx < 0 {
		idx += len(parts)
	}
	if idx < 0 || idx >= len(parts) {
		return "", fmt.Errorf("field %d out of range: output has %d field(s)", field, len(parts))
	}
	return strings.TrimSpace(parts[idx]), nil
}

// inside joins a relative name onto dir, rejecting escapes.
func inside(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", errors.New("path must be relative to the test directory")
	}
	p := filepath.Join(dir, name)
	if !within(dir, p) {
		return "", fmt.Errorf("%s escapes the test directory", name)
	}
	return p, nil
}

func (v *Verifier) timeout() time.Duration {
	if v.Timeout > 0 {
		return v.Timeout
	}
	return DefaultCheckTimeout
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

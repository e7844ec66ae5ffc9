package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stderrTailSize is how much trailing stderr is kept for error reports.
const stderrTailSize = 4096

// process is one subprocess invocation.
type process struct {
	Path    string
	Args    []string
	Dir     string
	Env     *Env
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
}

// runProcess starts p in its own process group and waits for it. The exit
// code is returned with a nil error for any normal exit. A timeout or
// context cancellation kills the whole group, since build tools commonly
// leave compiler children running.
func runProcess(ctx context.Context, p process) (int, error) {
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env.Environ()
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if p.Timeout > 0 {
		t := time.NewTimer(p.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-done:
		return exitStatus(err)
	case <-timeout:
		killGroup(cmd)
		<-done
		return -1, fmt.Errorf("timed out after %s", p.Timeout)
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		return -1, ctx.Err()
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, errors.New(ee.ProcessState.String())
	}
	return -1, err
}

// lookPath resolves name against the PATH of env rather than the invoking
// process, so recipe PATH overrides take effect. A name with a slash is
// taken relative to dir, where the process will run; it is returned
// unchanged since exec.Cmd resolves it against Cmd.Dir.
func lookPath(name, dir string, env *Env) (string, error) {
	if strings.Contains(name, "/") {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if err := isExecutable(p); err != nil {
			return "", err
		}
		return name, nil
	}
	pathVar, _ := env.Get("PATH")
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: executable not found in PATH", name)
}

func isExecutable(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return &fs.PathError{Op: "exec", Path: p, Err: fs.ErrPermission}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

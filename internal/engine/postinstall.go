package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"github.com/roach88/cellar/internal/ir"
)

// PostInstaller applies post-install operations and links the prefix into
// the root. Every operation is idempotent: running it twice leaves the same
// filesystem state as running it once. Nothing is rolled back on failure.
type PostInstaller struct {
	Layout Layout
	Logger *slog.Logger
}

// Run applies ops in order. Paths must resolve inside the session prefix;
// symlink sources may point anywhere but must exist.
func (p *PostInstaller) Run(s *Session, ops []ir.PostInstallOp) error {
	for i, op := range ops {
		if err := p.apply(s, op); err != nil {
			return &PostInstallError{Op: i + 1, Kind: string(op.Kind), Path: op.Path, Err: err}
		}
	}
	return nil
}

func (p *PostInstaller) apply(s *Session, op ir.PostInstallOp) error {
	target, err := s.Resolver.Resolve(op.Path)
	if err != nil {
		return err
	}
	if !within(s.Prefix, target) {
		return fmt.Errorf("%s is outside the install prefix", target)
	}

	switch op.Kind {
	case ir.OpRemove:
		return os.RemoveAll(target)

	case ir.OpMkdir:
		return os.MkdirAll(target, 0o755)

	case ir.OpSymlink:
		source, err := s.Resolver.Resolve(op.Source)
		if err != nil {
			return err
		}
		if _, err := os.Stat(source); err != nil {
			return fmt.Errorf("symlink source: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return replaceSymlink(source, target)

	default:
		return fmt.Errorf("unknown operation %q", op.Kind)
	}
}

// Link points <root>/opt/<name> at the prefix and, unless the recipe is
// keg-only, links every executable in <prefix>/bin into <root>/bin.
func (p *PostInstaller) Link(r *ir.Recipe, prefix string) error {
	opt := p.Layout.Opt(r.Name)
	if err := os.MkdirAll(filepath.Dir(opt), 0o755); err != nil {
		return &PostInstallError{Path: opt, Err: err}
	}
	if err := replaceSymlink(prefix, opt); err != nil {
		return &PostInstallError{Path: opt, Err: err}
	}

	if r.IsKegOnly() {
		p.logger().Debug("keg-only, not linking", "package", r.Name, "reason", r.KegOnly)
		return nil
	}

	entries, err := os.ReadDir(filepath.Join(prefix, "bin"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &PostInstallError{Path: filepath.Join(prefix, "bin"), Err: err}
	}
	binDir := p.Layout.Bin()
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return &PostInstallError{Path: binDir, Err: err}
	}
	for _, e := range entries {
		link := filepath.Join(binDir, e.Name())
		if err := replaceSymlink(filepath.Join(prefix, "bin", e.Name()), link); err != nil {
			return &PostInstallError{Path: link, Err: err}
		}
	}
	return nil
}

// Unlink removes the opt link and <root>/bin links that point into prefix.
// Links to other versions are left alone.
func (p *PostInstaller) Unlink(name, prefix string) error {
	opt := p.Layout.Opt(name)
	if cur, err := os.Readlink(opt); err == nil && cur == prefix {
		if err := os.Remove(opt); err != nil {
			return err
		}
	}

	binDir := p.Layout.Bin()
	entries, err := os.ReadDir(binDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		link := filepath.Join(binDir, e.Name())
		cur, err := os.Readlink(link)
		if err != nil || !within(prefix, cur) {
			continue
		}
		if err := os.Remove(link); err != nil {
			return err
		}
	}
	return nil
}

// replaceSymlink atomically creates or replaces a symlink at link. An
// existing non-symlink at link is left alone and reported.
func replaceSymlink(source, link string) error {
	info, err := os.Lstat(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	case info.Mode()&fs.ModeSymlink == 0:
		return fmt.Errorf("%s exists and is not a symlink", link)
	default:
		if cur, err := os.Readlink(link); err == nil && cur == source {
			return nil
		}
	}
	return renameio.Symlink(source, link)
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (p *PostInstaller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

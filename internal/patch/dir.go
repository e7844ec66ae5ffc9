package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/roach88/cellar/internal/ir"
)

// ApplyDir applies recipe patches to the source tree rooted at dir, in
// order. Each patch is applied fully in memory before anything is written,
// so a conflict leaves the files touched by that patch unchanged.
func (a Applier) ApplyDir(dir string, patches []ir.Patch) error {
	for i, rp := range patches {
		p, err := Parse(rp.Text, rp.Strip)
		if err != nil {
			return fmt.Errorf("patch %d: %w", i+1, err)
		}
		if err := a.applyOne(dir, p); err != nil {
			return fmt.Errorf("patch %d: %w", i+1, err)
		}
	}
	return nil
}

// ApplyDir applies patches to dir with DefaultMaxFuzz.
func ApplyDir(dir string, patches []ir.Patch) error {
	return Applier{MaxFuzz: DefaultMaxFuzz}.ApplyDir(dir, patches)
}

func (a Applier) applyOne(dir string, p *Patch) error {
	before, modes, err := loadTouched(dir, p)
	if err != nil {
		return err
	}
	after, err := a.Apply(before, p)
	if err != nil {
		return err
	}
	return commit(dir, before, after, modes)
}

// loadTouched reads every file named by p. Missing files are left out of the
// tree so Apply can report them.
func loadTouched(dir string, p *Patch) (Tree, map[string]fs.FileMode, error) {
	tree := Tree{}
	modes := map[string]fs.FileMode{}
	for _, f := range p.Files {
		for _, name := range []string{f.OldName, f.NewName} {
			if name == "" {
				continue
			}
			if _, seen := tree[name]; seen {
				continue
			}
			full := filepath.Join(dir, filepath.FromSlash(name))
			info, err := os.Lstat(full)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			if !info.Mode().IsRegular() {
				return nil, nil, &PatchConflictError{File: name, Reason: "not a regular file"}
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, nil, err
			}
			tree[name] = data
			modes[name] = info.Mode().Perm()
		}
	}
	return tree, modes, nil
}

// commit writes changed files atomically and removes deleted ones.
func commit(dir string, before, after Tree, modes map[string]fs.FileMode) error {
	for name, data := range after {
		if old, ok := before[name]; ok && string(old) == string(data) {
			continue
		}
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		mode, ok := modes[name]
		if !ok {
			mode = 0o644
		}
		if err := renameio.WriteFile(full, data, mode); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	for name := range before {
		if _, ok := after[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(name))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

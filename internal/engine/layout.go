package engine

import "path/filepath"

// Layout maps package names onto the managed directory tree:
//
//	<root>/cellar/<name>/<version>   install prefix
//	<root>/opt/<name>                stable link to the current prefix
//	<root>/bin                       links to non-keg-only executables
type Layout struct {
	Root string
}

// Cellar is the directory holding every install prefix.
func (l Layout) Cellar() string { return filepath.Join(l.Root, "cellar") }

// Prefix is the install prefix for one package version.
func (l Layout) Prefix(name, version string) string {
	return filepath.Join(l.Cellar(), name, version)
}

// Opt is the version-independent path dependents use.
func (l Layout) Opt(name string) string { return filepath.Join(l.Root, "opt", name) }

// Bin is the shared executable directory.
func (l Layout) Bin() string { return filepath.Join(l.Root, "bin") }

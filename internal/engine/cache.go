package engine

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/roach88/cellar/internal/ir"
)

// Cache is the shared download cache. Entries are keyed by
// (name, version, checksum) and written with an atomic rename, so
// concurrent fetches of the same key never see a partial file.
type Cache struct {
	Dir string
}

// Path returns where the verified archive for r lives.
func (c Cache) Path(r *ir.Recipe) string {
	base := sourceBasename(r.Sources[0])
	name := fmt.Sprintf("%s--%s--%s-%s--%s", r.Name, r.Version, r.Checksum.Algorithm, r.Checksum.Digest, base)
	return filepath.Join(c.Dir, "downloads", name)
}

// Lookup returns the cached archive for r if it exists and still matches
// the checksum. A stale entry is removed.
func (c Cache) Lookup(r *ir.Recipe) (string, bool, error) {
	p := c.Path(r)
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	actual, err := digestReader(r.Checksum.Algorithm, f)
	if err != nil {
		return "", false, err
	}
	if r.Checksum.Matches(actual) {
		return p, true, nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", false, err
	}
	return "", false, nil
}

// Store streams body into the cache entry for r while hashing it. The entry
// becomes visible only if the digest matches; otherwise the temp file is
// discarded and a *digestMismatch is returned.
func (c Cache) Store(r *ir.Recipe, body io.Reader) (string, error) {
	p := c.Path(r)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}

	h, err := r.Checksum.NewHash()
	if err != nil {
		return "", err
	}
	pf, err := renameio.TempFile(filepath.Dir(p), p)
	if err != nil {
		return "", err
	}
	defer pf.Cleanup()

	if _, err := io.Copy(io.MultiWriter(pf, h), body); err != nil {
		return "", &transferError{err: err}
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !r.Checksum.Matches(actual) {
		return "", &digestMismatch{actual: actual}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	return p, nil
}

// digestMismatch is returned by Cache.Store when downloaded bytes do not
// match the recipe checksum.
type digestMismatch struct {
	actual string
}

func (e *digestMismatch) Error() string {
	return "checksum mismatch: got " + e.actual
}

// transferError marks a failure while reading the response body, which
// counts as a network failure rather than a local one.
type transferError struct {
	err error
}

func (e *transferError) Error() string { return e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

func digestReader(alg string, r io.Reader) (string, error) {
	h, err := ir.NewHash(alg)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sourceBasename is the last path element of a URL, without query.
func sourceBasename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "source"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "source"
	}
	return base
}

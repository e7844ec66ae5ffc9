package engine

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Extract unpacks a tar archive (optionally compressed) into dest and
// returns the source directory. When every entry lives under one top-level
// directory, that directory is the source dir, matching tar
// --strip-components=1. Entries that would land outside dest, directly or
// through a symlink extracted earlier, are rejected.
func Extract(archive, dest string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r, closeFn, err := decompressor(archive, f)
	if err != nil {
		return "", err
	}
	defer closeFn()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return "", err
	}
	defer root.Close()
	if err := untar(tar.NewReader(r), root); err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
	}
	return singleTopDir(dest)
}

// decompressor picks a decoder from the archive's file name.
func decompressor(name string, r io.Reader) (io.Reader, func(), error) {
	lower := strings.ToLower(name)
	noop := func() {}
	switch {
	case hasAnySuffix(lower, ".tar.gz", ".tgz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case hasAnySuffix(lower, ".tar.xz", ".txz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, noop, nil
	case hasAnySuffix(lower, ".tar.zst", ".tzst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case hasAnySuffix(lower, ".tar.bz2", ".tbz2", ".tbz"):
		return bzip2.NewReader(r), noop, nil
	case strings.HasSuffix(lower, ".tar"):
		return r, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported archive format: %s", filepath.Base(name))
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// untar writes every entry through root, which refuses any path that
// resolves outside it, symlinks included.
func untar(tr *tar.Reader, root *os.Root) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		name, err := localName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		target := filepath.FromSlash(name)
		parent := filepath.Dir(target)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(target, 0o755); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := mkdirParent(root, parent); err != nil {
				return err
			}
			// Replace rather than write through an existing link.
			root.Remove(target)
			if err := writeEntry(root, target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}

		case tar.TypeSymlink:
			// Reject targets that lexically leave the tree; root catches the
			// rest when a later entry is written through the link.
			if path.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%s: absolute symlink target %q", hdr.Name, hdr.Linkname)
			}
			if _, err := localName(path.Join(path.Dir(name), hdr.Linkname)); err != nil {
				return fmt.Errorf("%s: symlink %w", hdr.Name, err)
			}
			if err := mkdirParent(root, parent); err != nil {
				return err
			}
			root.Remove(target)
			if err := root.Symlink(hdr.Linkname, target); err != nil {
				return err
			}

		case tar.TypeLink:
			linkName, err := localName(hdr.Linkname)
			if err != nil {
				return fmt.Errorf("%s: hard link %w", hdr.Name, err)
			}
			if err := mkdirParent(root, parent); err != nil {
				return err
			}
			root.Remove(target)
			if err := root.Link(filepath.FromSlash(linkName), target); err != nil {
				return err
			}

		default:
			// Devices, FIFOs and pax global headers have no place in a source tree.
		}
	}
}

func mkdirParent(root *os.Root, dir string) error {
	if dir == "." {
		return nil
	}
	return root.MkdirAll(dir, 0o755)
}

func writeEntry(root *os.Root, target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	f, err := root.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// localName cleans an archive path and rejects anything escaping the root.
// The archive root itself maps to "".
func localName(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." {
		return "", nil
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the destination", name)
	}
	return clean, nil
}

// singleTopDir returns dest/<dir> when dest holds exactly one directory and
// nothing else, otherwise dest.
func singleTopDir(dest string) (string, error) {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dest, entries[0].Name()), nil
	}
	return dest, nil
}

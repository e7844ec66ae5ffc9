package patch

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DefaultMaxFuzz matches GNU patch's default fuzz factor.
const DefaultMaxFuzz = 2

// Tree is an in-memory source tree keyed by slash-separated relative path.
type Tree map[string][]byte

// PatchConflictError reports a file or hunk that could not be applied.
// Hunk is 1-based; zero means the failure concerns the file as a whole.
type PatchConflictError struct {
	File   string
	Hunk   int
	Reason string
}

func (e *PatchConflictError) Error() string {
	if e.Hunk == 0 {
		return fmt.Sprintf("patch conflict in %s: %s", e.File, e.Reason)
	}
	return fmt.Sprintf("patch conflict in %s: hunk #%d %s", e.File, e.Hunk, e.Reason)
}

// Applier applies parsed patches with a fixed fuzz tolerance.
type Applier struct {
	MaxFuzz int
}

// Apply applies p to tree with DefaultMaxFuzz.
func Apply(tree Tree, p *Patch) (Tree, error) {
	return Applier{MaxFuzz: DefaultMaxFuzz}.Apply(tree, p)
}

// Apply returns a new tree with every file diff in p applied. tree is never
// modified; on error no partial result is returned.
func (a Applier) Apply(tree Tree, p *Patch) (Tree, error) {
	out := maps.Clone(tree)
	if out == nil {
		out = Tree{}
	}

	for _, f := range p.Files {
		name := f.Path()
		data, exists := out[name]

		switch {
		case f.IsNew():
			if exists && len(data) > 0 {
				return nil, &PatchConflictError{File: name, Reason: "file to be created already exists"}
			}
			data = nil
		case !exists:
			return nil, &PatchConflictError{File: name, Reason: "file not found"}
		}

		result, err := a.applyFile(name, data, f.Hunks)
		if err != nil {
			return nil, err
		}

		if f.IsDelete() {
			if len(result) != 0 {
				return nil, &PatchConflictError{File: name, Reason: "file to be deleted has unexpected content"}
			}
			delete(out, name)
			continue
		}
		if f.OldName != "" && f.OldName != f.NewName {
			delete(out, f.OldName)
		}
		out[f.NewName] = result
	}
	return out, nil
}

func (a Applier) applyFile(name string, data []byte, hunks []*Hunk) ([]byte, error) {
	lines := splitLines(string(data))

	// delta tracks how far positions in the working copy have moved relative
	// to the line numbers in hunk headers; floor keeps hunks from overlapping.
	delta, floor := 0, 0
	for i, h := range hunks {
		pos, top, bottom, ok := a.locate(lines, h, delta, floor)
		if !ok {
			return nil, &PatchConflictError{File: name, Hunk: i + 1, Reason: "context does not match"}
		}

		oldLines := h.old()
		newLines := h.new()
		oldLines = oldLines[top : len(oldLines)-bottom]
		newLines = newLines[top : len(newLines)-bottom]

		lines = slices.Replace(lines, pos, pos+len(oldLines), newLines...)

		expected := expectedPos(h, delta) + top
		delta += (pos - expected) + len(newLines) - len(oldLines)
		floor = pos + len(newLines)
	}
	return []byte(strings.Join(lines, "")), nil
}

// expectedPos is the 0-based index where the hunk's old lines should begin.
func expectedPos(h *Hunk, delta int) int {
	start := h.OldStart - 1
	if h.OldLines == 0 {
		// "-N,0" means insert after line N.
		start = h.OldStart
	}
	return start + delta
}

// locate finds where hunk h applies. It returns the position and how many
// leading and trailing context lines were dropped to get there.
func (a Applier) locate(lines []string, h *Hunk, delta, floor int) (pos, top, bottom int, ok bool) {
	old := h.old()
	lead, trail := h.leadingContext(), h.trailingContext()

	for fuzz := 0; fuzz <= a.MaxFuzz; fuzz++ {
		top, bottom = min(fuzz, lead), min(fuzz, trail)
		if fuzz > 0 && top+bottom == 0 {
			break
		}
		if top+bottom > len(old) {
			break
		}
		pattern := old[top : len(old)-bottom]
		want := expectedPos(h, delta) + top

		if pos, ok = search(lines, pattern, want, floor); ok {
			return pos, top, bottom, true
		}
		if top == lead && bottom == trail {
			break
		}
	}
	return 0, 0, 0, false
}

// search looks for pattern starting at want and then at increasing distance
// on either side, never before floor.
func search(lines, pattern []string, want, floor int) (int, bool) {
	last := len(lines) - len(pattern)
	if last < floor {
		return 0, false
	}
	want = max(floor, min(want, last))
	if len(pattern) == 0 {
		return want, true
	}

	for dist := 0; ; dist++ {
		before, after := want-dist, want+dist
		if before < floor && after > last {
			return 0, false
		}
		if after <= last && matchAt(lines, pattern, after) {
			return after, true
		}
		if dist > 0 && before >= floor && matchAt(lines, pattern, before) {
			return before, true
		}
	}
}

func matchAt(lines, pattern []string, pos int) bool {
	for i, p := range pattern {
		if lines[pos+i] != p {
			return false
		}
	}
	return true
}

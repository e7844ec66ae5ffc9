package patch

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const devNull = "/dev/null"

// Patch is a parsed unified diff spanning one or more files.
type Patch struct {
	Files []*FileDiff
}

// FileDiff holds the hunks for one file.
type FileDiff struct {
	OldName string // stripped; empty when the file is created
	NewName string // stripped; empty when the file is deleted
	Hunks   []*Hunk
}

// IsNew reports whether the diff creates the file.
func (f *FileDiff) IsNew() bool { return f.OldName == "" }

// IsDelete reports whether the diff removes the file.
func (f *FileDiff) IsDelete() bool { return f.NewName == "" }

// Path is the tree path the diff applies to.
func (f *FileDiff) Path() string {
	if f.IsDelete() {
		return f.OldName
	}
	return f.NewName
}

// Hunk is one @@ block. Line text keeps its trailing newline except where a
// "\ No newline at end of file" marker followed it.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []Line
}

// Line is a single hunk line. Op is ' ', '-' or '+'.
type Line struct {
	Op   byte
	Text string
}

func (h *Hunk) old() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Op != '+' {
			out = append(out, l.Text)
		}
	}
	return out
}

func (h *Hunk) new() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Op != '-' {
			out = append(out, l.Text)
		}
	}
	return out
}

// leadingContext and trailingContext count the unchanged lines that bracket
// the hunk; these are what fuzz is allowed to drop.
func (h *Hunk) leadingContext() int {
	n := 0
	for _, l := range h.Lines {
		if l.Op != ' ' {
			break
		}
		n++
	}
	return n
}

func (h *Hunk) trailingContext() int {
	n := 0
	for i := len(h.Lines) - 1; i >= 0; i-- {
		if h.Lines[i].Op != ' ' {
			break
		}
		n++
	}
	return n
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParseError reports malformed diff text.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("patch: line %d: %s", e.Line, e.Message)
}

// Parse reads unified diff text. strip removes that many leading path
// components from every file name, like patch -pN.
func Parse(text string, strip int) (*Patch, error) {
	if strip < 0 {
		return nil, fmt.Errorf("patch: negative strip level %d", strip)
	}

	// A missing final newline is only meaningful with a "\ No newline" marker.
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	lines := splitLines(text)
	p := &Patch{}
	var cur *FileDiff

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			oldName, err := fileName(line[4:], strip)
			if err != nil {
				return nil, &ParseError{Line: i + 1, Message: err.Error()}
			}
			newName, err := fileName(lines[i+1][4:], strip)
			if err != nil {
				return nil, &ParseError{Line: i + 2, Message: err.Error()}
			}
			if oldName == "" && newName == "" {
				return nil, &ParseError{Line: i + 1, Message: "both file names are /dev/null"}
			}
			cur = &FileDiff{OldName: oldName, NewName: newName}
			p.Files = append(p.Files, cur)
			i++

		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				return nil, &ParseError{Line: i + 1, Message: "hunk before file header"}
			}
			h, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			cur.Hunks = append(cur.Hunks, h)
			i = next - 1

		default:
			// diff --git, index, mode lines and commentary between files.
		}
	}

	if len(p.Files) == 0 {
		return nil, &ParseError{Line: 1, Message: "no file headers found"}
	}
	for _, f := range p.Files {
		if len(f.Hunks) == 0 && !f.IsNew() && !f.IsDelete() {
			return nil, &ParseError{Line: 1, Message: fmt.Sprintf("%s: no hunks", f.Path())}
		}
	}
	return p, nil
}

// parseHunk reads the hunk whose header is at lines[start] and returns the
// index of the first line after it.
func parseHunk(lines []string, start int) (*Hunk, int, error) {
	m := hunkHeader.FindStringSubmatch(strings.TrimRight(lines[start], "\n"))
	if m == nil {
		return nil, 0, &ParseError{Line: start + 1, Message: "malformed hunk header"}
	}
	h := &Hunk{
		OldStart: atoi(m[1]),
		OldLines: atoiDefault(m[2], 1),
		NewStart: atoi(m[3]),
		NewLines: atoiDefault(m[4], 1),
	}

	oldLeft, newLeft := h.OldLines, h.NewLines
	i := start + 1
	for ; i < len(lines) && (oldLeft > 0 || newLeft > 0); i++ {
		line := lines[i]
		if line == "\n" || line == "" {
			// Some editors strip the single space from blank context lines.
			line = " " + line
		}
		op := line[0]
		body := line[1:]
		switch op {
		case ' ':
			oldLeft--
			newLeft--
		case '-':
			oldLeft--
		case '+':
			newLeft--
		case '\\':
			markNoNewline(h)
			continue
		default:
			return nil, 0, &ParseError{Line: i + 1, Message: fmt.Sprintf("unexpected line in hunk: %q", strings.TrimRight(line, "\n"))}
		}
		if oldLeft < 0 || newLeft < 0 {
			return nil, 0, &ParseError{Line: i + 1, Message: "hunk longer than its header declares"}
		}
		h.Lines = append(h.Lines, Line{Op: op, Text: body})
	}
	if oldLeft > 0 || newLeft > 0 {
		return nil, 0, &ParseError{Line: start + 1, Message: "truncated hunk"}
	}
	if i < len(lines) && strings.HasPrefix(lines[i], `\`) {
		markNoNewline(h)
		i++
	}
	return h, i, nil
}

func markNoNewline(h *Hunk) {
	if n := len(h.Lines); n > 0 {
		h.Lines[n-1].Text = strings.TrimSuffix(h.Lines[n-1].Text, "\n")
	}
}

// fileName strips trailing timestamps and leading components from a header
// name. /dev/null maps to "".
func fileName(raw string, strip int) (string, error) {
	name := strings.TrimRight(raw, "\n")
	if tab := strings.IndexByte(name, '\t'); tab >= 0 {
		name = name[:tab]
	}
	name = strings.TrimSpace(name)
	if name == devNull {
		return "", nil
	}
	parts := strings.Split(name, "/")
	if strip >= len(parts) {
		return "", fmt.Errorf("cannot strip %d components from %q", strip, name)
	}
	stripped := path.Clean(strings.Join(parts[strip:], "/"))
	if !isLocal(stripped) {
		return "", fmt.Errorf("path %q escapes the source tree", stripped)
	}
	return stripped, nil
}

func isLocal(p string) bool {
	if p == "" || p == "." || path.IsAbs(p) {
		return false
	}
	return p != ".." && !strings.HasPrefix(p, "../")
}

// splitLines splits s keeping each line's terminating newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}

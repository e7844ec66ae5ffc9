package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/cellar/internal/ir"
)

// SessionIDGenerator produces build session IDs.
// Implemented by UUIDv7Generator (production) and
// testutil.FixedSessionGenerator (tests).
type SessionIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 session IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, so sessions in the
// stage_events table sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Session is the ephemeral state of one recipe execution.
//
// A Session owns WorkDir (extracted sources, build logs, test dirs) and
// removes it on Close regardless of how the run ended. Prefix is not owned
// by the session; it outlives it.
type Session struct {
	ID        string
	Recipe    *ir.Recipe
	WorkDir   string
	SourceDir string
	LogDir    string
	Prefix    string
	Jobs      int
	Deps      map[string]string // dependency name -> opt path
	Env       *Env
	Resolver  *Resolver
}

// newSession creates the work dir. Build logs go to logDir, which outlives
// the session so failures can be inspected and is never shared with another
// session; an empty logDir keeps them in the work dir.
func newSession(id string, r *ir.Recipe, layout Layout, env *Env, jobs int, logDir string) (*Session, error) {
	workDir, err := os.MkdirTemp("", "cellar-"+sanitize(r.Name)+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if logDir == "" {
		logDir = filepath.Join(workDir, "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	deps := make(map[string]string, len(r.Dependencies))
	for _, d := range r.Dependencies {
		deps[d] = layout.Opt(d)
	}
	prefix := layout.Prefix(r.Name, r.Version)

	return &Session{
		ID:       id,
		Recipe:   r,
		WorkDir:  workDir,
		LogDir:   logDir,
		Prefix:   prefix,
		Jobs:     jobs,
		Deps:     deps,
		Env:      env,
		Resolver: NewResolver(r, layout, prefix, deps, jobs),
	}, nil
}

// Close removes the session's work directory.
func (s *Session) Close() error {
	if s.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(s.WorkDir)
}

// sanitize makes a package name safe for a temp dir pattern.
func sanitize(name string) string {
	out := []byte(name)
	for i, c := range out {
		if c == '/' || c == os.PathSeparator || c == '*' {
			out[i] = '_'
		}
	}
	return string(out)
}

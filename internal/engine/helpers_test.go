package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cellar/internal/ir"
)

// newTestSession creates a session for r under a temp root with an existing
// source dir and prefix.
func newTestSession(t *testing.T, r *ir.Recipe) *Session {
	t.Helper()
	layout := Layout{Root: t.TempDir()}
	s, err := newSession("test-session", r, layout, SnapshotEnv(), 4, "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	s.SourceDir = filepath.Join(s.WorkDir, "src")
	require.NoError(t, os.MkdirAll(s.SourceDir, 0o755))
	require.NoError(t, os.MkdirAll(s.Prefix, 0o755))
	return s
}

func testRecipe() *ir.Recipe {
	return &ir.Recipe{Name: "pkg", Version: "1.0"}
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

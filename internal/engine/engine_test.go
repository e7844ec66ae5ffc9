package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellar/internal/ir"
	"github.com/roach88/cellar/internal/patch"
	"github.com/roach88/cellar/internal/store"
	"github.com/roach88/cellar/internal/testutil"
)

const pkgPatch = `--- a/pkg.cnf
+++ b/pkg.cnf
@@ -1 +1 @@
-mode=old
+mode=new
`

// greetArchive is a tiny autotools-shaped package: configure refuses to run
// unless the patch was applied, install.sh copies a script and a config file.
func greetArchive(t *testing.T) []byte {
	return testutil.TarGz(t,
		testutil.File{Name: "pkg-1.0/configure", Content: "grep -q '^mode=new$' pkg.cnf || { echo 'configure: error: pkg.cnf not patched' >&2; exit 1; }\necho ok > config.status\n"},
		testutil.File{Name: "pkg-1.0/install.sh", Content: "set -e\nmkdir -p \"$1/bin\" \"$1/etc/pkg\"\ncp greet \"$1/bin/greet\"\nchmod 755 \"$1/bin/greet\"\ncp pkg.cnf \"$1/etc/pkg/pkg.cnf\"\n"},
		testutil.File{Name: "pkg-1.0/greet", Content: "#!/bin/sh\ncat \"$1\"\n", Mode: 0o755},
		testutil.File{Name: "pkg-1.0/pkg.cnf", Content: "mode=old\n"},
	)
}

func greetRecipe(t *testing.T) *ir.Recipe {
	t.Helper()
	data := greetArchive(t)
	archive := testutil.WriteFile(t, t.TempDir(), "pkg-1.0.tar.gz", data)
	return &ir.Recipe{
		Name:      "pkg",
		Version:   "1.0",
		Sources:   []string{"file://" + archive},
		Checksum:  ir.Checksum{Algorithm: ir.AlgSHA256, Digest: testutil.SHA256(data)},
		Patches:   []ir.Patch{{Text: pkgPatch, Strip: 1}},
		ConfigDir: "etc/pkg",
		Build: []ir.Step{
			{Exec: "sh", Args: []string{"configure"}},
			{Exec: "sh", Args: []string{"install.sh", "{{prefix}}"}},
		},
		PostInstall: []ir.PostInstallOp{{Kind: ir.OpMkdir, Path: "{{prefix}}/var/run"}},
		Test: ir.TestSpec{
			Requires: []string{"{{bin}}/greet", "{{config_dir}}/pkg.cnf"},
			Checks: []ir.Check{{
				Name:      "greet",
				Input:     &ir.TestInput{File: "in.txt", Content: "greeting=hello\n"},
				Exec:      "{{bin}}/greet",
				Args:      []string{"in.txt"},
				Delimiter: "=",
				Field:     1,
				Expect:    "hello",
			}},
		},
	}
}

type testEngine struct {
	*Engine
	store  *store.Store
	root   string
	tmpDir string
}

func setupTestEngine(t *testing.T) *testEngine {
	t.Helper()
	root := t.TempDir()
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	st, err := store.Open(filepath.Join(root, "cellar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := New(Layout{Root: root},
		WithJobs(2),
		WithRecorder(st),
		WithSessionIDs(testutil.NewFixedSessionGenerator("s1")),
		WithClock(testutil.NewDeterministicClock()),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	return &testEngine{Engine: e, store: st, root: root, tmpDir: tmp}
}

func renderTrace(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		line := fmt.Sprintf("%02d %s %s %s", ev.Seq, ev.Stage, ev.Kind, ev.Detail)
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func stagesOf(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Stage) + " " + string(ev.Kind)
	}
	return out
}

func TestInstall_GoldenTrace(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)

	res, err := te.Install(context.Background(), r, InstallOptions{})
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "install_trace", []byte(renderTrace(res.Events)))

	layout := te.Layout()
	prefix := layout.Prefix("pkg", "1.0")
	assert.Equal(t, prefix, res.Prefix)
	assert.Equal(t, store.HealthHealthy, res.Health)
	assert.Equal(t, "mode=new\n", readString(t, filepath.Join(prefix, "etc", "pkg", "pkg.cnf")))
	assert.DirExists(t, filepath.Join(prefix, "var", "run"))

	opt, err := os.Readlink(layout.Opt("pkg"))
	require.NoError(t, err)
	assert.Equal(t, prefix, opt)
	assert.FileExists(t, filepath.Join(layout.Bin(), "greet"))

	inst, err := te.store.ReadInstall(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, inst.Health)
	assert.Equal(t, "s1", inst.SessionID)
	assert.NotEmpty(t, inst.RecipeDigest)

	persisted, err := te.store.ReadSessionEvents(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, persisted, len(res.Events))

	assert.FileExists(t, filepath.Join(te.root, "cache", "logs", "pkg", "s1", "01-sh.log"))
	leftovers, err := filepath.Glob(filepath.Join(te.tmpDir, "cellar-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "session work dir must be removed")
}

func TestInstall_ChecksumMismatchStopsBeforeBuild(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	r.Checksum.Digest = "abc123"

	res, err := te.Install(context.Background(), r, InstallOptions{})

	require.True(t, IsChecksumError(err), "got %v", err)
	assert.Equal(t, StageFetch, StageOf(err))
	assert.Equal(t, []string{"fetch started", "fetch failed"}, stagesOf(res.Events))
	assert.NoDirExists(t, te.Layout().Prefix("pkg", "1.0"))

	_, err = te.store.ReadInstall(context.Background(), "pkg")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstall_PatchConflict(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	r.Patches[0].Text = strings.Replace(pkgPatch, "-mode=old", "-mode=ancient", 1)

	_, err := te.Install(context.Background(), r, InstallOptions{})

	var pc *patch.PatchConflictError
	require.ErrorAs(t, err, &pc)
	assert.Equal(t, "pkg.cnf", pc.File)
	assert.Equal(t, StagePatch, StageOf(err))
	assert.NoDirExists(t, te.Layout().Prefix("pkg", "1.0"))
}

func TestInstall_BuildFailureRemovesPrefix(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	r.Patches = nil

	res, err := te.Install(context.Background(), r, InstallOptions{})

	var be *BuildStepError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Step)
	assert.Contains(t, be.StderrTail, "configure: error")
	assert.Equal(t, StageBuild, StageOf(err))
	assert.Contains(t, stagesOf(res.Events), "patch skipped")
	assert.NoDirExists(t, te.Layout().Prefix("pkg", "1.0"))
	assert.NoFileExists(t, te.Layout().Opt("pkg"))

	_, err = te.store.ReadInstall(context.Background(), "pkg")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstall_FailedReinstallForgetsOldInstall(t *testing.T) {
	te := setupTestEngine(t)
	ctx := context.Background()
	layout := te.Layout()

	_, err := te.Install(ctx, greetRecipe(t), InstallOptions{})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(layout.Bin(), "greet"))

	broken := greetRecipe(t)
	broken.Patches = nil
	_, err = te.Install(ctx, broken, InstallOptions{})
	var be *BuildStepError
	require.ErrorAs(t, err, &be)

	assert.NoDirExists(t, layout.Prefix("pkg", "1.0"))
	_, err = os.Lstat(layout.Opt("pkg"))
	assert.True(t, os.IsNotExist(err), "opt link should be gone")
	_, err = os.Lstat(filepath.Join(layout.Bin(), "greet"))
	assert.True(t, os.IsNotExist(err), "bin link should be gone")

	_, err = te.store.ReadInstall(ctx, "pkg")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstall_VerificationFailureKeepsInstall(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	r.Test.Checks[0].Expect = "goodbye"

	res, err := te.Install(context.Background(), r, InstallOptions{})

	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "goodbye", ve.Expected)
	assert.Equal(t, "hello", ve.Actual)
	assert.Equal(t, store.HealthUnhealthy, res.Health)
	assert.DirExists(t, te.Layout().Prefix("pkg", "1.0"))

	inst, err := te.store.ReadInstall(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, store.HealthUnhealthy, inst.Health)
	assert.Contains(t, inst.HealthDetail, `expected "goodbye", got "hello"`)
}

func TestInstall_PostInstallFailure(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	r.PostInstall = []ir.PostInstallOp{{Kind: ir.OpSymlink, Source: "{{prefix}}/missing", Path: "{{prefix}}/link"}}

	res, err := te.Install(context.Background(), r, InstallOptions{})

	var pe *PostInstallError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StagePostInstall, StageOf(err))
	assert.Equal(t, store.HealthUnhealthy, res.Health)
	assert.DirExists(t, te.Layout().Prefix("pkg", "1.0"))

	inst, err := te.store.ReadInstall(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, store.HealthUnhealthy, inst.Health)
}

func TestInstall_SkipTest(t *testing.T) {
	te := setupTestEngine(t)

	res, err := te.Install(context.Background(), greetRecipe(t), InstallOptions{SkipTest: true})
	require.NoError(t, err)

	assert.Equal(t, store.HealthUntested, res.Health)
	events := stagesOf(res.Events)
	assert.Equal(t, "test skipped", events[len(events)-1])
}

func TestInstall_ReinstallUsesCache(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)

	_, err := te.Install(context.Background(), r, InstallOptions{SkipTest: true})
	require.NoError(t, err)
	marker := filepath.Join(te.Layout().Prefix("pkg", "1.0"), "stale")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	res, err := te.Install(context.Background(), r, InstallOptions{})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "cache hit", res.Events[1].Detail)
	assert.NoFileExists(t, marker, "reinstall starts from an empty prefix")
}

func TestTest_NotInstalled(t *testing.T) {
	te := setupTestEngine(t)

	res, err := te.Test(context.Background(), greetRecipe(t))

	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Equal(t, StageTest, StageOf(err))
	assert.Equal(t, []string{"test failed"}, stagesOf(res.Events))
}

func TestTest_KeepsBuildLogs(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	_, err := te.Install(context.Background(), r, InstallOptions{SkipTest: true})
	require.NoError(t, err)
	buildLog := filepath.Join(te.root, "cache", "logs", "pkg", "s1", "02-sh.log")
	require.FileExists(t, buildLog)

	_, err = te.Test(context.Background(), r)
	require.NoError(t, err)
	assert.FileExists(t, buildLog)

	// A second build gets its own log directory.
	_, err = te.Install(context.Background(), r, InstallOptions{SkipTest: true})
	require.NoError(t, err)
	assert.FileExists(t, buildLog)
	assert.FileExists(t, filepath.Join(te.root, "cache", "logs", "pkg", "session-3", "02-sh.log"))
}

func TestTest_AfterInstall(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	_, err := te.Install(context.Background(), r, InstallOptions{SkipTest: true})
	require.NoError(t, err)

	res, err := te.Test(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, res.Health)
	assert.Equal(t, []string{"test started", "test check", "test finished"}, stagesOf(res.Events))

	inst, err := te.store.ReadInstall(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, inst.Health)
}

func TestTest_BrokenInstallBecomesUnhealthy(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)
	_, err := te.Install(context.Background(), r, InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(te.Layout().Prefix("pkg", "1.0"), "bin", "greet")))

	_, err = te.Test(context.Background(), r)

	var mp *MissingPrerequisiteError
	require.ErrorAs(t, err, &mp)
	inst, err := te.store.ReadInstall(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, store.HealthUnhealthy, inst.Health)
}

func TestEngine_FetchOnly(t *testing.T) {
	te := setupTestEngine(t)
	r := greetRecipe(t)

	res, err := te.Fetch(context.Background(), r)
	require.NoError(t, err)
	assert.FileExists(t, res.Archive)
	assert.Equal(t, []string{"fetch started", "fetch finished"}, stagesOf(res.Events))
	assert.NoDirExists(t, te.Layout().Prefix("pkg", "1.0"))
}

func TestEngine_ConcurrentInstallsOfDifferentPackages(t *testing.T) {
	te := setupTestEngine(t)
	a := greetRecipe(t)
	b := greetRecipe(t)
	b.Name = "pkg2"

	errs := make(chan error, 2)
	for _, r := range []*ir.Recipe{a, b} {
		go func() {
			_, err := te.Install(context.Background(), r, InstallOptions{SkipTest: true})
			errs <- err
		}()
	}
	for range 2 {
		assert.NoError(t, <-errs)
	}
	assert.DirExists(t, te.Layout().Prefix("pkg", "1.0"))
	assert.DirExists(t, te.Layout().Prefix("pkg2", "1.0"))
}

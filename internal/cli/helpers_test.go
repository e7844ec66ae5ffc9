package cli

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roach88/cellar/internal/engine"
	"github.com/roach88/cellar/internal/testutil"
)

const greetPatch = "--- a/pkg.cnf\n+++ b/pkg.cnf\n@@ -1 +1 @@\n-mode=old\n+mode=new\n"

// greetArchive builds a package whose configure step only succeeds once the
// recipe's patch has been applied.
func greetArchive(t *testing.T) []byte {
	return testutil.TarGz(t,
		testutil.File{Name: "greet-1.0/configure", Content: "grep -q '^mode=new$' pkg.cnf || { echo 'configure: error: pkg.cnf not patched' >&2; exit 1; }\n"},
		testutil.File{Name: "greet-1.0/install.sh", Content: "set -e\nmkdir -p \"$1/bin\" \"$1/etc/pkg\"\ncp greet \"$1/bin/greet\"\nchmod 755 \"$1/bin/greet\"\ncp pkg.cnf \"$1/etc/pkg/pkg.cnf\"\n"},
		testutil.File{Name: "greet-1.0/greet", Content: "#!/bin/sh\ncat \"$1\"\n", Mode: 0o755},
		testutil.File{Name: "greet-1.0/pkg.cnf", Content: "mode=old\n"},
	)
}

// recipeOpts describes one CUE recipe. List-valued fields hold raw CUE.
type recipeOpts struct {
	Name        string
	Version     string
	URL         string
	SHA256      string
	Deps        []string
	Patch       string
	Build       string
	PostInstall string
	Requires    string
	Expect      string
	KegOnly     string
	Caveats     string
}

func (o recipeOpts) cue() string {
	var b strings.Builder
	fmt.Fprintf(&b, "package recipes\n\nrecipe: %q: {\n", o.Name)
	fmt.Fprintf(&b, "\tversion: %q\n", o.Version)
	fmt.Fprintf(&b, "\tdesc: %q\n", "Prints a greeting from a file")
	fmt.Fprintf(&b, "\thomepage: %q\n", "https://example.org/"+o.Name)
	fmt.Fprintf(&b, "\turl: %q\n", o.URL)
	if o.SHA256 != "" {
		fmt.Fprintf(&b, "\tsha256: %q\n", o.SHA256)
	}
	if len(o.Deps) > 0 {
		quoted := make([]string, len(o.Deps))
		for i, d := range o.Deps {
			quoted[i] = fmt.Sprintf("%q", d)
		}
		fmt.Fprintf(&b, "\tdepends_on: [%s]\n", strings.Join(quoted, ", "))
	}
	if o.KegOnly != "" {
		fmt.Fprintf(&b, "\tkeg_only: %q\n", o.KegOnly)
	}
	fmt.Fprintf(&b, "\tconfig_dir: %q\n", "etc/pkg")
	if o.Patch != "" {
		fmt.Fprintf(&b, "\tpatches: [{strip: 1, text: %q}]\n", o.Patch)
	}
	fmt.Fprintf(&b, "\tbuild: %s\n", o.Build)
	if o.PostInstall != "" {
		fmt.Fprintf(&b, "\tpost_install: %s\n", o.PostInstall)
	}
	if o.Expect != "" {
		fmt.Fprintf(&b, "\ttest: {\n\t\trequires: %s\n", o.Requires)
		fmt.Fprintf(&b, "\t\tchecks: [{name: \"greet\", input: {file: \"in.txt\", content: \"greeting=hello\\n\"}, exec: \"{{bin}}/greet\", args: [\"in.txt\"], delimiter: \"=\", field: 1, expect: %q}]\n\t}\n", o.Expect)
	}
	if o.Caveats != "" {
		fmt.Fprintf(&b, "\tcaveats: %q\n", o.Caveats)
	}
	b.WriteString("}\n")
	return b.String()
}

// cliFixture is an isolated root with a recipes directory and one local
// source archive.
type cliFixture struct {
	t       *testing.T
	root    string
	recipes string
	config  string
	archive string
	digest  string
	ids     *testutil.FixedSessionGenerator
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	root := t.TempDir()
	t.Setenv("TMPDIR", t.TempDir())
	data := greetArchive(t)
	return &cliFixture{
		t:       t,
		root:    root,
		recipes: filepath.Join(root, "recipes"),
		config:  testutil.WriteFile(t, root, "config.yaml", nil),
		archive: testutil.WriteFile(t, t.TempDir(), "greet-1.0.tar.gz", data),
		digest:  testutil.SHA256(data),
		ids:     testutil.NewFixedSessionGenerator(),
	}
}

// greet returns the working recipe, modified by mod when non-nil.
func (f *cliFixture) greet(mod func(*recipeOpts)) recipeOpts {
	o := recipeOpts{
		Name:        "greet",
		Version:     "1.0",
		URL:         "file://" + f.archive,
		SHA256:      f.digest,
		Patch:       greetPatch,
		Build:       `[["sh", "configure"], ["sh", "install.sh", "{{prefix}}"]]`,
		PostInstall: `[{mkdir: "{{prefix}}/var/run"}]`,
		Requires:    `["{{bin}}/greet"]`,
		Expect:      "hello",
		Caveats:     "Configuration lives in {{config_dir}}.",
	}
	if mod != nil {
		mod(&o)
	}
	return o
}

func (f *cliFixture) writeRecipe(o recipeOpts) {
	f.t.Helper()
	file := strings.ReplaceAll(o.Name, "@", "_") + ".cue"
	testutil.WriteFile(f.t, f.recipes, file, []byte(o.cue()))
}

func (f *cliFixture) prefix(name, version string) string {
	return filepath.Join(f.root, "cellar", name, version)
}

// run executes one cellar command against the fixture and returns stdout.
func (f *cliFixture) run(format string, args ...string) (string, error) {
	f.t.Helper()
	opts := &RootOptions{
		Getenv: func(string) string { return "" },
		EngineOptions: []engine.EngineOption{
			engine.WithSessionIDs(f.ids),
			engine.WithClock(testutil.NewDeterministicClock()),
			engine.WithLogger(slog.New(slog.DiscardHandler)),
		},
	}
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args,
		"--config", f.config,
		"--root", f.root,
		"--recipes", f.recipes,
		"--format", format,
	))
	err := cmd.Execute()
	return out.String(), err
}

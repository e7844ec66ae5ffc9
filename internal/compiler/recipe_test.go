package compiler

import (
	"testing"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellar/internal/ir"
)

const opensslRecipe = `
recipe: "openssl@1.0": {
	version:  "1.0.2u"
	desc:     "SSL/TLS cryptography library"
	homepage: "https://openssl.org/"
	url:      "https://www.openssl.org/source/openssl-1.0.2u.tar.gz"
	mirrors: [
		"https://www.mirrorservice.org/sites/ftp.openssl.org/source/openssl-1.0.2u.tar.gz",
	]
	sha256: "ecd0c6ffb493dd06707d38b14bb4d8c2288bb7033735606569d8f90f89669d16"
	depends_on: ["makedepend", "ca-certificates"]
	keg_only:   "provided by macOS"
	config_dir: "etc/openssl"
	patches: ["--- a/Configure\n+++ b/Configure\n@@ -1 +1 @@\n-old\n+new\n"]
	env: {PERL: null, PERL5LIB: null}
	jobs: 1
	build: [
		{exec: "perl", args: ["./Configure", "--prefix={{prefix}}", "--openssldir={{config_dir}}", "darwin64-{{arch}}-cc"]},
		["make", "depend"],
		["make"],
		{exec: "make", args: ["install", "MANDIR={{man}}", "MANSUFFIX=ssl"], env: {PERL: "/usr/bin/perl"}, timeout: "30m"},
	]
	post_install: [
		{remove: "{{config_dir}}/cert.pem"},
		{symlink: "{{config_dir}}/cert.pem", source: "{{dep:ca-certificates}}/etc/ca-certificates/cert.pem"},
	]
	test: {
		requires: ["{{config_dir}}/openssl.cnf"]
		checks: [{
			input: {file: "testfile.txt", content: "This is a test file"}
			exec: "{{bin}}/openssl"
			args: ["dgst", "-sha256", "-out", "checksum.txt", "testfile.txt"]
			output:     "checksum.txt"
			read_limit: 100
			delimiter:  "="
			expect:     "e2d0fe1585a63ec6009c8016ff8dda8b17719a637405a4e23c0ff81339148249"
		}]
	}
	caveats: "Place .pem files in {{config_dir}}/certs"
}
`

func compileFromString(t *testing.T, src, path string) (*ir.Recipe, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	return CompileRecipe(v.LookupPath(cue.ParsePath(path)))
}

func TestCompileRecipe_Full(t *testing.T) {
	r, err := compileFromString(t, opensslRecipe, `recipe."openssl@1.0"`)
	require.NoError(t, err)

	assert.Equal(t, "openssl@1.0", r.Name)
	assert.Equal(t, "1.0.2u", r.Version)
	assert.Equal(t, "SSL/TLS cryptography library", r.Description)
	require.Len(t, r.Sources, 2)
	assert.Equal(t, "https://www.openssl.org/source/openssl-1.0.2u.tar.gz", r.Sources[0])
	assert.Equal(t, ir.Checksum{Algorithm: "sha256", Digest: "ecd0c6ffb493dd06707d38b14bb4d8c2288bb7033735606569d8f90f89669d16"}, r.Checksum)
	assert.Equal(t, []string{"makedepend", "ca-certificates"}, r.Dependencies)
	assert.True(t, r.IsKegOnly())
	assert.Equal(t, "etc/openssl", r.ConfigDir)

	require.Len(t, r.Patches, 1)
	assert.Equal(t, DefaultPatchStrip, r.Patches[0].Strip)

	require.Len(t, r.Build, 4)
	assert.Equal(t, "perl", r.Build[0].Exec)
	assert.Equal(t, "--prefix={{prefix}}", r.Build[0].Args[1])
	assert.Equal(t, ir.UnsetEnv(), r.Build[0].Env["PERL"])
	assert.Equal(t, ir.UnsetEnv(), r.Build[0].Env["PERL5LIB"])
	assert.Equal(t, 1, r.Build[0].Jobs)

	// List-form steps inherit recipe env and jobs.
	assert.Equal(t, "make", r.Build[1].Exec)
	assert.Equal(t, []string{"depend"}, r.Build[1].Args)
	assert.Equal(t, ir.UnsetEnv(), r.Build[1].Env["PERL"])
	assert.Equal(t, 1, r.Build[1].Jobs)
	assert.Empty(t, r.Build[2].Args)

	// Step env overrides recipe env.
	assert.Equal(t, ir.SetEnv("/usr/bin/perl"), r.Build[3].Env["PERL"])
	assert.Equal(t, ir.UnsetEnv(), r.Build[3].Env["PERL5LIB"])
	assert.Equal(t, 30*time.Minute, r.Build[3].Timeout)

	require.Len(t, r.PostInstall, 2)
	assert.Equal(t, ir.OpRemove, r.PostInstall[0].Kind)
	assert.Equal(t, ir.OpSymlink, r.PostInstall[1].Kind)
	assert.Equal(t, "{{dep:ca-certificates}}/etc/ca-certificates/cert.pem", r.PostInstall[1].Source)

	require.Len(t, r.Test.Checks, 1)
	check := r.Test.Checks[0]
	assert.Equal(t, -1, check.Field)
	assert.Equal(t, 100, check.ReadLimit)
	assert.Equal(t, "=", check.Delimiter)
	require.NotNil(t, check.Input)
	assert.Equal(t, "This is a test file", check.Input.Content)
	assert.Equal(t, []string{"{{config_dir}}/openssl.cnf"}, r.Test.Requires)

	assert.Empty(t, Validate(r))
}

func TestCompileRecipe_MissingVersion(t *testing.T) {
	_, err := compileFromString(t, `
		recipe: zlib: {
			url: "https://zlib.net/zlib-1.3.tar.gz"
			build: [["make"]]
		}
	`, "recipe.zlib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version is required")
}

func TestCompileRecipe_NoBuildSteps(t *testing.T) {
	_, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "file:///tmp/zlib.tar.gz"
		}
	`, "recipe.zlib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one build step")
}

func TestCompileRecipe_ChecksumStruct(t *testing.T) {
	r, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "https://zlib.net/zlib-1.3.tar.gz"
			checksum: {algorithm: "blake3", digest: "AF1349B9F5F9A1A6A0404DEA36DCC9499BCB25C9ADC112B7CC9A93CAE41F3262"}
			build: [["make"]]
		}
	`, "recipe.zlib")
	require.NoError(t, err)
	assert.Equal(t, "blake3", r.Checksum.Algorithm)
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", r.Checksum.Digest)
}

func TestCompileRecipe_TwoChecksums(t *testing.T) {
	_, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "https://zlib.net/zlib-1.3.tar.gz"
			sha256: "aa"
			sha512: "bb"
			build: [["make"]]
		}
	`, "recipe.zlib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only one checksum")
}

func TestCompileRecipe_PatchStruct(t *testing.T) {
	r, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "file:///tmp/zlib.tar.gz"
			patches: [{strip: 0, text: "--- Makefile\n+++ Makefile\n"}]
			build: [["make"]]
		}
	`, "recipe.zlib")
	require.NoError(t, err)
	require.Len(t, r.Patches, 1)
	assert.Equal(t, 0, r.Patches[0].Strip)
}

func TestCompileRecipe_BadPostInstall(t *testing.T) {
	_, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "file:///tmp/zlib.tar.gz"
			build: [["make"]]
			post_install: [{remove: "a", mkdir: "b"}]
		}
	`, "recipe.zlib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of remove, symlink, mkdir")
}

func TestCompileRecipe_SymlinkNeedsSource(t *testing.T) {
	_, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "file:///tmp/zlib.tar.gz"
			build: [["make"]]
			post_install: [{symlink: "{{prefix}}/x"}]
		}
	`, "recipe.zlib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source is required")
}

func TestCompileRecipe_BadEnvValue(t *testing.T) {
	_, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "file:///tmp/zlib.tar.gz"
			env: {CFLAGS: 3}
			build: [["make"]]
		}
	`, "recipe.zlib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env values must be strings or null")
}

func TestCompileRecipe_BadTimeout(t *testing.T) {
	_, err := compileFromString(t, `
		recipe: zlib: {
			version: "1.3"
			url: "file:///tmp/zlib.tar.gz"
			build: [{exec: "make", timeout: "soon"}]
		}
	`, "recipe.zlib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

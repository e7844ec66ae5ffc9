package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/cellar/internal/ir"
)

func validRecipe() *ir.Recipe {
	return &ir.Recipe{
		Name:         "openssl@1.0",
		Version:      "1.0.2u",
		Sources:      []string{"https://www.openssl.org/source/openssl-1.0.2u.tar.gz"},
		Checksum:     ir.Checksum{Algorithm: "sha256", Digest: "ecd0c6ffb493dd06707d38b14bb4d8c2288bb7033735606569d8f90f89669d16"},
		Dependencies: []string{"ca-certificates"},
		ConfigDir:    "etc/openssl",
		Build:        []ir.Step{{Exec: "make", Args: []string{"install", "--prefix={{prefix}}"}}},
		PostInstall: []ir.PostInstallOp{
			{Kind: ir.OpSymlink, Path: "{{config_dir}}/cert.pem", Source: "{{dep:ca-certificates}}/cert.pem"},
		},
		Test: ir.TestSpec{Checks: []ir.Check{{Exec: "{{bin}}/openssl", Args: []string{"{{testdir}}/x"}, Expect: "ok", Field: -1}}},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func TestValidate_ValidRecipe(t *testing.T) {
	assert.Empty(t, Validate(validRecipe()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ir.Recipe)
		code   string
	}{
		{"bad name", func(r *ir.Recipe) { r.Name = "Open SSL" }, ErrRecipeNameInvalid},
		{"empty version", func(r *ir.Recipe) { r.Version = " " }, ErrRecipeVersionEmpty},
		{"no sources", func(r *ir.Recipe) { r.Sources = nil }, ErrRecipeNoSources},
		{"ftp source", func(r *ir.Recipe) { r.Sources = append(r.Sources, "ftp://x/y.tar.gz") }, ErrSourceURLInvalid},
		{"remote without checksum", func(r *ir.Recipe) { r.Checksum = ir.Checksum{} }, ErrChecksumRequired},
		{"bad digest", func(r *ir.Recipe) { r.Checksum.Digest = "abc123" }, ErrChecksumInvalid},
		{"self dependency", func(r *ir.Recipe) { r.Dependencies = append(r.Dependencies, r.Name) }, ErrDuplicateDependency},
		{"duplicate dependency", func(r *ir.Recipe) { r.Dependencies = append(r.Dependencies, "ca-certificates") }, ErrDuplicateDependency},
		{"absolute config dir", func(r *ir.Recipe) { r.ConfigDir = "/etc/openssl" }, ErrConfigDirInvalid},
		{"escaping config dir", func(r *ir.Recipe) { r.ConfigDir = "../etc" }, ErrConfigDirInvalid},
		{"empty patch", func(r *ir.Recipe) { r.Patches = []ir.Patch{{Text: "  ", Strip: 1}} }, ErrPatchInvalid},
		{"empty exec", func(r *ir.Recipe) { r.Build[0].Exec = "" }, ErrStepInvalid},
		{"negative jobs", func(r *ir.Recipe) { r.Build[0].Jobs = -1 }, ErrStepInvalid},
		{"unknown placeholder", func(r *ir.Recipe) { r.Build[0].Args = []string{"{{cellar}}"} }, ErrPlaceholderInvalid},
		{"undeclared dep placeholder", func(r *ir.Recipe) { r.PostInstall[0].Source = "{{dep:zlib}}/x" }, ErrPlaceholderInvalid},
		{"testdir outside test", func(r *ir.Recipe) { r.Build[0].Args = []string{"{{testdir}}"} }, ErrPlaceholderInvalid},
		{"symlink without source", func(r *ir.Recipe) { r.PostInstall[0].Source = "" }, ErrPostInstallInvalid},
		{"unknown op", func(r *ir.Recipe) { r.PostInstall[0].Kind = "chmod" }, ErrPostInstallInvalid},
		{"check without expect", func(r *ir.Recipe) { r.Test.Checks[0].Expect = "" }, ErrCheckInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecipe()
			tt.mutate(r)
			assert.Contains(t, codes(Validate(r)), tt.code)
		})
	}
}

func TestValidate_LocalSourceNeedsNoChecksum(t *testing.T) {
	r := validRecipe()
	r.Sources = []string{"file:///srv/src/openssl-1.0.2u.tar.gz"}
	r.Checksum = ir.Checksum{}
	assert.Empty(t, Validate(r))
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	r := validRecipe()
	r.Version = ""
	r.Build[0].Exec = ""
	r.Checksum = ir.Checksum{}
	errs := Validate(r)
	assert.GreaterOrEqual(t, len(errs), 3)
}

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellar/internal/ir"
	"github.com/roach88/cellar/internal/testutil"
)

const testFileContent = "This is a test file"

// fakeOpenSSL installs a stand-in for `openssl dgst -sha256 -out FILE IN`
// that writes digest in the real tool's output format.
func fakeOpenSSL(t *testing.T, s *Session, digest string) {
	t.Helper()
	testutil.Script(t, filepath.Join(s.Prefix, "bin"), "openssl",
		fmt.Sprintf(`[ "$1" = dgst ] || exit 2
[ -f "$5" ] || { echo "$5: No such file" >&2; exit 1; }
printf 'SHA256(%%s)= %s\n' "$5" > "$4"
`, digest))
}

func opensslTest() ir.TestSpec {
	return ir.TestSpec{
		Requires: []string{"{{bin}}/openssl"},
		Checks: []ir.Check{{
			Name:      "sha256 digest",
			Input:     &ir.TestInput{File: "testfile.txt", Content: testFileContent},
			Exec:      "{{bin}}/openssl",
			Args:      []string{"dgst", "-sha256", "-out", "checksum.txt", "testfile.txt"},
			Output:    "checksum.txt",
			Delimiter: "= ",
			Field:     1,
			Expect:    testutil.SHA256([]byte(testFileContent)),
		}},
	}
}

func TestVerify_Passes(t *testing.T) {
	s := newTestSession(t, testRecipe())
	fakeOpenSSL(t, s, testutil.SHA256([]byte(testFileContent)))
	var seen []string
	v := &Verifier{OnCheck: func(name string) { seen = append(seen, name) }}

	require.NoError(t, v.Verify(context.Background(), s, opensslTest()))
	assert.Equal(t, []string{"sha256 digest"}, seen)
}

func TestVerify_MismatchReportsBothValues(t *testing.T) {
	s := newTestSession(t, testRecipe())
	wrong := strings.Repeat("0", 64)
	fakeOpenSSL(t, s, wrong)

	err := (&Verifier{}).Verify(context.Background(), s, opensslTest())

	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "sha256 digest", ve.Check)
	assert.Equal(t, testutil.SHA256([]byte(testFileContent)), ve.Expected)
	assert.Equal(t, wrong, ve.Actual)
	assert.Contains(t, err.Error(), wrong)
}

func TestVerify_MissingPrerequisiteBeforeChecks(t *testing.T) {
	s := newTestSession(t, testRecipe())
	spec := opensslTest()
	spec.Checks = append([]ir.Check{{Exec: "sh", Args: []string{"-c", "touch {{prefix}}/ran"}}}, spec.Checks...)

	err := (&Verifier{}).Verify(context.Background(), s, spec)

	var mp *MissingPrerequisiteError
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, filepath.Join(s.Prefix, "bin", "openssl"), mp.Path)
	assert.NoFileExists(t, filepath.Join(s.Prefix, "ran"))
}

func TestVerify_NonZeroExit(t *testing.T) {
	s := newTestSession(t, testRecipe())
	spec := ir.TestSpec{Checks: []ir.Check{{
		Name:   "crash",
		Exec:   "sh",
		Args:   []string{"-c", "echo segfault >&2; exit 139"},
		Expect: "ok",
	}}}

	err := (&Verifier{}).Verify(context.Background(), s, spec)

	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 139, ve.ExitCode)
	assert.Equal(t, "segfault", ve.StderrTail)
}

func TestVerify_EachCheckGetsFreshDir(t *testing.T) {
	s := newTestSession(t, testRecipe())
	check := ir.Check{
		Exec:   "sh",
		Args:   []string{"-c", "ls | wc -l; touch marker"},
		Expect: "0",
	}

	require.NoError(t, (&Verifier{}).Verify(context.Background(), s, ir.TestSpec{Checks: []ir.Check{check, check}}))
}

func TestVerify_TestDirPlaceholder(t *testing.T) {
	s := newTestSession(t, testRecipe())
	check := ir.Check{
		Exec:   "sh",
		Args:   []string{"-c", `[ "$(pwd -P)" = "$(cd {{testdir}} && pwd -P)" ] && echo same`},
		Expect: "same",
	}

	require.NoError(t, (&Verifier{}).Verify(context.Background(), s, ir.TestSpec{Checks: []ir.Check{check}}))
}

func TestVerify_ReadLimit(t *testing.T) {
	s := newTestSession(t, testRecipe())
	check := ir.Check{
		Exec:   "sh",
		Args:   []string{"-c", "printf 'abcdef'"},
		Expect: "abc",
	}

	v := &Verifier{ReadLimit: 3}
	require.NoError(t, v.Verify(context.Background(), s, ir.TestSpec{Checks: []ir.Check{check}}))

	check.ReadLimit = 4
	err := v.Verify(context.Background(), s, ir.TestSpec{Checks: []ir.Check{check}})
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "abcd", ve.Actual)
}

func TestVerify_Timeout(t *testing.T) {
	s := newTestSession(t, testRecipe())
	v := &Verifier{Timeout: 100 * time.Millisecond}

	err := v.Verify(context.Background(), s, ir.TestSpec{Checks: []ir.Check{{Exec: "sleep", Args: []string{"30"}}}})
	assert.ErrorContains(t, err, "timed out")
}

func TestVerify_InputMustStayInTestDir(t *testing.T) {
	s := newTestSession(t, testRecipe())
	check := ir.Check{Input: &ir.TestInput{File: "../escape.txt"}, Exec: "true"}

	err := (&Verifier{}).Verify(context.Background(), s, ir.TestSpec{Checks: []ir.Check{check}})
	assert.ErrorContains(t, err, "escapes the test directory")
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		limit   int
		delim   string
		field   int
		want    string
		wantErr string
	}{
		{name: "whole output trimmed", input: "  hello\n", want: "hello"},
		{name: "openssl format", input: "SHA256(f.txt)= abc123\n", delim: "= ", field: 1, want: "abc123"},
		{name: "negative field", input: "a b c", delim: " ", field: -1, want: "c"},
		{name: "limit applies first", input: "key=value", limit: 5, delim: "=", field: 1, want: ""},
		{name: "out of range", input: "a=b", delim: "=", field: 2, wantErr: "field 2 out of range: output has 2 field(s)"},
		{name: "negative out of range", input: "a", delim: "=", field: -2, wantErr: "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractToken(strings.NewReader(tt.input), tt.limit, tt.delim, tt.field)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

package ir

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLookup(p Placeholder) (string, error) {
	switch {
	case p.Name == PHPrefix:
		return "/opt/cellar/cellar/openssl@1.0/1.0.2u", nil
	case p.Name == PHArch:
		return "arm64", nil
	case p.Name == PHDep && p.Arg == "ca-certificates":
		return "/opt/cellar/opt/ca-certificates", nil
	}
	return "", fmt.Errorf("unknown placeholder %s", p)
}

func TestFindPlaceholders(t *testing.T) {
	got := FindPlaceholders("--prefix={{prefix}} darwin64-{{ arch }}-cc {{dep:ca-certificates}}/cert.pem")
	assert.Equal(t, []Placeholder{
		{Name: "prefix"},
		{Name: "arch"},
		{Name: "dep", Arg: "ca-certificates"},
	}, got)
}

func TestExpandPlaceholders(t *testing.T) {
	out, err := ExpandPlaceholders("darwin64-{{arch}}-cc", testLookup)
	require.NoError(t, err)
	assert.Equal(t, "darwin64-arm64-cc", out)

	out, err = ExpandPlaceholders("{{dep:ca-certificates}}/etc/ca-certificates/cert.pem", testLookup)
	require.NoError(t, err)
	assert.Equal(t, "/opt/cellar/opt/ca-certificates/etc/ca-certificates/cert.pem", out)

	out, err = ExpandPlaceholders("no tokens here", testLookup)
	require.NoError(t, err)
	assert.Equal(t, "no tokens here", out)
}

func TestExpandPlaceholders_Errors(t *testing.T) {
	_, err := ExpandPlaceholders("{{bogus}}", testLookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown placeholder")

	_, err = ExpandPlaceholders("--prefix={{Prefix}}", testLookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed placeholder")
}

func TestCheckPlaceholder(t *testing.T) {
	deps := []string{"ca-certificates"}
	assert.NoError(t, CheckPlaceholder(Placeholder{Name: PHConfigDir}, deps))
	assert.NoError(t, CheckPlaceholder(Placeholder{Name: PHDep, Arg: "ca-certificates"}, deps))
	assert.ErrorContains(t, CheckPlaceholder(Placeholder{Name: PHDep, Arg: "zlib"}, deps), "undeclared dependency")
	assert.ErrorContains(t, CheckPlaceholder(Placeholder{Name: PHDep}, deps), "requires a package name")
	assert.ErrorContains(t, CheckPlaceholder(Placeholder{Name: PHPrefix, Arg: "x"}, deps), "takes no argument")
	assert.ErrorContains(t, CheckPlaceholder(Placeholder{Name: "cellar"}, deps), "unknown placeholder")
}

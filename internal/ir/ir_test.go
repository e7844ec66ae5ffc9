package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestChecksumValidate(t *testing.T) {
	valid := Checksum{Algorithm: AlgSHA256, Digest: sha256Hex("x")}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		c    Checksum
		want string
	}{
		{"unknown algorithm", Checksum{Algorithm: "md5", Digest: "abc"}, "unsupported checksum algorithm"},
		{"not hex", Checksum{Algorithm: AlgSHA256, Digest: "zz"}, "not hex"},
		{"short", Checksum{Algorithm: AlgSHA256, Digest: "abc123"}, "64 hex characters"},
		{"uppercase", Checksum{Algorithm: AlgSHA256, Digest: "E2D0FE1585A63EC6009C8016FF8DDA8B17719A637405A4E23C0FF81339148249"}, "lowercase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestChecksumMatches(t *testing.T) {
	c := Checksum{Algorithm: AlgSHA256, Digest: sha256Hex("This is a test file")}
	assert.Equal(t, "e2d0fe1585a63ec6009c8016ff8dda8b17719a637405a4e23c0ff81339148249", c.Digest)
	assert.True(t, c.Matches(sha256Hex("This is a test file")))
	assert.False(t, c.Matches(sha256Hex("something else")))
	assert.False(t, c.Matches("not-hex"))
}

func TestNewHash_AllAlgorithms(t *testing.T) {
	for alg, size := range digestSizes {
		h, err := NewHash(alg)
		require.NoError(t, err, alg)
		assert.Equal(t, size, h.Size(), alg)
	}
	_, err := NewHash("crc32")
	assert.Error(t, err)
}

func TestEnvValueJSON(t *testing.T) {
	env := map[string]EnvValue{"PERL": UnsetEnv(), "CC": SetEnv("clang")}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"CC":"clang","PERL":null}`, string(data))

	var back map[string]EnvValue
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, env, back)
}

func TestRecipeIsRemote(t *testing.T) {
	r := &Recipe{Sources: []string{"file:///tmp/a.tar.gz"}}
	assert.False(t, r.IsRemote())
	r.Sources = append(r.Sources, "https://example.com/a.tar.gz")
	assert.True(t, r.IsRemote())
}

func TestMarshalCanonical_SortsKeysAndSkipsHTMLEscape(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"b": 1, "a": "<x>", "c": []any{true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1,"c":[true,null]}`, string(out))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"f": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-integer")
}

func TestMarshalCanonical_NFC(t *testing.T) {
	out, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestDigest_StableAndSensitive(t *testing.T) {
	r := &Recipe{
		Name:     "zlib",
		Version:  "1.3",
		Sources:  []string{"https://example.com/zlib-1.3.tar.gz"},
		Checksum: Checksum{Algorithm: AlgSHA256, Digest: sha256Hex("zlib")},
		Build:    []Step{{Exec: "make", Args: []string{"install"}, Env: map[string]EnvValue{"PERL": UnsetEnv()}}},
	}
	d1, err := Digest(r)
	require.NoError(t, err)
	d2, err := Digest(r)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	r.Version = "1.3.1"
	d3, err := Digest(r)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

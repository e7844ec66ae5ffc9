package ir

import (
	"encoding/json"
	"net/url"
	"time"
)

// Recipe is a compiled package recipe: one pinned version of one package.
type Recipe struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"desc,omitempty"`
	Homepage     string          `json:"homepage,omitempty"`
	Sources      []string        `json:"sources"` // first is primary, rest are mirrors
	Checksum     Checksum        `json:"checksum"`
	Dependencies []string        `json:"dependencies"`
	Patches      []Patch         `json:"patches"`
	ConfigDir    string          `json:"config_dir,omitempty"` // relative to prefix, e.g. "etc/openssl"
	KegOnly      string          `json:"keg_only,omitempty"`   // reason; empty means linked into root
	Build        []Step          `json:"build"`
	PostInstall  []PostInstallOp `json:"post_install"`
	Test         TestSpec        `json:"test"`
	Caveats      string          `json:"caveats,omitempty"`
}

// FullName returns "name-version", used for cache keys and log lines.
func (r *Recipe) FullName() string {
	return r.Name + "-" + r.Version
}

// IsRemote reports whether any source is fetched over the network.
func (r *Recipe) IsRemote() bool {
	for _, src := range r.Sources {
		if IsRemoteURL(src) {
			return true
		}
	}
	return false
}

// HasDependency reports whether name is a declared dependency.
func (r *Recipe) HasDependency(name string) bool {
	for _, dep := range r.Dependencies {
		if dep == name {
			return true
		}
	}
	return false
}

// IsKegOnly reports whether the recipe must not be linked into the root.
func (r *Recipe) IsKegOnly() bool {
	return r.KegOnly != ""
}

// IsRemoteURL reports whether raw is an http or https URL.
func IsRemoteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Patch is an embedded unified diff applied to the extracted source tree.
type Patch struct {
	Text  string `json:"text"`
	Strip int    `json:"strip"` // leading path components removed, like patch -pN
}

// Step is one external-process invocation.
type Step struct {
	Exec    string              `json:"exec"`
	Args    []string            `json:"args"`
	Env     map[string]EnvValue `json:"env,omitempty"`
	Dir     string              `json:"dir,omitempty"`  // relative to the source dir
	Jobs    int                 `json:"jobs,omitempty"` // 0 = default concurrency, 1 = deparallelize
	Timeout time.Duration       `json:"timeout,omitempty"`
}

// EnvValue is an environment override: either a value or an explicit unset.
type EnvValue struct {
	Value string
	Unset bool
}

// SetEnv returns an override that sets a variable to value.
func SetEnv(value string) EnvValue {
	return EnvValue{Value: value}
}

// UnsetEnv returns an override that removes a variable.
func UnsetEnv() EnvValue {
	return EnvValue{Unset: true}
}

// MarshalJSON encodes unset as null and set values as strings.
func (e EnvValue) MarshalJSON() ([]byte, error) {
	if e.Unset {
		return []byte("null"), nil
	}
	return json.Marshal(e.Value)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *EnvValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = UnsetEnv()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*e = SetEnv(s)
	return nil
}

// PostInstallKind identifies a filesystem operation run after install.
type PostInstallKind string

const (
	// OpRemove removes Path if it exists.
	OpRemove PostInstallKind = "remove"

	// OpSymlink creates (or replaces) a symlink at Path pointing to Source.
	OpSymlink PostInstallKind = "symlink"

	// OpMkdir creates Path and its parents.
	OpMkdir PostInstallKind = "mkdir"
)

// ValidPostInstallKinds defines allowed post-install operations.
var ValidPostInstallKinds = map[PostInstallKind]bool{
	OpRemove:  true,
	OpSymlink: true,
	OpMkdir:   true,
}

// PostInstallOp is a single filesystem adjustment after install.
type PostInstallOp struct {
	Kind   PostInstallKind `json:"kind"`
	Path   string          `json:"path"`
	Source string          `json:"source,omitempty"` // symlink only
}

// TestSpec describes the smoke test run against an installation.
type TestSpec struct {
	Requires []string `json:"requires"` // files that must exist before any check runs
	Checks   []Check  `json:"checks"`
}

// Empty reports whether there is nothing to verify.
func (t TestSpec) Empty() bool {
	return len(t.Requires) == 0 && len(t.Checks) == 0
}

// Check runs an installed executable and compares one token of its output.
type Check struct {
	Name      string     `json:"name,omitempty"`
	Input     *TestInput `json:"input,omitempty"`
	Exec      string     `json:"exec"`
	Args      []string   `json:"args"`
	Output    string     `json:"output,omitempty"`     // file relative to the test dir; empty = stdout
	ReadLimit int        `json:"read_limit,omitempty"` // bytes of output considered; 0 = configured default
	Delimiter string     `json:"delimiter,omitempty"`  // empty = whole output is the token
	Field     int        `json:"field"`                // negative counts from the end
	Expect    string     `json:"expect"`
}

// TestInput is a file written into the test dir before the check runs.
type TestInput struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

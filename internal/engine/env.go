package engine

import (
	"os"
	"slices"
	"strings"

	"github.com/roach88/cellar/internal/ir"
)

// Env is a private copy of an environment. Changes never touch the
// invoking process's environment.
type Env struct {
	vars map[string]string
}

// SnapshotEnv copies the current process environment.
func SnapshotEnv() *Env {
	return NewEnv(os.Environ())
}

// NewEnv builds an Env from KEY=VALUE pairs. Later duplicates win.
func NewEnv(environ []string) *Env {
	e := &Env{vars: make(map[string]string, len(environ))}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.vars[k] = v
	}
	return e
}

// Clone returns an independent copy.
func (e *Env) Clone() *Env {
	vars := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		vars[k] = v
	}
	return &Env{vars: vars}
}

// Get returns a variable's value.
func (e *Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Set sets a variable in this Env only.
func (e *Env) Set(key, value string) {
	e.vars[key] = value
}

// Unset removes a variable from this Env only.
func (e *Env) Unset(key string) {
	delete(e.vars, key)
}

// With returns a copy with overrides applied. Values are passed through
// resolve first so they can reference placeholders.
func (e *Env) With(overrides map[string]ir.EnvValue, resolve func(string) (string, error)) (*Env, error) {
	out := e.Clone()
	for _, key := range sortedKeys(overrides) {
		ov := overrides[key]
		if ov.Unset {
			out.Unset(key)
			continue
		}
		val, err := resolve(ov.Value)
		if err != nil {
			return nil, err
		}
		out.Set(key, val)
	}
	return out, nil
}

// Environ returns KEY=VALUE pairs sorted by key, suitable for exec.Cmd.Env.
func (e *Env) Environ() []string {
	keys := sortedKeys(e.vars)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

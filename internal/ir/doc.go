// Package ir provides the compiled representation of package recipes.
//
// Recipes are authored in CUE and compiled by internal/compiler into the
// types in this package. Everything downstream (engine, store, cli) works
// on ir values only; ir imports nothing internal.
//
// Key design constraints:
//   - Recipes are immutable once compiled
//   - Placeholders ({{prefix}}, {{dep:NAME}}, ...) stay unresolved in ir;
//     the engine resolves them per build session
//   - All JSON tags use snake_case
//   - Recipe identity is the canonical-JSON digest (see Digest)
package ir

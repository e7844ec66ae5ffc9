// Package testutil provides deterministic fixtures for cellar tests:
// a resettable logical clock, fixed session IDs, and builders for source
// archives and fake installed executables.
package testutil

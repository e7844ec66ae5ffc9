// Package engine implements the cellar install pipeline.
//
// A recipe moves through six stages, strictly in order:
//
//	fetch        resolve sources (primary, then mirrors) to a verified archive
//	extract      unpack into a per-session work dir
//	patch        apply embedded diffs (all-or-nothing per patch)
//	build        run configure/make steps as subprocesses into the prefix
//	post_install filesystem fixups, opt link, bin links
//	test         required-file checks, then smoke-test checks
//
// The first failing stage aborts the rest and is reported as a *StageError
// wrapping one of the typed stage errors (FetchError, ChecksumError,
// patch.PatchConflictError, BuildStepError, PostInstallError,
// MissingPrerequisiteError, VerificationError).
//
// # Environment
//
// Each BuildSession snapshots the environment once. Step overrides apply to
// a copy of that snapshot, so unsetting PERL5LIB for one step never leaks
// into another step or into the cellar process itself.
//
// # Ordering
//
// Stage events are stamped by a logical clock (Sequencer), never wall time,
// so a stored trace replays in emission order.
package engine

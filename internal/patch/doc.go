// Package patch applies unified diffs to source trees.
//
// Application is modeled as a pure transform over an in-memory Tree:
//
//	out, err := patch.Apply(tree, p)
//
// Either every hunk of every file in p applies and out holds the result, or
// a *PatchConflictError is returned and tree is untouched. ApplyDir loads the
// files a patch touches from disk, runs Apply, and only then commits the
// results with atomic renames.
//
// Context matching follows GNU patch: exact position first, then the nearest
// offset anywhere in the file, then the same search again with up to MaxFuzz
// outer context lines ignored.
package patch

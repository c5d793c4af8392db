// Package isg maintains an Interface Signature Graph: a versioned graph of
// the interface-level entities of a repository (types, traits, functions,
// methods, impl blocks, modules) and the dependency edges between them.
//
// # Pipeline
//
// A changeset moves through three phases:
//
//  1. Extract: changed files are read and hashed in parallel, bounded by a
//     worker count and a memory ceiling. Files whose content hash matches
//     the last clean extraction are skipped. Each remaining file goes to
//     the extractor the registry picks for it (tree-sitter for Rust, Go
//     and Python; Risor scripts for other languages; a line-based fallback
//     otherwise).
//
//  2. Resolve: raw entities become nodes with stable keys and canonical
//     signatures. Relation targets are expanded through the file's imports
//     and bound to nodes of the head snapshot or the changeset. Targets
//     that match nothing point at an "unknown::" placeholder node, which
//     later changes retarget once the name appears.
//
//  3. Commit: the delta is validated (no dangling edges, no key
//     collisions) and applied as one generation. Snapshots are immutable,
//     so queries never see a half-applied delta.
//
// # Usage
//
//	e, err := isg.Open(ctx, "path/to/repo", "")
//	if err != nil { ... }
//	defer e.Close()
//
//	sum, err := e.IngestDirectory(ctx)
//	res, err := e.ProcessChangeset(ctx, []string{"src/lib.rs"})
//
//	set, err := e.Query().BlastRadius(ctx, isg.BlastRequest{
//		Seeds:   []string{"crate::lib::parse"},
//		MaxHops: 2,
//	})
//
// # Queries
//
// [Query] answers traversal, similarity, blast radius and node description
// requests against the current head, the proposed branch, or any retained
// generation. [Query.Serve] speaks the same operations as JSON lines over a
// reader and writer.
//
// # Watch mode
//
// [Engine.Watch] feeds filesystem events into an [Updater], which debounces
// each file, cancels extractions made obsolete by a newer edit, and commits
// one generation per settled file.
package isg

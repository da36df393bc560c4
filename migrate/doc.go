// Package migrate relocates derived artifacts from legacy directories,
// where they sat next to published documentation, into the cache.
//
// A legacy directory is laid out as <dir>/<group>/... . Each regular file is
// classified by extension:
//
//	.wasm                                   compiled through the engine into modules/
//	.ts .js .mjs .cjs .json .wat .go .py    sources/<group>/<name>
//	.sha256 .hash .digest                   metadata/legacy/<group>/<name>
//	.md .markdown .txt .rst .html           documentation, left in place
//
// Anything else is ignored. An item whose content is already in the cache is
// Skipped and its legacy copy removed, so running a migration twice leaves
// the same state as running it once. A failing item is recorded as Failed
// and the run continues. Dry runs return the plan without writing anything.
package migrate

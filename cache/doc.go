// Package cache is the content-addressed artifact store.
//
// Layout under the root:
//
//	modules/<hex>.wasm                 canonical module artifacts, keyed by source digest
//	modules/native/                    runtime native code cache
//	sources/<group>/<name>             generated sources and derived files
//	metadata/modules/<hex>.json        Entry per module
//	metadata/sources/<group>/<name>.json
//	metadata/legacy/<group>/<name>     integrity files carried over by migration
//	staging/                           temp files and writer locks
//
// Every write goes through the staging area and is published with one
// rename, so a crash never leaves a partial file under a final name. Every
// read re-hashes the content against its Entry; a mismatch evicts the entry.
// The public documentation directory must not overlap the root.
package cache

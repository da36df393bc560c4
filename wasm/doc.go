// Package wasm decodes and encodes WebAssembly core module binaries.
//
// The decoder covers the sections the sandbox needs to audit and canonicalize
// a module before it reaches the runtime: types, imports, functions,
// memories, exports, start, code and data. Remaining sections round-trip
// byte for byte through RawSection.
//
// Instruction and EncodeInstructions assemble function bodies for tests and
// tooling without a text-format toolchain.
package wasm

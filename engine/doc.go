// Package engine compiles and runs untrusted WebAssembly modules under
// resource limits.
//
// # Architecture
//
// One Engine wraps one wazero runtime with the host capability module
// instantiated once. Compiled modules are shared read-only between
// executions; everything mutable is per execution:
//
//	Engine          - runtime, compiled module table, cache handle
//	compiledModule  - wazero.CompiledModule plus its verified cache artifact
//	host.Session    - call budget, call counter, log buffer, abort reason
//	cappedAllocator - linear memory capped at the request's memory limit
//
// # Execution Flow
//
//  1. The source digest is looked up in memory, then in the cache; on a miss
//     the module is parsed, audited against the host surface, canonicalized,
//     compiled and stored. Concurrent requests for one digest share a flight.
//  2. The module is instantiated with a per-execution allocator.
//  3. The entry point runs on its own goroutine. The watchdog cancels the
//     execution context at the deadline, closes the module, and abandons the
//     goroutine if it has not returned after the grace period.
//  4. The outcome is classified from the host session, the watchdog and the
//     allocator, never from error text.
//
// Each execution moves through uncompiled, compiled, instantiated and
// running before reaching a terminal Outcome.
package engine

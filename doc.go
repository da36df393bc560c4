// Package sandbox runs untrusted WebAssembly modules under hard resource
// limits and keeps their compiled artifacts in a content-addressed cache.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	sandbox/
//	├── limits/      Security profiles, overrides and validated Limits
//	├── host/        The "env" host module: host_log, host_add, call budget
//	├── engine/      wazero integration, compilation, watchdog, outcomes
//	├── cache/       Content-addressed module, source and metadata store
//	├── migrate/     Moves derived artifacts out of legacy directories
//	├── wasm/        Core WASM binary parsing, auditing and canonical encoding
//	├── config/      YAML, dotenv and environment configuration
//	├── metrics/     Prometheus collectors and OpenTelemetry spans
//	├── errors/      Structured error types with phase and kind
//	└── cmd/sandbox/ The sandbox command line tool
//
// # Quick Start
//
// Open a cache, build an engine and run a module under the strict profile:
//
//	c, err := cache.Open("/var/cache/wasm-sandbox")
//	if err != nil {
//		return err
//	}
//	eng, err := engine.New(ctx, c)
//	if err != nil {
//		return err
//	}
//	defer eng.Close(ctx)
//
//	r, _ := limits.NewResolver()
//	lim, _ := r.Profile(limits.Strict)
//	res, err := eng.Execute(ctx, engine.Request{
//		Module:     wasmBytes,
//		EntryPoint: "run",
//		Limits:     lim,
//	})
//	if err != nil {
//		return err // the request itself was invalid
//	}
//	fmt.Println(res.Outcome, res.ReturnValue)
//
// Execution failures such as traps, timeouts or an exhausted host call
// budget are reported as a Result outcome rather than an error. The second
// run of the same bytes is served from the cache without recompiling.
//
// # Profiles
//
//	profile     memory   timeout  host calls
//	strict      64MiB    5s       100
//	moderate    256MiB   60s      1000
//	permissive  1GiB     300s     10000
//
// No profile or override may exceed the 4GiB wasm32 address space.
package sandbox

// Package limits resolves security profiles and explicit overrides into
// validated resource limits.
//
// Every execution runs under a Limits value holding a linear memory cap, a
// wall-clock deadline and a host call budget. All three must be strictly
// positive and the memory cap may never exceed HardMemoryCeiling. Invalid
// values fail with errors.KindInvalidConfiguration; nothing is clamped.
//
//	r, _ := limits.NewResolver()
//	l, err := r.ResolveName("strict", limits.Overrides{})
//
// Built-in profiles:
//
//	strict      64MiB    5s    100 host calls
//	moderate    256MiB   60s   1000 host calls
//	permissive  1GiB     300s  10000 host calls
package limits

// Package host is the bridge between guest modules and the sandbox.
//
// Guests see exactly the functions in Capabilities, imported from the "env"
// module. Audit rejects any module importing anything else, so no ambient
// filesystem, network or clock access can be linked in.
//
// Every call is charged to a per-execution Session carried in the call
// context. A call past the budget, an out-of-bounds pointer range or a done
// context aborts the guest with an *Abort panic and records the reason on the
// Session.
package host

// Package identity holds the identity, contract and guarantee processors.
//
// Contract changes run a fixed chain: validate, save, chained guarantee
// creation, dirty marking on work-position change, cache eviction and
// notification. Deletes cascade to guarantees first; a forced delete defers
// to a FORCE_DELETE pending-work record that the resumer completes later.
// Work-position changes leave a DIRTY_STATE record on the identity, which
// resumes as an identity RECALCULATE.
//
// NewSystem wires the processors, resumers and codec to a state store.
package identity

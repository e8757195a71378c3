// Package harness runs YAML scenarios against the identity processors.
//
// A scenario seeds entities, publishes envelopes synchronously or through
// the async queue, runs resumption passes and drains the queue, then checks
// assertions against the recorded trace and the SQLite tables.
//
// # Scenario Format
//
//	name: contract_lifecycle
//	description: "What this scenario validates"
//	gates:
//	  modules: { notifications: true }
//	  properties: { "processor.core.identity-cache-evict.enabled": "false" }
//	setup:
//	  - entity: identity
//	    value: { id: i-1, username: alice }
//	flow:
//	  - publish:
//	      event: CREATE
//	      entity: identity-contract
//	      current: { id: c-1, identity_id: i-1, work_position: engineer, valid: true }
//	    expect:
//	      state: COMPLETED
//	  - resume: { result_code: DIRTY_STATE }
//	  - drain: {}
//	assertions:
//	  - type: trace_order
//	    handlers: [contract-validate, contract-save]
//	  - type: row_count
//	    table: pending_work
//	    where: { result_code: DIRTY_STATE }
//	    count: 0
//
// # Assertion Types
//
//   - trace_contains: a handler step, optionally filtered by state and entity type
//   - trace_order: handlers first ran in the given order
//   - trace_count: a handler step appears exactly N times
//   - final_state: one table row matches where and holds the expected columns
//   - row_count: exactly N table rows match where
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory database, a manual wall clock, a logical
// trace clock and sequential ids, so traces are identical across runs and
// can be compared with golden files (see RunWithGolden).
package harness

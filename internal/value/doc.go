// Package value provides the constrained value types carried by event
// property bags and pending-work parameter payloads.
//
// This package imports nothing internal. Key constraints:
//   - NO float types: stored parameters must compare byte-for-byte
//   - Canonical JSON (RFC 8785) is the only persisted form
package value

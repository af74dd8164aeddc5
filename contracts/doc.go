// Package contracts provides the core message types for the agentwire protocol.
//
// This package defines the envelope that wraps every message on the wire and
// the five payload specializations it discriminates over:
//   - Request: Asks the target agent to invoke a method
//   - Response: Answers a request, matched by correlation id
//   - Notification: One-way named signal
//   - Event: Something that happened at a source agent
//   - ErrorBody: A protocol error carried as a payload
//
// It also defines the protocol error taxonomy, id generators, priority
// weights, and the advisory retry/backoff helpers shared by every layer.
// Everything here is pure data with no I/O.
package contracts

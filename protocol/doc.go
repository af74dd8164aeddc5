// Package protocol implements the agentwire protocol handler: the
// orchestration layer between callers and the pub/sub transport.
//
// The Handler owns all shared protocol state — the pending-request
// table keyed by correlation id, the negotiation table keyed by agent
// id, per-agent rate-limit windows, and the message-kind handler
// registry — each guarded by its own lock. Outbound sends validate,
// rate-limit, optionally encrypt, and route per the requested
// strategy. The inbound pipeline decrypts, validates, drops expired
// envelopes, and dispatches to registered handlers; malformed or
// undecryptable input is reported through the event hook and never
// propagates into the consume loop.
//
// Request/response correlation follows insert-on-send,
// resolve-and-remove-on-match, remove-on-timeout: exactly one of
// resolve or reject fires per correlation id, and late responses are
// dropped.
package protocol

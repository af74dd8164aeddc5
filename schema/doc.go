// Package schema validates wire messages against the envelope schema.
//
// Validate turns raw bytes into a generic envelope, rejecting anything
// missing required fields or carrying an unrecognized kind. ValidateTyped
// layers strict per-kind payload checks on top. Both fail with
// INVALID_MESSAGE protocol errors listing every violation, so callers can
// surface the full set to the sender in one round trip.
package schema

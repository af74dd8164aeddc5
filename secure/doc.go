// Package secure implements the cryptographic layer of the agentwire
// protocol: session negotiation with per-session XChaCha20-Poly1305
// encryption, HMAC-signed auth tokens, and keyed BLAKE3 integrity
// digests over the canonical envelope.
//
// The Channel owns the session-key registry. Key material is returned
// exactly once from Negotiate and thereafter held only inside the
// Channel, keyed by session id. Keys are removed explicitly; there is
// no passive expiry sweep.
package secure

package secure

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"

	"github.com/agentwire/agentwire-go/contracts"
)

// integrityKey is the 32-byte BLAKE3 keyed-hashing key for envelope
// digests. Domain separation keeps envelope digests from colliding
// with any other keyed hash an agent might compute over the same
// bytes. The value is the ASCII domain name, zero-padded.
var integrityKey = [32]byte{
	'a', 'g', 'e', 'n', 't', 'w', 'i', 'r', 'e', '.',
	'e', 'n', 'v', 'e', 'l', 'o', 'p', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Digest computes the keyed BLAKE3 digest of the canonical JSON
// encoding of the envelope, timestamp included. Struct field order is
// fixed and map keys are sorted by the encoder, so the encoding is
// deterministic.
func Digest(env *contracts.Envelope) (string, error) {
	canonical, err := json.Marshal(env)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrCodeInternal, "encode envelope for digest: %v", err)
	}
	h, err := blake3.NewKeyed(integrityKey[:])
	if err != nil {
		return "", contracts.Errorf(contracts.ErrCodeInternal, "init digest: %v", err)
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyIntegrity recomputes the envelope digest and compares it to
// the expected value in constant time. It works independently of
// encryption, detecting tampering on plaintext envelopes too.
func VerifyIntegrity(env *contracts.Envelope, digest string) bool {
	computed, err := Digest(env)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

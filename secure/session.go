package secure

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/agentwire/agentwire-go/contracts"
)

// RateLimitSpec advertises a rate limit in negotiated capabilities.
type RateLimitSpec struct {
	MaxRequests int `json:"maxRequests"`
	WindowMs    int `json:"windowMs"`
}

// Capabilities describes what a peer supports, exchanged during
// protocol negotiation.
type Capabilities struct {
	SupportedVersions []string               `json:"supportedVersions,omitempty"`
	MessageTypes      []contracts.MessageKind `json:"messageTypes,omitempty"`
	Encryption        bool                   `json:"encryption"`
	Authentication    bool                   `json:"authentication"`
	Compression       bool                   `json:"compression"`
	MaxMessageSize    int                    `json:"maxMessageSize,omitempty"`
	RateLimit         *RateLimitSpec         `json:"rateLimit,omitempty"`
}

// Negotiation is the result of establishing a session with a peer.
// EncryptionKey is handed to the caller exactly once; the Channel
// retains the only other copy, keyed by SessionID.
type Negotiation struct {
	Version       string       `json:"version"`
	Capabilities  Capabilities `json:"capabilities"`
	SessionID     string       `json:"sessionId"`
	EncryptionKey string       `json:"encryptionKey,omitempty"`
	AuthToken     string       `json:"authToken,omitempty"`
	EstablishedAt time.Time    `json:"establishedAt"`
}

// Frame is the encrypted wire wrapper. IV is the base64-encoded
// 24-byte XChaCha20-Poly1305 nonce and Data the base64 ciphertext.
type Frame struct {
	IV        string `json:"iv"`
	Data      string `json:"data"`
	SessionID string `json:"sessionId"`
}

// DecodeFrame sniffs raw wire bytes for an encrypted frame. The frame
// is recognized structurally: iv, data, and sessionId all present and
// non-empty. A plaintext payload that happens to carry those exact
// fields would misparse here; the framing has no explicit mode
// discriminator.
func DecodeFrame(raw []byte) (*Frame, bool) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}
	if f.IV == "" || f.Data == "" || f.SessionID == "" {
		return nil, false
	}
	return &f, true
}

// Channel owns session keys and the token signing secret. All methods
// are safe for concurrent use.
type Channel struct {
	mu   sync.RWMutex
	keys map[string][]byte

	tokenSecret []byte
	issuer      string
	audience    string
	tokenTTL    time.Duration

	supportedVersions map[string]bool
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithTokenSecret sets the HMAC secret used to sign auth tokens.
func WithTokenSecret(secret []byte) ChannelOption {
	return func(c *Channel) {
		c.tokenSecret = secret
	}
}

// WithIssuer sets the token issuer identity.
func WithIssuer(issuer string) ChannelOption {
	return func(c *Channel) {
		c.issuer = issuer
	}
}

// WithAudience sets the expected token audience.
func WithAudience(audience string) ChannelOption {
	return func(c *Channel) {
		c.audience = audience
	}
}

// WithTokenTTL sets the token lifetime.
func WithTokenTTL(ttl time.Duration) ChannelOption {
	return func(c *Channel) {
		c.tokenTTL = ttl
	}
}

// WithSupportedVersions replaces the set of protocol versions the
// channel will negotiate.
func WithSupportedVersions(versions ...string) ChannelOption {
	return func(c *Channel) {
		c.supportedVersions = make(map[string]bool, len(versions))
		for _, v := range versions {
			c.supportedVersions[v] = true
		}
	}
}

// NewChannel creates a secure channel. Without WithTokenSecret a
// random secret is generated, which is fine for a single process but
// means tokens do not verify across restarts.
func NewChannel(opts ...ChannelOption) *Channel {
	c := &Channel{
		keys:              make(map[string][]byte),
		issuer:            "agentwire",
		audience:          "agentwire",
		tokenTTL:          time.Hour,
		supportedVersions: map[string]bool{contracts.ProtocolVersion: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.tokenSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic("secure: cannot read entropy: " + err.Error())
		}
		c.tokenSecret = secret
	}
	return c
}

// Negotiate establishes a session for the given agent: allocates a
// session id, generates a fresh symmetric key, and registers it. The
// key is returned base64-encoded in the negotiation record; this is
// the only time it leaves the channel. An auth token is attached when
// the capabilities request authentication.
func (c *Channel) Negotiate(agentID, version string, caps Capabilities) (*Negotiation, error) {
	if !c.supportedVersions[version] {
		return nil, contracts.Errorf(contracts.ErrCodeInvalidVersion,
			"protocol version %q not supported", version)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeInternal, "generate session key: %v", err)
	}

	neg := &Negotiation{
		Version:       version,
		Capabilities:  caps,
		SessionID:     contracts.NewSessionID(),
		EstablishedAt: time.Now().UTC(),
	}
	if caps.Encryption {
		neg.EncryptionKey = base64.StdEncoding.EncodeToString(key)
		c.mu.Lock()
		c.keys[neg.SessionID] = key
		c.mu.Unlock()
	}
	if caps.Authentication {
		token, err := c.IssueToken(agentID, []string{"send", "receive"})
		if err != nil {
			return nil, err
		}
		neg.AuthToken = token
	}
	return neg, nil
}

// Encrypt seals the envelope under the session's key. Fails NOT_FOUND
// when no key is registered for the session.
func (c *Channel) Encrypt(env *contracts.Envelope, sessionID string) (*Frame, error) {
	key, ok := c.sessionKey(sessionID)
	if !ok {
		return nil, contracts.Errorf(contracts.ErrCodeNotFound,
			"no session key registered for %q", sessionID)
	}

	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeEncryptionFailed, "encode envelope: %v", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeEncryptionFailed, "init cipher: %v", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeEncryptionFailed, "generate nonce: %v", err)
	}

	// The session id is bound as AAD so a frame cannot be replayed
	// under a different session that shares key material.
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(sessionID))

	return &Frame{
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
		SessionID: sessionID,
	}, nil
}

// Decrypt opens an encrypted frame. Fails NOT_FOUND when the session
// has no registered key, and DECRYPTION_FAILED on any mismatch: wrong
// session, corrupted ciphertext, or undecodable plaintext.
func (c *Channel) Decrypt(frame *Frame, sessionID string) (*contracts.Envelope, error) {
	key, ok := c.sessionKey(sessionID)
	if !ok {
		return nil, contracts.Errorf(contracts.ErrCodeNotFound,
			"no session key registered for %q", sessionID)
	}
	if frame.SessionID != sessionID {
		return nil, contracts.Errorf(contracts.ErrCodeDecryptionFailed,
			"frame session %q does not match %q", frame.SessionID, sessionID)
	}

	nonce, err := base64.StdEncoding.DecodeString(frame.IV)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, contracts.NewProtocolError(contracts.ErrCodeDecryptionFailed, "malformed nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return nil, contracts.NewProtocolError(contracts.ErrCodeDecryptionFailed, "malformed ciphertext")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeDecryptionFailed, "init cipher: %v", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return nil, contracts.NewProtocolError(contracts.ErrCodeDecryptionFailed, "authentication failed")
	}

	var env contracts.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeDecryptionFailed, "decode envelope: %v", err)
	}
	return &env, nil
}

// RemoveSessionKey discards the key for a session. Subsequent encrypt
// and decrypt calls for that session fail NOT_FOUND.
func (c *Channel) RemoveSessionKey(sessionID string) {
	c.mu.Lock()
	delete(c.keys, sessionID)
	c.mu.Unlock()
}

// HasSession reports whether a key is registered for the session.
func (c *Channel) HasSession(sessionID string) bool {
	_, ok := c.sessionKey(sessionID)
	return ok
}

func (c *Channel) sessionKey(sessionID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[sessionID]
	return key, ok
}

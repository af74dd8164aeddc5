package secure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
)

// TokenClaims is the authenticated content of an auth token.
type TokenClaims struct {
	Subject     string   `json:"sub"`
	Permissions []string `json:"permissions"`
	IssuedAt    int64    `json:"iat"`
	ExpiresAt   int64    `json:"exp"`
	Issuer      string   `json:"iss"`
	Audience    string   `json:"aud"`
}

// IssueToken mints a signed token for an agent. The token is two
// base64url segments, claims and HMAC-SHA256 signature, joined by a
// dot.
func (c *Channel) IssueToken(agentID string, permissions []string) (string, error) {
	now := time.Now().UTC()
	claims := TokenClaims{
		Subject:     agentID,
		Permissions: permissions,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(c.tokenTTL).Unix(),
		Issuer:      c.issuer,
		Audience:    c.audience,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", contracts.Errorf(contracts.ErrCodeInternal, "encode token claims: %v", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.sign(encoded), nil
}

// VerifyToken checks the signature in constant time, then issuer,
// audience, and expiry. A token failing only on expiry yields
// TOKEN_EXPIRED; every other violation yields UNAUTHORIZED.
func (c *Channel) VerifyToken(token string) (*TokenClaims, error) {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok {
		return nil, contracts.NewProtocolError(contracts.ErrCodeUnauthorized, "malformed token")
	}
	if !hmac.Equal([]byte(signature), []byte(c.sign(encoded))) {
		return nil, contracts.NewProtocolError(contracts.ErrCodeUnauthorized, "signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, contracts.NewProtocolError(contracts.ErrCodeUnauthorized, "malformed token claims")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, contracts.NewProtocolError(contracts.ErrCodeUnauthorized, "malformed token claims")
	}

	if claims.Issuer != c.issuer {
		return nil, contracts.Errorf(contracts.ErrCodeUnauthorized, "unknown issuer %q", claims.Issuer)
	}
	if claims.Audience != c.audience {
		return nil, contracts.Errorf(contracts.ErrCodeUnauthorized, "wrong audience %q", claims.Audience)
	}
	if time.Now().UTC().Unix() > claims.ExpiresAt {
		return nil, contracts.NewProtocolError(contracts.ErrCodeTokenExpired, "token expired")
	}
	return &claims, nil
}

func (c *Channel) sign(encoded string) string {
	mac := hmac.New(sha256.New, c.tokenSecret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

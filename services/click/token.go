package click

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"shareyoursales-ace/pkg/errutil"
)

// TokenClaims is the payload carried inside a signed ClickToken.
type TokenClaims struct {
	LinkID      string `json:"link_id"`
	Fingerprint string `json:"fingerprint"`
	IssuedAt    int64  `json:"issued_at"`
}

// SignToken produces the opaque value planted on the visitor: a base64url
// payload plus an HMAC-SHA256 signature over it.
func SignToken(secret []byte, claims TokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return encoded + "." + sig, nil
}

// ParseToken verifies the signature and expiry of a ClickToken. Tampered or
// expired tokens are rejected; the attribution chain then falls through to
// its next strategy.
func ParseToken(secret []byte, token string, window time.Duration, now time.Time) (*TokenClaims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, errutil.SignatureInvalid("malformed click token", nil)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return nil, errutil.SignatureInvalid("click token signature mismatch", nil)
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errutil.SignatureInvalid("malformed click token payload", err)
	}

	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errutil.SignatureInvalid("malformed click token payload", err)
	}

	issued := time.Unix(claims.IssuedAt, 0)
	if now.Sub(issued) > window {
		return nil, errutil.StateInvalid("click token expired", nil)
	}

	return &claims, nil
}

// Package token inspects bearer tokens issued by the authentication service.
//
// The engine never verifies signatures: the issuer is authoritative and the
// client only reads claims for expiry timing. Every function here returns a
// definite answer; decode failures degrade to "expired/unknown" instead of
// propagating an error.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryBuffer is subtracted from the exp claim so a token is treated
// as expired slightly before the server would reject it. This closes the race
// where a request is sent with a token that expires mid-flight.
const DefaultExpiryBuffer = 5 * time.Minute

// Claims holds the subset of JWT claims the engine reads.
type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// timeNow is overridable in tests.
var timeNow = time.Now

// Decode reads the payload segment of a dot-delimited token without checking
// the signature. It reports ok=false on any malformed input: wrong segment
// count, bad base64 (URL-safe and unpadded variants are accepted), or bad
// JSON.
func Decode(raw string) (Claims, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, false
	}
	var claims Claims
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return Claims{}, false
	}
	return claims, true
}

// ExpiryAt returns the absolute expiry of the token. ok is false when the
// token cannot be decoded or carries no exp claim.
func ExpiryAt(raw string) (time.Time, bool) {
	claims, ok := Decode(raw)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// IsExpired reports whether the token should be treated as expired, applying
// the given safety buffer. A token with no parseable exp claim is already
// expired.
func IsExpired(raw string, buffer time.Duration) bool {
	exp, ok := ExpiryAt(raw)
	if !ok {
		return true
	}
	if buffer < 0 {
		buffer = 0
	}
	return !timeNow().Before(exp.Add(-buffer))
}

// Package token issues and verifies the host's bearer tokens: compact JWS
// (JWT) signed with the KeyStore's current key and tagged with its kid.
package token

import (
	"context"
	"time"
)

// registeredClaims are the names the issuer owns; custom claims may not set
// them. kid is reserved because Map reports the signing key under it.
var registeredClaims = map[string]bool{
	"iss": true,
	"sub": true,
	"aud": true,
	"exp": true,
	"nbf": true,
	"iat": true,
	"jti": true,
	"kid": true,
}

// Claims are the verified contents of a token.
type Claims struct {
	Subject   string
	Issuer    string
	ID        string
	KeyID     string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
	Custom    map[string]any
}

// Map flattens the claims into their JSON claim names, with times as Unix
// seconds. The kid is included for diagnostics.
func (c Claims) Map() map[string]any {
	out := make(map[string]any, len(c.Custom)+8)
	for name, value := range c.Custom {
		out[name] = value
	}
	if c.Subject != "" {
		out["sub"] = c.Subject
	}
	if c.Issuer != "" {
		out["iss"] = c.Issuer
	}
	if c.ID != "" {
		out["jti"] = c.ID
	}
	if c.KeyID != "" {
		out["kid"] = c.KeyID
	}
	if !c.IssuedAt.IsZero() {
		out["iat"] = c.IssuedAt.Unix()
	}
	if !c.NotBefore.IsZero() {
		out["nbf"] = c.NotBefore.Unix()
	}
	if !c.ExpiresAt.IsZero() {
		out["exp"] = c.ExpiresAt.Unix()
	}
	return out
}

// Token is a signed, encoded token together with what went into it.
type Token struct {
	Raw       string
	KeyID     string
	Algorithm string
	Claims    Claims
}

// String returns the compact serialization.
func (t Token) String() string {
	return t.Raw
}

type claimsContextKey struct{}

// NewContext returns a context carrying verified claims.
func NewContext(ctx context.Context, claims Claims) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// FromContext returns the verified claims carried by ctx.
func FromContext(ctx context.Context) (Claims, bool) {
	if ctx == nil {
		return Claims{}, false
	}
	claims, ok := ctx.Value(claimsContextKey{}).(Claims)
	return claims, ok
}

// Recorder observes issuance and verification outcomes.
type Recorder interface {
	TokenIssued(algorithm string)
	TokenVerified(result string)
}

type nopRecorder struct{}

func (nopRecorder) TokenIssued(string)   {}
func (nopRecorder) TokenVerified(string) {}

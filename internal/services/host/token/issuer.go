package token

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/dualhost/internal/platform/errors"
	"github.com/louisbranch/dualhost/internal/services/host/keystore"
)

const tracerName = "github.com/louisbranch/dualhost/internal/services/host/token"

// SigningKeys provides the key new tokens are signed with.
type SigningKeys interface {
	Current() (*keystore.Key, error)
}

// IssuerConfig configures token issuance.
type IssuerConfig struct {
	// Issuer is written to the iss claim.
	Issuer string
	// Subject is the sub claim used when the caller does not supply one.
	Subject string
	// Now overrides the clock.
	Now func() time.Time
	// NewID overrides jti generation.
	NewID func() string
	// Recorder observes issued tokens.
	Recorder Recorder
}

// Issuer signs tokens with the current key.
type Issuer struct {
	keys     SigningKeys
	issuer   string
	subject  string
	now      func() time.Time
	newID    func() string
	recorder Recorder
	tracer   trace.Tracer
}

// NewIssuer returns an Issuer backed by keys.
func NewIssuer(keys SigningKeys, cfg IssuerConfig) *Issuer {
	issuer := &Issuer{
		keys:     keys,
		issuer:   strings.TrimSpace(cfg.Issuer),
		subject:  strings.TrimSpace(cfg.Subject),
		now:      cfg.Now,
		newID:    cfg.NewID,
		recorder: cfg.Recorder,
		tracer:   otel.Tracer(tracerName),
	}
	if issuer.now == nil {
		issuer.now = time.Now
	}
	if issuer.newID == nil {
		issuer.newID = uuid.NewString
	}
	if issuer.recorder == nil {
		issuer.recorder = nopRecorder{}
	}
	return issuer
}

// Issue signs claims valid for ttl from now. Registered claims are set by the
// issuer: iat and nbf are now truncated to the second, exp is iat plus ttl
// rounded up to the second, iss is the configured issuer, and sub falls back
// to the configured subject.
func (i *Issuer) Issue(ctx context.Context, claims Claims, ttl time.Duration) (Token, error) {
	_, span := i.tracer.Start(ctx, "token.Issue", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if ttl <= 0 {
		return Token{}, apperrors.WithMetadata(apperrors.CodeInvalidTTL, "ttl must be positive", map[string]string{"ttl": ttl.String()})
	}
	if i.keys == nil {
		return Token{}, apperrors.New(apperrors.CodeNoSigningKey, "issuer has no key source")
	}
	key, err := i.keys.Current()
	if err != nil {
		return Token{}, err
	}
	if !key.CanSign() {
		return Token{}, apperrors.WithMetadata(apperrors.CodeNoSigningKey, "current key cannot sign", map[string]string{"kid": key.ID})
	}
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return Token{}, fmt.Errorf("no signing method for %s", key.Algorithm)
	}

	payload := jwt.MapClaims{}
	for name, value := range claims.Custom {
		if registeredClaims[name] {
			return Token{}, apperrors.WithMetadata(apperrors.CodeInvalidClaims, "custom claim uses a registered name", map[string]string{"claim": name})
		}
		payload[name] = value
	}

	now := i.now().UTC()
	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(wholeSeconds(ttl))
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = i.subject
	}
	issued := Claims{
		Subject:   subject,
		Issuer:    i.issuer,
		ID:        i.newID(),
		KeyID:     key.ID,
		IssuedAt:  issuedAt,
		NotBefore: issuedAt,
		ExpiresAt: expiresAt,
		Custom:    maps.Clone(claims.Custom),
	}

	if issued.Issuer != "" {
		payload["iss"] = issued.Issuer
	}
	if issued.Subject != "" {
		payload["sub"] = issued.Subject
	}
	payload["jti"] = issued.ID
	payload["iat"] = issued.IssuedAt.Unix()
	payload["nbf"] = issued.NotBefore.Unix()
	payload["exp"] = issued.ExpiresAt.Unix()

	unsigned := jwt.NewWithClaims(method, payload)
	unsigned.Header["kid"] = key.ID
	raw, err := unsigned.SignedString(key.Signer())
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}

	span.SetAttributes(
		attribute.String("token.kid", key.ID),
		attribute.String("token.alg", key.Algorithm),
	)
	i.recorder.TokenIssued(key.Algorithm)
	return Token{
		Raw:       raw,
		KeyID:     key.ID,
		Algorithm: key.Algorithm,
		Claims:    issued,
	}, nil
}

// wholeSeconds rounds d up to the next whole second.
func wholeSeconds(d time.Duration) time.Duration {
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

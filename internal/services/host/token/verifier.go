package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/dualhost/internal/platform/errors"
	"github.com/louisbranch/dualhost/internal/platform/logging"
	"github.com/louisbranch/dualhost/internal/services/host/keystore"
)

// ResultOK is the result recorded for a successful verification.
const ResultOK = "ok"

// ErrAuthenticationFailed matches every verification failure.
var ErrAuthenticationFailed = apperrors.New(apperrors.CodeAuthenticationFailed, "authentication failed")

// asymmetricAlgorithms are the only algorithms the parser will consider.
// Symmetric and "none" tokens are rejected before any key lookup.
var asymmetricAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// VerificationKeys looks up keys by identifier.
type VerificationKeys interface {
	Get(id string) (*keystore.Key, error)
}

// VerifierConfig configures verification.
type VerifierConfig struct {
	// Issuer, when set, must equal the iss claim.
	Issuer string
	// Subject, when set, must equal the sub claim.
	Subject string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
	// Now overrides the clock.
	Now func() time.Time
	// Logger receives the specific failure reason.
	Logger *zap.Logger
	// Recorder observes verification results.
	Recorder Recorder
}

// Verifier checks tokens against a key set.
type Verifier struct {
	keys     VerificationKeys
	issuer   string
	subject  string
	leeway   time.Duration
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer
	parser   *jwt.Parser
}

// NewVerifier returns a Verifier backed by keys.
func NewVerifier(keys VerificationKeys, cfg VerifierConfig) *Verifier {
	verifier := &Verifier{
		keys:     keys,
		issuer:   strings.TrimSpace(cfg.Issuer),
		subject:  strings.TrimSpace(cfg.Subject),
		leeway:   cfg.Leeway,
		now:      cfg.Now,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		tracer:   otel.Tracer(tracerName),
		parser: jwt.NewParser(
			jwt.WithValidMethods(asymmetricAlgorithms),
			jwt.WithoutClaimsValidation(),
		),
	}
	if verifier.now == nil {
		verifier.now = time.Now
	}
	if verifier.logger == nil {
		verifier.logger = zap.NewNop()
	}
	if verifier.recorder == nil {
		verifier.recorder = nopRecorder{}
	}
	return verifier
}

// Verify checks raw and returns its claims. The verification key is chosen
// by the kid header and the token's alg must equal that key's algorithm.
//
// Every failure is returned as ErrAuthenticationFailed wrapping the specific
// reason; callers at a trust boundary must not surface the reason.
func (v *Verifier) Verify(ctx context.Context, raw string) (Claims, error) {
	ctx, span := v.tracer.Start(ctx, "token.Verify", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return v.fail(ctx, span, "", apperrors.New(apperrors.CodeMalformedToken, "token is empty"))
	}

	var kid string
	payload := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(raw, payload, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			return nil, apperrors.New(apperrors.CodeUnknownKey, "token has no kid")
		}
		if v.keys == nil {
			return nil, apperrors.New(apperrors.CodeUnknownKey, "verifier has no keys")
		}
		key, err := v.keys.Get(kid)
		if err != nil {
			return nil, err
		}
		if t.Method.Alg() != key.Algorithm {
			return nil, apperrors.WithMetadata(apperrors.CodeAlgorithmMismatch, "token alg does not match key", map[string]string{
				"kid":       kid,
				"token_alg": t.Method.Alg(),
				"key_alg":   key.Algorithm,
			})
		}
		return key.Public(), nil
	})
	if err != nil {
		return v.fail(ctx, span, kid, classify(parsed, err))
	}

	claims, err := v.validate(payload)
	if err != nil {
		return v.fail(ctx, span, kid, err)
	}
	claims.KeyID = kid

	span.SetAttributes(attribute.String("token.kid", kid))
	v.recorder.TokenVerified(ResultOK)
	return claims, nil
}

// validate checks time and identity claims once the signature holds.
func (v *Verifier) validate(payload jwt.MapClaims) (Claims, error) {
	exp, err := payload.GetExpirationTime()
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeMalformedToken, "invalid exp", err)
	}
	if exp == nil {
		return Claims{}, apperrors.New(apperrors.CodeMalformedToken, "exp is required")
	}
	nbf, err := payload.GetNotBefore()
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeMalformedToken, "invalid nbf", err)
	}
	iat, err := payload.GetIssuedAt()
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeMalformedToken, "invalid iat", err)
	}

	now := v.now()
	if !exp.Time.Add(v.leeway).After(now) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeTokenExpired, "token is expired", map[string]string{"exp": exp.Time.UTC().Format(time.RFC3339)})
	}
	if nbf != nil && now.Add(v.leeway).Before(nbf.Time) {
		return Claims{}, apperrors.New(apperrors.CodeTokenNotYetValid, "token is not valid yet")
	}

	issuer, _ := payload["iss"].(string)
	subject, _ := payload["sub"].(string)
	if v.issuer != "" && issuer != v.issuer {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeClaimMismatch, "issuer mismatch", map[string]string{"field": "iss"})
	}
	if v.subject != "" && subject != v.subject {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeClaimMismatch, "subject mismatch", map[string]string{"field": "sub"})
	}

	claims := Claims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: exp.Time.UTC(),
	}
	claims.ID, _ = payload["jti"].(string)
	if nbf != nil {
		claims.NotBefore = nbf.Time.UTC()
	}
	if iat != nil {
		claims.IssuedAt = iat.Time.UTC()
	}
	for name, value := range payload {
		if registeredClaims[name] {
			continue
		}
		if claims.Custom == nil {
			claims.Custom = map[string]any{}
		}
		claims.Custom[name] = value
	}
	return claims, nil
}

// fail logs and records the specific reason, then collapses it into the
// uniform authentication error.
func (v *Verifier) fail(ctx context.Context, span trace.Span, kid string, cause error) (Claims, error) {
	reason := apperrors.CodeOf(cause)
	logging.FromContext(ctx, v.logger).Warn("token verification failed",
		zap.String("reason", string(reason)),
		zap.String("kid", kid),
		zap.Error(cause),
	)
	span.SetStatus(otelcodes.Error, string(reason))
	v.recorder.TokenVerified(strings.ToLower(string(reason)))
	return Claims{}, apperrors.Wrap(apperrors.CodeAuthenticationFailed, "authentication failed", cause)
}

// classify maps a parser error onto a verification reason.
func classify(parsed *jwt.Token, err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperrors.Wrap(apperrors.CodeMalformedToken, "malformed token", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeAlgorithmMismatch, "unsupported token algorithm", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if parsed != nil && parsed.Method != nil && !isAsymmetric(parsed.Method.Alg()) {
			return apperrors.Wrap(apperrors.CodeAlgorithmMismatch, "token algorithm is not allowed", err)
		}
		return apperrors.Wrap(apperrors.CodeBadSignature, "signature is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeMalformedToken, "token could not be parsed", err)
	}
}

func isAsymmetric(alg string) bool {
	for _, candidate := range asymmetricAlgorithms {
		if candidate == alg {
			return true
		}
	}
	return false
}

// Package http serves the host's HTTP surface: health, JWKS, login and the
// protected routes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/louisbranch/dualhost/internal/services/host/token"
)

const (
	// HealthPath reports liveness.
	HealthPath = "/health"
	// JWKSPath publishes the verification keys.
	JWKSPath = "/.well-known/jwks.json"
	// LoginPath issues a token.
	LoginPath = "/login"
	// MePath echoes the caller's verified claims.
	MePath = "/me"
	// MetricsPath exposes Prometheus metrics.
	MetricsPath = "/metrics"

	maxLoginBody = 64 << 10
)

// Issuer signs tokens.
type Issuer interface {
	Issue(ctx context.Context, claims token.Claims, ttl time.Duration) (token.Token, error)
}

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (token.Claims, error)
}

// KeySet renders the public key set.
type KeySet interface {
	MarshalJWKS() ([]byte, error)
}

// Observer records per-request metrics.
type Observer interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// Config wires the handler to the host's components.
type Config struct {
	Issuer   Issuer
	Verifier Verifier
	Keys     KeySet
	TokenTTL time.Duration
	// Ready reports whether the host is accepting work; health is 503 when
	// it returns false. Nil means always ready.
	Ready func() bool
	// Metrics is served on MetricsPath when set.
	Metrics  http.Handler
	Observer Observer
	Logger   *zap.Logger
}

type server struct {
	issuer   Issuer
	verifier Verifier
	keys     KeySet
	ttl      time.Duration
	ready    func() bool
	logger   *zap.Logger
}

type healthResponse struct {
	Healthy bool `json:"healthy"`
}

// loginRequest is empty: tokens carry the configured subject only, so any
// field in the body is rejected.
type loginRequest struct{}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler builds the router.
func NewHandler(cfg Config) http.Handler {
	s := &server{
		issuer:   cfg.Issuer,
		verifier: cfg.Verifier,
		keys:     cfg.Keys,
		ttl:      cfg.TokenTTL,
		ready:    cfg.Ready,
		logger:   cfg.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.ready == nil {
		s.ready = func() bool { return true }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(withLogger(s.logger))
	r.Use(observe(cfg.Observer))
	r.Use(recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	r.Get(HealthPath, s.handleHealth)
	r.Get(JWKSPath, s.handleJWKS)
	r.Post(LoginPath, s.handleLogin)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, cfg.Metrics)
	}
	r.Group(func(r chi.Router) {
		r.Use(RequireBearer(s.verifier))
		r.Get(MePath, s.handleMe)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Healthy: false})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Healthy: true})
}

func (s *server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}
	payload, err := s.keys.MarshalJWKS()
	if err != nil {
		requestLogger(r, s.logger).Error("render jwks", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if s.issuer == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}

	issued, err := s.issuer.Issue(r.Context(), token.Claims{}, s.ttl)
	if err != nil {
		requestLogger(r, s.logger).Error("issue token", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     issued.Raw,
		TokenType: "Bearer",
		ExpiresIn: int64(issued.Claims.ExpiresAt.Sub(issued.Claims.IssuedAt) / time.Second),
	})
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := token.FromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, claims.Map())
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

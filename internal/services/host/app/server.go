package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/louisbranch/dualhost/internal/platform/errors"
	grpcplatform "github.com/louisbranch/dualhost/internal/platform/grpc"
	"github.com/louisbranch/dualhost/internal/platform/logging"
	"github.com/louisbranch/dualhost/internal/platform/timeouts"
	"github.com/louisbranch/dualhost/internal/services/host/api/grpc/greeter"
	"github.com/louisbranch/dualhost/internal/services/host/api/grpc/interceptors"
	httpapi "github.com/louisbranch/dualhost/internal/services/host/api/http"
	"github.com/louisbranch/dualhost/internal/services/host/keystore"
	"github.com/louisbranch/dualhost/internal/services/host/metrics"
	"github.com/louisbranch/dualhost/internal/services/host/token"
)

// Config configures a Host.
type Config struct {
	// GRPCAddr is the gRPC bind address.
	GRPCAddr string
	// HTTPAddr is the HTTP bind address.
	HTTPAddr string
	// Keys backs issuance, verification and the JWKS document.
	Keys     *keystore.KeyStore
	TokenTTL time.Duration
	// Issuer is written to issued tokens and required on verified ones.
	Issuer string
	// Subject is the sub claim of issued tokens.
	Subject string
	// RequiredSubject, when set, must match the sub claim of verified tokens.
	RequiredSubject string
	Leeway          time.Duration
	// ShutdownTimeout bounds the drain; defaults to timeouts.Shutdown.
	ShutdownTimeout time.Duration
	// TLS, when set, secures both listeners.
	TLS *tls.Config
	// HTTPMaxConns caps concurrent HTTP connections. Zero is unlimited.
	HTTPMaxConns int
	// Services are registered on the gRPC server next to the greeter.
	Services []grpcplatform.ServiceTable
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Host serves the gRPC and HTTP listeners.
type Host struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	issuer   *token.Issuer
	verifier *token.Verifier
	tables   []grpcplatform.ServiceTable

	state atomic.Int32

	mu           sync.Mutex
	grpcListener net.Listener
	httpListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	cancelBase   context.CancelFunc
	failErr      error

	started     chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	stopped     chan struct{}
	stoppedOnce sync.Once
}

// New validates cfg and returns a Host in the Created state. Nothing is bound
// until Start.
func New(cfg Config) (*Host, error) {
	if cfg.Keys == nil {
		return nil, errors.New("key store is required")
	}
	if cfg.TokenTTL <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidTTL, "token ttl must be positive")
	}
	if strings.TrimSpace(cfg.GRPCAddr) == "" {
		return nil, errors.New("gRPC address is required")
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, errors.New("HTTP address is required")
	}
	if cfg.HTTPMaxConns < 0 {
		return nil, errors.New("HTTP max conns must not be negative")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}

	tables := append([]grpcplatform.ServiceTable{greeter.NewService().Table()}, cfg.Services...)
	for _, table := range tables {
		if err := table.Validate(); err != nil {
			return nil, fmt.Errorf("gRPC service table: %w", err)
		}
	}

	h := &Host{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tables:  tables,
		started: make(chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	h.issuer = token.NewIssuer(cfg.Keys, token.IssuerConfig{
		Issuer:   cfg.Issuer,
		Subject:  cfg.Subject,
		Recorder: h.metrics,
	})
	h.verifier = token.NewVerifier(cfg.Keys, token.VerifierConfig{
		Issuer:   cfg.Issuer,
		Subject:  cfg.RequiredSubject,
		Leeway:   cfg.Leeway,
		Logger:   h.logger,
		Recorder: h.metrics,
	})
	h.setState(StateCreated)
	return h, nil
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	return State(h.state.Load())
}

// GRPCAddr returns the bound gRPC address once started, else the configured one.
func (h *Host) GRPCAddr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.grpcListener != nil {
		return h.grpcListener.Addr().String()
	}
	return h.cfg.GRPCAddr
}

// HTTPAddr returns the bound HTTP address once started, else the configured one.
func (h *Host) HTTPAddr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.httpListener != nil {
		return h.httpListener.Addr().String()
	}
	return h.cfg.HTTPAddr
}

// Metrics returns the registry-backed metrics the host reports to.
func (h *Host) Metrics() *metrics.Metrics {
	return h.metrics
}

// Done is closed once the host stops or fails.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the host stops or fails and returns the failure, if any.
func (h *Host) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failErr
}

// Start binds both listeners concurrently and begins serving. The host is
// Running once both listeners accept connections. A bind failure leaves the
// host Failed with an AddressInUse or BindFailed error.
func (h *Host) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if state := h.State(); state != StateCreated {
		h.mu.Unlock()
		return apperrors.WithMetadata(apperrors.CodeInvalidState, "start requires a created host", map[string]string{"state": state.String()})
	}
	h.setState(StateStarting)
	h.mu.Unlock()
	defer close(h.started)

	if h.cfg.TLS == nil {
		h.logger.Warn("TLS is disabled; gRPC and HTTP are served in plaintext")
	}
	if _, err := h.cfg.Keys.Current(); err != nil {
		h.logger.Warn("no signing key loaded; login will fail", zap.Error(err))
	}
	h.metrics.SetKeysLoaded(h.cfg.Keys.Len())

	grpcListener, httpListener, err := h.bind(ctx)
	if err != nil {
		h.mu.Lock()
		h.failLocked(err)
		h.mu.Unlock()
		h.logger.Error("host start failed", zap.Error(err))
		return err
	}

	grpcServer, healthServer, err := h.newGRPCServer()
	if err != nil {
		closeListener(grpcListener)
		closeListener(httpListener)
		h.mu.Lock()
		h.failLocked(err)
		h.mu.Unlock()
		return err
	}
	baseCtx, cancelBase := context.WithCancel(logging.WithLogger(context.Background(), h.logger))
	httpServer := h.newHTTPServer(baseCtx)

	h.mu.Lock()
	h.grpcListener = grpcListener
	h.httpListener = httpListener
	h.grpcServer = grpcServer
	h.health = healthServer
	h.httpServer = httpServer
	h.cancelBase = cancelBase
	h.mu.Unlock()

	go h.serve("grpc", func() error { return grpcServer.Serve(grpcListener) })
	go h.serve("http", func() error { return httpServer.Serve(httpListener) })

	h.mu.Lock()
	if h.State() != StateStarting {
		err := h.failErr
		h.mu.Unlock()
		return err
	}
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, table := range h.tables {
		healthServer.SetServingStatus(table.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	h.setState(StateRunning)
	h.mu.Unlock()

	h.logger.Info("host running",
		zap.String("grpc_addr", grpcListener.Addr().String()),
		zap.String("http_addr", httpListener.Addr().String()),
		zap.Bool("tls", h.cfg.TLS != nil),
	)
	return nil
}

// Stop drains in-flight requests for up to ShutdownTimeout (or the ctx
// deadline, if sooner), then forcibly closes both listeners, cancels the
// outstanding request contexts and returns a ShutdownTimeout error. Stop is a
// no-op once the host is Stopping or Stopped; on a Created or Failed host it
// releases resources and moves straight to Stopped.
func (h *Host) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		h.mu.Lock()
		switch h.State() {
		case StateStarting:
			h.mu.Unlock()
			select {
			case <-h.started:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		case StateStopping:
			h.mu.Unlock()
			select {
			case <-h.stopped:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case StateStopped:
			h.mu.Unlock()
			return nil
		case StateCreated, StateFailed:
			grpcServer, httpServer := h.grpcServer, h.httpServer
			h.mu.Unlock()
			h.forceClose(grpcServer, httpServer)
			h.mu.Lock()
			h.finishLocked()
			h.mu.Unlock()
			return nil
		case StateRunning:
			h.setState(StateStopping)
			h.mu.Unlock()
			err := h.drain(ctx)
			h.mu.Lock()
			h.finishLocked()
			h.mu.Unlock()
			return err
		default:
			h.mu.Unlock()
			return ErrInvalidState
		}
	}
}

// Run starts the host, blocks until ctx ends or the host fails, then stops
// it. Startup, serve and shutdown errors are all returned.
func (h *Host) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-h.Done():
	}
	stopErr := h.Stop(context.WithoutCancel(ctx))
	h.mu.Lock()
	failErr := h.failErr
	h.mu.Unlock()
	return errors.Join(failErr, stopErr)
}

func (h *Host) bind(ctx context.Context) (net.Listener, net.Listener, error) {
	var grpcListener, httpListener net.Listener
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		listener, err := listen(gctx, "grpc", h.cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcListener = listener
		return nil
	})
	g.Go(func() error {
		listener, err := listen(gctx, "http", h.cfg.HTTPAddr)
		if err != nil {
			return err
		}
		httpListener = listener
		return nil
	})
	if err := g.Wait(); err != nil {
		closeListener(grpcListener)
		closeListener(httpListener)
		return nil, nil, err
	}

	if h.cfg.HTTPMaxConns > 0 {
		httpListener = netutil.LimitListener(httpListener, h.cfg.HTTPMaxConns)
	}
	if h.cfg.TLS != nil {
		httpListener = tls.NewListener(httpListener, h.cfg.TLS)
	}
	return grpcListener, httpListener, nil
}

func (h *Host) newGRPCServer() (*grpc.Server, *health.Server, error) {
	var protected []string
	for _, table := range h.tables {
		protected = append(protected, table.ProtectedMethods()...)
	}
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.Logging(h.logger),
			interceptors.BearerAuth(h.verifier, protected, h.logger),
		),
	}
	if h.cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(h.cfg.TLS)))
	}

	server := grpc.NewServer(opts...)
	for _, table := range h.tables {
		if err := grpcplatform.Register(server, table); err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", table.Name, err)
		}
	}
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return server, healthServer, nil
}

func (h *Host) newHTTPServer(baseCtx context.Context) *http.Server {
	handler := httpapi.NewHandler(httpapi.Config{
		Issuer:   h.issuer,
		Verifier: h.verifier,
		Keys:     h.cfg.Keys,
		TokenTTL: h.cfg.TokenTTL,
		Ready:    func() bool { return h.State() == StateRunning },
		Metrics:  h.metrics.Handler(),
		Observer: h.metrics,
		Logger:   h.logger,
	})
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: timeouts.ReadHeader,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          zap.NewStdLog(h.logger),
	}
}

// serve runs one listener. An unexpected exit while Starting or Running
// fails the host and tears down the other listener.
func (h *Host) serve(name string, run func() error) {
	err := run()
	if err == nil || errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, http.ErrServerClosed) {
		return
	}
	h.mu.Lock()
	if state := h.State(); state != StateStarting && state != StateRunning {
		h.mu.Unlock()
		return
	}
	h.failLocked(fmt.Errorf("serve %s: %w", name, err))
	grpcServer, httpServer := h.grpcServer, h.httpServer
	h.mu.Unlock()

	h.logger.Error("listener stopped unexpectedly", zap.String("listener", name), zap.Error(err))
	h.forceClose(grpcServer, httpServer)
}

// drain gracefully stops both servers, escalating to a forced close once the
// deadline passes.
func (h *Host) drain(ctx context.Context) error {
	h.mu.Lock()
	grpcServer, healthServer, httpServer := h.grpcServer, h.health, h.httpServer
	h.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownTimeout)
	defer cancel()

	healthServer.Shutdown()
	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	httpErr := httpServer.Shutdown(drainCtx)
	if httpErr != nil && !errors.Is(httpErr, context.DeadlineExceeded) && !errors.Is(httpErr, context.Canceled) {
		h.logger.Warn("http shutdown", zap.Error(httpErr))
		httpErr = nil
	}
	select {
	case <-grpcDone:
	case <-drainCtx.Done():
	}
	forced := httpErr != nil
	select {
	case <-grpcDone:
	default:
		forced = true
	}

	if !forced {
		h.cancelBaseContext()
		h.logger.Info("host stopped")
		return nil
	}

	h.logger.Warn("drain deadline exceeded; cancelling in-flight requests", zap.Duration("timeout", h.cfg.ShutdownTimeout))
	h.forceClose(grpcServer, httpServer)
	<-grpcDone
	cause := drainCtx.Err()
	if cause == nil {
		cause = httpErr
	}
	return apperrors.Wrap(apperrors.CodeShutdownTimeout, "shutdown deadline exceeded", cause)
}

// forceClose cancels request contexts and closes both servers immediately.
func (h *Host) forceClose(grpcServer *grpc.Server, httpServer *http.Server) {
	h.cancelBaseContext()
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if httpServer != nil {
		if err := httpServer.Close(); err != nil {
			h.logger.Debug("http close", zap.Error(err))
		}
	}
}

func (h *Host) cancelBaseContext() {
	h.mu.Lock()
	cancel := h.cancelBase
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Host) setState(state State) {
	h.state.Store(int32(state))
	h.metrics.HostState(state.String())
	h.logger.Debug("host state", zap.Stringer("state", state))
}

func (h *Host) failLocked(err error) {
	h.failErr = err
	h.setState(StateFailed)
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Host) finishLocked() {
	if h.cancelBase != nil {
		h.cancelBase()
	}
	h.setState(StateStopped)
	h.stoppedOnce.Do(func() { close(h.stopped) })
	h.doneOnce.Do(func() { close(h.done) })
}

func closeListener(listener net.Listener) {
	if listener != nil {
		_ = listener.Close()
	}
}

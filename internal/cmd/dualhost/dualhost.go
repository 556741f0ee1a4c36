// Package dualhost parses host command configuration and runs the service
// host.
package dualhost

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/dualhost/internal/platform/cmd"
	"github.com/louisbranch/dualhost/internal/platform/logging"
	server "github.com/louisbranch/dualhost/internal/services/host/app"
	"github.com/louisbranch/dualhost/internal/services/host/keyfile"
	"github.com/louisbranch/dualhost/internal/services/host/keystore"
)

// Config holds host command configuration. Environment variables carry the
// DUALHOST_ prefix.
type Config struct {
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"3000"`
	HTTPHost        string        `env:"HTTP_HOST"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:"0.0.0.0:50051"`
	SigningKeyPath  string        `env:"SIGNING_KEY_PATH" envDefault:"private.pem"`
	PublicKeyPaths  []string      `env:"PUBLIC_KEY_PATHS" envSeparator:","`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"10m"`
	Issuer          string        `env:"TOKEN_ISSUER" envDefault:"app"`
	Subject         string        `env:"TOKEN_SUBJECT" envDefault:"demo-user"`
	RequiredSubject string        `env:"TOKEN_REQUIRED_SUBJECT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	TLSCertFile     string        `env:"TLS_CERT_FILE"`
	TLSKeyFile      string        `env:"TLS_KEY_FILE"`
	HTTPMaxConns    int           `env:"HTTP_MAX_CONNS" envDefault:"0"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"dev"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The HTTP server port")
	fs.StringVar(&cfg.HTTPHost, "http-host", cfg.HTTPHost, "The HTTP server host (empty binds all interfaces)")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "The gRPC server listen address")
	fs.StringVar(&cfg.SigningKeyPath, "signing-key", cfg.SigningKeyPath, "PEM private key used to sign tokens")
	fs.Func("public-keys", "Comma-separated PEM public keys accepted for verification", func(value string) error {
		cfg.PublicKeyPaths = splitList(value)
		return nil
	})
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Lifetime of issued tokens")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "Token issuer (iss)")
	fs.StringVar(&cfg.Subject, "subject", cfg.Subject, "Token subject (sub) issued by /login")
	fs.StringVar(&cfg.RequiredSubject, "required-subject", cfg.RequiredSubject, "Subject verified tokens must carry (empty accepts any)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Drain deadline for in-flight requests")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file (enables TLS with -tls-key)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file")
	fs.IntVar(&cfg.HTTPMaxConns, "http-max-conns", cfg.HTTPMaxConns, "Maximum concurrent HTTP connections (0 is unlimited)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: dev or prod")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration the host cannot start with.
func (c Config) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return errors.New("gRPC address is required")
	}
	if strings.TrimSpace(c.SigningKeyPath) == "" {
		return errors.New("signing key path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive, got %s", c.TokenTTL)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls cert and key must be set together")
	}
	if c.HTTPMaxConns < 0 {
		return errors.New("http max conns must not be negative")
	}
	if c.RequiredSubject != "" && c.RequiredSubject != c.Subject {
		return fmt.Errorf("required subject %q does not match issued subject %q", c.RequiredSubject, c.Subject)
	}
	return nil
}

// HTTPAddr joins the HTTP host and port.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

func (c Config) hostConfig(store *keystore.KeyStore, tlsConfig *tls.Config, logger *zap.Logger) server.Config {
	return server.Config{
		GRPCAddr:        c.GRPCAddr,
		HTTPAddr:        c.HTTPAddr(),
		Keys:            store,
		TokenTTL:        c.TokenTTL,
		Issuer:          c.Issuer,
		Subject:         c.Subject,
		RequiredSubject: c.RequiredSubject,
		ShutdownTimeout: c.ShutdownTimeout,
		TLS:             tlsConfig,
		HTTPMaxConns:    c.HTTPMaxConns,
		Logger:          logger,
	}
}

// TLSConfig loads the configured certificate, or returns nil when TLS is off.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.TLSCertFile == "" && c.TLSKeyFile == "" {
		return nil, nil
	}
	pair, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}, nil
}

// Run loads keys, starts the host and serves until ctx ends. SIGHUP reloads
// the signing key file and makes it current.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Config{
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Service: entrypoint.ServiceHost,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceHost, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return run(ctx, cfg, logger, notifyRotate)
	})
}

func run(ctx context.Context, cfg Config, logger *zap.Logger, notify func(chan<- os.Signal) func()) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := keystore.New()
	key, err := keyfile.Load(store, cfg.SigningKeyPath, cfg.PublicKeyPaths...)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	logger.Info("signing key loaded",
		zap.String("kid", key.ID),
		zap.String("alg", key.Algorithm),
		zap.Int("keys", store.Len()),
	)

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return err
	}
	host, err := server.New(cfg.hostConfig(store, tlsConfig, logger))
	if err != nil {
		return fmt.Errorf("configure host: %w", err)
	}

	rotateCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals := make(chan os.Signal, 1)
	stopNotify := notify(signals)
	defer stopNotify()
	go RotateOnSignal(rotateCtx, signals, store, cfg.SigningKeyPath, logger, func(*keystore.Key) {
		host.Metrics().SetKeysLoaded(store.Len())
	})

	return host.Run(ctx)
}

// RotateOnSignal reloads the signing key at path each time a signal arrives,
// until ctx ends. A failed reload keeps the previous key current.
func RotateOnSignal(ctx context.Context, signals <-chan os.Signal, store keyfile.Store, path string, logger *zap.Logger, onRotate func(*keystore.Key)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			key, err := keyfile.Rotate(store, path)
			if err != nil {
				logger.Error("key rotation failed", zap.Stringer("signal", sig), zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("signing key rotated", zap.String("kid", key.ID), zap.String("alg", key.Algorithm))
			if onRotate != nil {
				onRotate(key)
			}
		}
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

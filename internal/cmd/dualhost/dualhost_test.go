package dualhost

import (
	"context"
	"flag"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/louisbranch/dualhost/internal/services/host/keystore"
	"github.com/louisbranch/dualhost/internal/testkit/keyfakes"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("dualhost", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPPort != 3000 {
		t.Fatalf("expected default http port 3000, got %d", cfg.HTTPPort)
	}
	if cfg.GRPCAddr != "0.0.0.0:50051" {
		t.Fatalf("expected default grpc addr, got %q", cfg.GRPCAddr)
	}
	if cfg.SigningKeyPath != "private.pem" {
		t.Fatalf("expected default signing key, got %q", cfg.SigningKeyPath)
	}
	if cfg.TokenTTL != 10*time.Minute {
		t.Fatalf("expected default ttl 10m, got %v", cfg.TokenTTL)
	}
	if cfg.Issuer != "app" || cfg.Subject != "demo-user" || cfg.RequiredSubject != "" {
		t.Fatalf("unexpected issuer/subject %q/%q/%q", cfg.Issuer, cfg.Subject, cfg.RequiredSubject)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected default shutdown timeout 5s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.HTTPAddr() != ":3000" {
		t.Fatalf("expected http addr :3000, got %q", cfg.HTTPAddr())
	}
	if tlsConfig, err := cfg.TLSConfig(); err != nil || tlsConfig != nil {
		t.Fatalf("expected TLS off by default, got %v %v", tlsConfig, err)
	}
}

func TestParseConfigEnvThenFlags(t *testing.T) {
	t.Setenv("DUALHOST_HTTP_PORT", "8080")
	t.Setenv("DUALHOST_HTTP_HOST", "127.0.0.1")
	t.Setenv("DUALHOST_TOKEN_TTL", "90s")
	t.Setenv("DUALHOST_PUBLIC_KEY_PATHS", "old.pem,older.pem")
	t.Setenv("DUALHOST_TOKEN_ISSUER", "env-issuer")

	fs := flag.NewFlagSet("dualhost", flag.ContinueOnError)
	args := []string{"-http-port", "9090", "-public-keys", " a.pem , ,b.pem", "-log-format", "prod"}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr() != "127.0.0.1:9090" {
		t.Fatalf("expected flag port over env, got %q", cfg.HTTPAddr())
	}
	if cfg.TokenTTL != 90*time.Second {
		t.Fatalf("expected env ttl, got %v", cfg.TokenTTL)
	}
	if strings.Join(cfg.PublicKeyPaths, "|") != "a.pem|b.pem" {
		t.Fatalf("expected flag public keys, got %v", cfg.PublicKeyPaths)
	}
	if cfg.Issuer != "env-issuer" || cfg.LogFormat != "prod" {
		t.Fatalf("unexpected issuer/log format %q/%q", cfg.Issuer, cfg.LogFormat)
	}
}

func TestParseConfigRequiredSubject(t *testing.T) {
	t.Setenv("DUALHOST_TOKEN_SUBJECT", "svc")
	t.Setenv("DUALHOST_TOKEN_REQUIRED_SUBJECT", "svc")

	fs := flag.NewFlagSet("dualhost", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.RequiredSubject != "svc" {
		t.Fatalf("required subject = %q", cfg.RequiredSubject)
	}
	hostCfg := cfg.hostConfig(keystore.New(), nil, nil)
	if hostCfg.RequiredSubject != "svc" || hostCfg.Subject != "svc" {
		t.Fatalf("host config subjects = %q/%q", hostCfg.Subject, hostCfg.RequiredSubject)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := [][]string{
		{"-token-ttl", "0s"},
		{"-token-ttl", "-1m"},
		{"-http-port", "70000"},
		{"-shutdown-timeout", "0s"},
		{"-tls-cert", "cert.pem"},
		{"-signing-key", " "},
		{"-http-max-conns", "-1"},
		{"-required-subject", "admin"},
		{"-unknown"},
	}
	for _, args := range tests {
		fs := flag.NewFlagSet("dualhost", flag.ContinueOnError)
		fs.SetOutput(new(strings.Builder))
		if _, err := ParseConfig(fs, args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestParseConfigEnvError(t *testing.T) {
	t.Setenv("DUALHOST_TOKEN_TTL", "soon")
	if _, err := ParseConfig(flag.NewFlagSet("dualhost", flag.ContinueOnError), nil); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestTLSConfigLoadsKeyPair(t *testing.T) {
	cert := keyfakes.SelfSignedTLS(t)
	cfg := Config{
		TLSCertFile: keyfakes.WriteFile(t, "cert.pem", cert.CertPEM),
		TLSKeyFile:  keyfakes.WriteFile(t, "key.pem", cert.KeyPEM),
	}
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	if tlsConfig == nil || len(tlsConfig.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %+v", tlsConfig)
	}

	cfg.TLSKeyFile = keyfakes.WriteFile(t, "bad.pem", []byte("nope"))
	if _, err := cfg.TLSConfig(); err == nil {
		t.Fatal("expected error for bad key file")
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HTTPHost:        "127.0.0.1",
		HTTPPort:        0,
		GRPCAddr:        "127.0.0.1:0",
		SigningKeyPath:  keyfakes.WriteFile(t, "private.pem", keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 0))),
		TokenTTL:        time.Minute,
		Issuer:          "app",
		Subject:         "demo-user",
		ShutdownTimeout: time.Second,
	}
}

func noNotify(chan<- os.Signal) func() { return func() {} }

func TestRunServesUntilContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := run(ctx, testConfig(t), nil, noNotify); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunFailsWithoutKeyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.SigningKeyPath = "/does/not/exist.pem"
	err := run(context.Background(), cfg, nil, noNotify)
	if err == nil || !strings.Contains(err.Error(), "load keys") {
		t.Fatalf("expected load keys error, got %v", err)
	}
}

func TestRunFailsWithPublicOnlySigningKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.SigningKeyPath = keyfakes.WriteFile(t, "public.pem", keyfakes.PublicPEM(t, keyfakes.RSAKey(t, 0)))
	if err := run(context.Background(), cfg, nil, noNotify); err == nil {
		t.Fatal("expected error for public-only signing key")
	}
}

func TestRotateOnSignal(t *testing.T) {
	store := keystore.New()
	first, err := store.Add(keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 0)), keystore.FormatPEM, true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	path := keyfakes.WriteFile(t, "next.pem", keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	rotated := make(chan *keystore.Key, 1)
	done := make(chan struct{})
	go func() {
		RotateOnSignal(ctx, signals, store, path, nil, func(key *keystore.Key) { rotated <- key })
		close(done)
	}()

	signals <- syscall.SIGHUP
	var key *keystore.Key
	select {
	case key = <-rotated:
	case <-time.After(2 * time.Second):
		t.Fatal("rotation did not happen")
	}
	if key.ID == first.ID {
		t.Fatal("expected a new key")
	}
	current, err := store.Current()
	if err != nil || current.ID != key.ID {
		t.Fatalf("current = %v, %v", current, err)
	}
	if _, err := store.Get(first.ID); err != nil {
		t.Fatalf("previous key must stay verifiable: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rotation loop did not exit")
	}
}

func TestRotateOnSignalKeepsCurrentOnFailure(t *testing.T) {
	store := keystore.New()
	first, err := store.Add(keyfakes.PrivatePEM(t, keyfakes.RSAKey(t, 0)), keystore.FormatPEM, true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	path := keyfakes.WriteFile(t, "broken.pem", []byte("not a key"))

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal)
	done := make(chan struct{})
	go func() {
		RotateOnSignal(ctx, signals, store, path, nil, func(*keystore.Key) { t.Error("unexpected rotation") })
		close(done)
	}()
	signals <- syscall.SIGHUP
	signals <- syscall.SIGHUP
	cancel()
	<-done

	current, err := store.Current()
	if err != nil || current.ID != first.ID {
		t.Fatalf("current = %v, %v", current, err)
	}
}

// Package greet is a client for the host: it calls SayHello and, when asked,
// logs in over HTTP and calls the protected WhoAmI.
package greet

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	entrypoint "github.com/louisbranch/dualhost/internal/platform/cmd"
	grpcplatform "github.com/louisbranch/dualhost/internal/platform/grpc"
	"github.com/louisbranch/dualhost/internal/platform/timeouts"
	"github.com/louisbranch/dualhost/internal/services/host/api/grpc/greeter"
)

// Config holds greet command configuration.
type Config struct {
	GRPCAddr string `env:"GREET_GRPC_ADDR" envDefault:"127.0.0.1:50051"`
	LoginURL string `env:"GREET_LOGIN_URL" envDefault:"http://127.0.0.1:3000/login"`
	Name     string `env:"GREET_NAME" envDefault:"world"`
	CAFile   string `env:"GREET_CA_FILE"`
	WhoAmI   bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "Host gRPC address")
	fs.StringVar(&cfg.LoginURL, "login-url", cfg.LoginURL, "Host login URL")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Name to greet")
	fs.StringVar(&cfg.CAFile, "ca-file", cfg.CAFile, "PEM CA bundle; enables TLS")
	fs.BoolVar(&cfg.WhoAmI, "whoami", cfg.WhoAmI, "Log in and call the protected WhoAmI")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run performs the configured calls and writes their results to out.
func Run(ctx context.Context, cfg Config, out io.Writer, logger *zap.Logger) error {
	if out == nil {
		return errors.New("output is required")
	}
	tlsConfig, err := clientTLS(cfg.CAFile)
	if err != nil {
		return err
	}

	conn, err := grpcplatform.DialWithHealth(ctx, cfg.GRPCAddr, greeter.ServiceName, timeouts.GRPCDial, logger, grpcplatform.ClientDialOptions(tlsConfig)...)
	if err != nil {
		return err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, timeouts.GRPCRequest)
	defer cancel()
	greeting := &wrapperspb.StringValue{}
	if err := conn.Invoke(callCtx, greeter.SayHelloMethod, wrapperspb.String(cfg.Name), greeting); err != nil {
		return fmt.Errorf("say hello: %w", err)
	}
	if _, err := fmt.Fprintln(out, greeting.GetValue()); err != nil {
		return err
	}
	if !cfg.WhoAmI {
		return nil
	}

	raw, err := login(callCtx, cfg.LoginURL, tlsConfig)
	if err != nil {
		return err
	}
	claims := &structpb.Struct{}
	creds := grpcplatform.BearerToken{Token: raw, Insecure: tlsConfig == nil}
	if err := conn.Invoke(callCtx, greeter.WhoAmIMethod, &emptypb.Empty{}, claims, gogrpc.PerRPCCredentials(creds)); err != nil {
		return fmt.Errorf("who am i: %w", err)
	}
	rendered, err := protojson.Marshal(claims)
	if err != nil {
		return fmt.Errorf("render claims: %w", err)
	}
	_, err = fmt.Fprintln(out, string(rendered))
	return err
}

func login(ctx context.Context, url string, tlsConfig *tls.Config) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if payload.Token == "" {
		return "", errors.New("login returned no token")
	}
	return payload.Token, nil
}

func clientTLS(caFile string) (*tls.Config, error) {
	caFile = strings.TrimSpace(caFile)
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s has no certificates", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

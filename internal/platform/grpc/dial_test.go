package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestDialErrorFormatting(t *testing.T) {
	var nilErr *DialError
	if nilErr.Error() != "gRPC dial error" {
		t.Fatalf("expected nil error message, got %q", nilErr.Error())
	}
	if nilErr.Unwrap() != nil {
		t.Fatal("expected nil unwrap")
	}

	inner := errors.New("boom")
	err := &DialError{Stage: DialStageHealth, Err: inner}
	if err.Error() != "gRPC health error: boom" {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Fatal("expected unwrap to inner error")
	}
}

func TestClientDialOptions(t *testing.T) {
	if got := len(ClientDialOptions(nil)); got != 2 {
		t.Fatalf("expected 2 plaintext options, got %d", got)
	}
	if got := len(ClientDialOptions(&tls.Config{MinVersion: tls.VersionTLS12})); got != 2 {
		t.Fatalf("expected 2 tls options, got %d", got)
	}
}

func TestDialWithHealthServing(t *testing.T) {
	fixture := newHealthFixture(t, grpc_health_v1.HealthCheckResponse_SERVING)

	conn, err := DialWithHealth(context.Background(), fixture.addr, fixtureService, 2*time.Second, nil, ClientDialOptions(nil)...)
	if err != nil {
		t.Fatalf("dial with health: %v", err)
	}
	_ = conn.Close()
}

func TestDialWithHealthFailsWhenNotServing(t *testing.T) {
	fixture := newHealthFixture(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	_, err := DialWithHealth(context.Background(), fixture.addr, "", 300*time.Millisecond, nil, ClientDialOptions(nil)...)
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("expected DialError, got %v", err)
	}
	if dialErr.Stage != DialStageHealth {
		t.Fatalf("expected health stage, got %s", dialErr.Stage)
	}
}

func TestDialWithHealthRequiresTransportCredentials(t *testing.T) {
	_, err := DialWithHealth(context.Background(), "127.0.0.1:1", "", time.Second, nil)
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("expected DialError, got %v", err)
	}
	if dialErr.Stage != DialStageConnect {
		t.Fatalf("expected connect stage, got %s", dialErr.Stage)
	}
}

func TestBearerToken(t *testing.T) {
	md, err := BearerToken{Token: "abc"}.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md["authorization"] != "Bearer abc" {
		t.Fatalf("authorization = %q", md["authorization"])
	}
	empty, _ := BearerToken{}.GetRequestMetadata(context.Background())
	if len(empty) != 0 {
		t.Fatalf("expected no metadata for empty token, got %v", empty)
	}
	if !(BearerToken{}).RequireTransportSecurity() {
		t.Fatal("expected transport security by default")
	}
	if (BearerToken{Insecure: true}).RequireTransportSecurity() {
		t.Fatal("expected insecure override")
	}
}

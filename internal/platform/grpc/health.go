package grpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	healthCallTimeout    = time.Second
	initialHealthBackoff = 50 * time.Millisecond
	maxHealthBackoff     = time.Second
)

// WaitForHealth blocks until the health service reports SERVING for service
// or ctx ends. The empty name is the server-wide status.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logger *zap.Logger) error {
	return WaitForServices(ctx, conn, []string{service}, logger)
}

// WaitForServices blocks until every named service reports SERVING, checking
// them in order. No names means the server-wide status.
func WaitForServices(ctx context.Context, conn *gogrpc.ClientConn, services []string, logger *zap.Logger) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(services) == 0 {
		services = []string{""}
	}

	client := grpc_health_v1.NewHealthClient(conn)
	for _, service := range services {
		serviceLogger := logger.With(zap.String("target", conn.Target()), zap.String("service", service))
		if err := waitServing(ctx, client, service, serviceLogger); err != nil {
			return err
		}
	}
	return nil
}

func waitServing(ctx context.Context, client grpc_health_v1.HealthClient, service string, logger *zap.Logger) error {
	delay := initialHealthBackoff
	for {
		callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
		response, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()

		switch {
		case err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING:
			logger.Debug("gRPC health check is SERVING")
			return nil
		case status.Code(err) == codes.NotFound:
			logger.Debug("waiting for gRPC health", zap.String("status", "UNKNOWN_SERVICE"))
		case err != nil:
			logger.Debug("waiting for gRPC health", zap.Error(err))
		default:
			logger.Debug("waiting for gRPC health", zap.Stringer("status", response.GetStatus()))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health of %q: %w", service, ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, maxHealthBackoff)
	}
}

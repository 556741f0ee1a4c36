package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/louisbranch/dualhost/internal/platform/logging"
)

// Logging attaches logger to the handler context and logs each call's
// outcome.
func Logging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		callLogger := logger.With(zap.String("method", info.FullMethod))
		resp, err := handler(logging.WithLogger(ctx, callLogger), req)
		callLogger.Debug("grpc call",
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// Package interceptors holds the host's gRPC server interceptors.
package interceptors

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/louisbranch/dualhost/internal/platform/errors"
	"github.com/louisbranch/dualhost/internal/platform/requestctx"
	"github.com/louisbranch/dualhost/internal/services/host/token"
)

// AuthorizationHeader is the metadata key carrying the bearer credential.
const AuthorizationHeader = "authorization"

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (token.Claims, error)
}

// BearerAuth rejects calls to protected methods that lack a valid bearer
// token. Verified claims and subject are attached to the handler context.
// Failures never expose the specific reason to the caller.
func BearerAuth(verifier Verifier, protected []string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	required := make(map[string]bool, len(protected))
	for _, method := range protected {
		required[method] = true
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !required[info.FullMethod] {
			return handler(ctx, req)
		}
		raw, ok := BearerFromContext(ctx)
		if !ok || verifier == nil {
			logger.Debug("missing bearer credential", zap.String("method", info.FullMethod))
			return nil, unauthenticated()
		}
		claims, err := verifier.Verify(ctx, raw)
		if err != nil {
			return nil, unauthenticated()
		}
		ctx = token.NewContext(ctx, claims)
		ctx = requestctx.WithSubject(ctx, claims.Subject)
		return handler(ctx, req)
	}
}

// BearerFromContext returns the bearer token from incoming metadata.
func BearerFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, value := range md.Get(AuthorizationHeader) {
		if raw, ok := token.ParseBearer(value); ok {
			return raw, true
		}
	}
	return "", false
}

func unauthenticated() error {
	return apperrors.New(apperrors.CodeAuthenticationFailed, "authentication failed").
		ToGRPCStatus("en-US", "authentication failed")
}

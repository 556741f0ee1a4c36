package http

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/louisbranch/dualhost/internal/platform/logging"
	"github.com/louisbranch/dualhost/internal/platform/requestctx"
	"github.com/louisbranch/dualhost/internal/services/host/token"
)

// RequireBearer rejects requests without a valid bearer token with a generic
// 401. Verified claims and subject are attached to the request context.
func RequireBearer(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := token.ParseBearer(r.Header.Get("Authorization"))
			if !ok || verifier == nil {
				unauthorized(w)
				return
			}
			claims, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				unauthorized(w)
				return
			}
			ctx := token.NewContext(r.Context(), claims)
			ctx = requestctx.WithSubject(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="dualhost"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}

// withLogger scopes logger to the request id.
func withLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scoped := logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), scoped)))
		})
	}
}

func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return logging.FromContext(r.Context(), fallback)
}

// observe reports each request to observer, labelled by route pattern so
// unknown paths do not grow label cardinality.
func observe(observer Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if observer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			observer.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}

// recoverer turns a handler panic into a generic 500.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.FromContext(r.Context(), nil).Error("handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			writeJSONError(w, http.StatusInternalServerError, "internal")
		}()
		next.ServeHTTP(w, r)
	})
}

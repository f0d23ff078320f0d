package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

type loggerKey struct{}

// loggerFrom returns the request scoped logger set by withRequestLogger
func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return fallback
}

// withRequestLogger tags every request with an ID, hands handlers a logger
// carrying it and logs the outcome. Probes are logged at debug.
func withRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(requestIDHeader, id)
			}
			w.Header().Set(requestIDHeader, id)

			reqLogger := logger.With(zap.String("request_id", id))
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), loggerKey{}, reqLogger)))

			log := reqLogger.Info
			if strings.HasPrefix(r.URL.Path, "/health") {
				log = reqLogger.Debug
			}
			log("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}

// recoverPanic turns a handler panic into a 500
func recoverPanic(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					loggerFrom(r.Context(), logger).Error("Handler panic recovered",
						zap.Any("panic", p),
						zap.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, ErrorResponse{
						Status:    "error",
						ErrorCode: maaserrors.ErrCodeInternal.Reason(),
						Message:   "internal server error",
						RequestID: r.Header.Get(requestIDHeader),
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

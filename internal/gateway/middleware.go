package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/intentgate/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// instrument wraps an endpoint with request ids, a server span, request
// metrics and a debug log line. route is the pattern path, so labels stay
// bounded no matter which ids appear in URLs.
func instrument(route string, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, requestID)

			ctx := observability.AddRequestID(r.Context(), requestID)
			ctx, span := tracer.TraceHTTPRequest(ctx, r.Method, route)
			defer span.End()

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			elapsed := time.Since(start)
			tracer.SetAttributes(span, "http.status_code", wrapped.status)
			metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.status), elapsed.Seconds())
			logger.DebugContext(ctx, "http request",
				"method", r.Method,
				"route", route,
				"status", wrapped.status,
				"duration", elapsed,
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// routeOf returns the path part of the pattern that matched r.
func routeOf(r *http.Request) string {
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

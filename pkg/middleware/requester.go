package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/psantana5/genflow/pkg/logging"
)

type contextKey string

// RequesterContextKey holds the caller identity attached to admitted jobs
const RequesterContextKey contextKey = "requester_id"

// RequesterHeader names the caller on admin requests
const RequesterHeader = "X-Requester-ID"

// Requester injects the X-Requester-ID header into the request context.
// The identity is informational; requests without one are anonymous.
func Requester(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequesterHeader))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), RequesterContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequesterID extracts the requester from request context
func GetRequesterID(r *http.Request) string {
	if id, ok := r.Context().Value(RequesterContextKey).(string); ok {
		return id
	}
	return ""
}

// RequesterKey rate-limits by requester, falling back to the remote address
func RequesterKey(fallback func(*http.Request) string) func(*http.Request) string {
	return func(r *http.Request) string {
		if id := strings.TrimSpace(r.Header.Get(RequesterHeader)); id != "" {
			return "requester:" + id
		}
		return fallback(r)
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

// Logging writes one line per request
func Logging(logger *logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrDiscard(logger).WithField("component", "api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			fields := logging.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if id := GetRequesterID(r); id != "" {
				fields["requester_id"] = id
			}
			if rec.status >= 500 {
				logger.Warn("request failed", fields)
				return
			}
			logger.Debug("request", fields)
		})
	}
}

// Recover converts handler panics into 500 responses
func Recover(logger *logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrDiscard(logger).WithField("component", "api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rv := recover(); rv != nil {
					logger.Error("handler panic", logging.Fields{
						"path":  r.URL.Path,
						"panic": rv,
						"stack": string(debug.Stack()),
					})
					http.Error(w, `{"error":"internal error","code":"INTERNAL"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Package security provides the HTTP middleware shared by the upload service
// routes: request logging, panic recovery, security headers, per-IP rate
// limiting and CORS.
package security

import (
	"net"
	"net/http"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/neurobagel/dictionary-upload/pkg/logger"
)

// RequestIDHeader carries the per-request ID in responses.
const RequestIDHeader = "X-Request-ID"

// CombinedMiddleware applies all security middleware in one function:
// - Request ID and logging
// - Panic recovery
// - Security headers
// - Rate limiting
// - CORS with origin allowlist ("*" allows any origin).
func CombinedMiddleware(rl *RateLimiter, allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := slices.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			requestID := uuid.NewString()
			ctx := logger.WithRequestID(r.Context(), requestID)
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			start := time.Now()
			logger.Info(ctx, "HTTP request", logger.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"ip":         ip,
				"user_agent": r.UserAgent(),
				"origin":     r.Header.Get("Origin"),
			})
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if err := recover(); err != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error(ctx, "panic recovered", nil, logger.Fields{
						"panic": err,
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}

				fields := logger.Fields{
					"status":   wrapped.statusCode,
					"path":     r.URL.Path,
					"ip":       ip,
					"duration": time.Since(start).String(),
				}
				if wrapped.statusCode >= 400 {
					fields["user_agent"] = r.UserAgent()
					logger.Warn(ctx, "HTTP response error", fields)
				} else {
					logger.Info(ctx, "HTTP response", fields)
				}
			}()

			if !rl.Allow(ip) {
				logger.Warn(ctx, "rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path})
				http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			wrapped.Header().Set("X-Content-Type-Options", "nosniff")
			wrapped.Header().Set("X-Frame-Options", "DENY")
			wrapped.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			origin := r.Header.Get("Origin")
			if origin != "" {
				if allowAny || slices.Contains(allowedOrigins, origin) {
					wrapped.Header().Set("Access-Control-Allow-Origin", origin)
					wrapped.Header().Set("Access-Control-Allow-Credentials", "true")
					wrapped.Header().Add("Vary", "Origin")
				} else {
					// Without CORS headers the browser blocks the response.
					logger.Warn(ctx, "CORS rejected", logger.Fields{"origin": origin, "ip": ip, "path": r.URL.Path})
				}
			}

			if r.Method == http.MethodOptions {
				wrapped.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
				wrapped.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				wrapped.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(wrapped, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// ClientIP returns the host part of RemoteAddr. Forwarding headers are
// ignored since clients control them.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

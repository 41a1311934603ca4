// Package shield provides reusable HTTP security middleware for the
// blueprint service. It consolidates security headers, request body limits,
// rate limiting, request tracing, and HEAD method handling into a single
// importable package.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.HeadToGet)
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(64 << 20))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(db, "/healthz").Middleware)
//
// Or apply the default stack in one call:
//
//	stack, rl := shield.DefaultStack(db, 64<<20)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the per-request trace ID.
	TraceIDKey contextKey = "shield_trace_id"
)

// DefaultStack returns the standard middleware stack for the blueprint API.
// Middleware is ordered: HeadToGet → SecurityHeaders → MaxBody → TraceID →
// RateLimiter. maxBody bounds every request body, so it must be at least the
// largest accepted upload. The returned RateLimiter handle allows callers to
// call StartReloader. Health checks (/healthz) bypass rate limiting.
func DefaultStack(db *sql.DB, maxBody int64) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, "/healthz")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID,
		rl.Middleware,
	}, rl
}

// HeadToGet converts HEAD requests to GET so that route handlers registered
// with r.Get() respond with 200 instead of 405 (Method Not Allowed).
// Go's net/http automatically strips the body for HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

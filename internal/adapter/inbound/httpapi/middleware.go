package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/policyshield/policyshield/internal/domain/shield"
)

type requestIDContextKey struct{}
type loggerContextKey struct{}

// requestIDKey is the context key under which the per-request ID (echoed
// from the client's X-Request-ID header, or a freshly generated UUID) is
// stored.
var requestIDKey = requestIDContextKey{}

// loggerKey is the context key for the request-scoped, request-ID-enriched
// logger installed by requestIDMiddleware.
var loggerKey = loggerContextKey{}

// requestIDFromContext returns the request ID stashed by requestIDMiddleware,
// or "" if none is present (e.g. in a unit test calling a handler directly).
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// loggerFromContext returns the request-scoped logger, or fallback
// if none has been installed.
func loggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// requestIDMiddleware extracts or generates a request ID, stores it in
// context along with an enriched logger, and echoes the ID back on the
// response so a caller that supplied one gets it returned unchanged.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", id)

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			ctx = context.WithValue(ctx, loggerKey, logger.With("request_id", id, "remote_ip", realIP(r)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// realIP extracts the client's address for logging, preferring
// X-Forwarded-For (first hop only) and X-Real-IP over RemoteAddr.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// tokenChecker validates a bearer token against either a single
// configured token (constant-time comparison) or a file of argon2id
// hashes, one per line.
type tokenChecker struct {
	token  string
	hashes []string
}

func newTokenChecker(token string, hashes []string) *tokenChecker {
	if token == "" && len(hashes) == 0 {
		return nil
	}
	return &tokenChecker{token: token, hashes: hashes}
}

func (c *tokenChecker) valid(presented string) bool {
	if presented == "" {
		return false
	}
	if c.token != "" {
		want := sha256.Sum256([]byte(c.token))
		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(want[:], got[:]) == 1 {
			return true
		}
	}
	for _, hash := range c.hashes {
		match, err := argon2id.ComparePasswordAndHash(presented, hash)
		if err == nil && match {
			return true
		}
	}
	return false
}

// authMiddleware enforces Bearer-token auth on every route except the
// ones named in exempt. A nil checker means no token was configured
// (dev mode) and every request passes.
func authMiddleware(checker *tokenChecker, exempt map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if checker == nil || exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, r, http.StatusUnauthorized, "missing bearer token", false)
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if !checker.valid(token) {
				writeError(w, r, http.StatusUnauthorized, "invalid bearer token", false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsOriginGuard rejects cross-origin requests whose Origin header
// isn't in the configured allowlist; requests with no Origin header
// (same-origin, curl, server-to-server) always pass. An empty allowlist
// disables the check entirely.
func corsOriginGuard(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "origin not allowed", false)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			next.ServeHTTP(w, r)
		})
	}
}

// bodyLimitAndContentType caps request bodies at maxBytes (413 on
// overflow) and requires a JSON content type on any request carrying a
// body (415 otherwise). GET requests are exempt from the content-type
// check since they never carry one.
func bodyLimitAndContentType(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.ContentLength != 0 {
				ct := r.Header.Get("Content-Type")
				if !strings.HasPrefix(ct, "application/json") {
					writeError(w, r, http.StatusUnsupportedMediaType, "content-type must be application/json", false)
					return
				}
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// overloadGuard bounds concurrent requests through next via a buffered
// channel acting as a counting semaphore; callers beyond capacity get an
// immediate 503 rather than queuing indefinitely.
func overloadGuard(capacity int) func(http.Handler) http.Handler {
	if capacity <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	sem := make(chan struct{}, capacity)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				writeOverload(w, r)
			}
		})
	}
}

// writeError writes the standard JSON error envelope. failOpen selects
// which verdict a caller sees in the body: ALLOW when the deployment is
// configured to fail open on internal errors, BLOCK otherwise. The
// middleware rejections (auth, origin, content type) always pass false
// and so report BLOCK; errors raised inside the handlers, request
// validation included, report the configured fail_open verdict.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string, failOpen bool) {
	verdict := shield.VerdictBlock
	if failOpen {
		verdict = shield.VerdictAllow
	}
	resp := errorResponse{
		Error:     message,
		Verdict:   verdict,
		RequestID: requestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeOverload is the dedicated 503 body for the overload guard, which
// always reports BLOCK and a fixed error code per the wire contract.
func writeOverload(w http.ResponseWriter, r *http.Request) {
	resp := errorResponse{
		Error:     "server_overloaded",
		Verdict:   shield.VerdictBlock,
		RequestID: requestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(resp)
}

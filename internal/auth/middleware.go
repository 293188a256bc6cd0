package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

type contextKey string

const claimsKey contextKey = "device_claims"

// ClaimsFromContext returns the device claims stored by the middleware
func ClaimsFromContext(ctx context.Context) (*types.DeviceClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*types.DeviceClaims)
	return claims, ok
}

// WithClaims stores device claims in ctx
func WithClaims(ctx context.Context, claims *types.DeviceClaims) context.Context {
	ctx = context.WithValue(ctx, logger.DeviceIDKey, claims.DeviceID)
	return context.WithValue(ctx, claimsKey, claims)
}

// Middleware authenticates and throttles device requests
type Middleware struct {
	tokens  *TokenManager
	limiter *RateLimiter
	metrics *monitoring.MetricsCollector
	logger  *logger.Logger
}

// NewMiddleware creates the auth middleware. limiter and metrics may be nil.
func NewMiddleware(tokens *TokenManager, limiter *RateLimiter, metrics *monitoring.MetricsCollector, log *logger.Logger) *Middleware {
	return &Middleware{tokens: tokens, limiter: limiter, metrics: metrics, logger: log}
}

// RequireDevice rejects requests without a valid Bearer token
func (m *Middleware) RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := m.tokens.Validate(parts[1])
		if err != nil {
			m.logger.Security("invalid_token", "", map[string]interface{}{
				"path":      r.URL.Path,
				"client_ip": r.RemoteAddr,
				"error":     err.Error(),
			})
			if m.metrics != nil {
				m.metrics.RecordAuthAttempt("bearer", "failed")
			}
			writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RateLimit throttles requests per authenticated device, or per client address before login
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := clientAddr(r)
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			key = "device:" + claims.DeviceID
		}

		if !m.limiter.Allow(key) {
			if m.metrics != nil {
				m.metrics.RecordRateLimited(r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, types.ErrCodeRateLimitExceeded, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return "ip:" + strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return "ip:" + host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}

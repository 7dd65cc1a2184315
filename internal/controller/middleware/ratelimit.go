package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"vmplane/internal/store"
	"vmplane/pkg/api"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per tenant. Tenants with their own limit
// in the tenant store use it; everyone else gets the default.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	tenants store.TenantStore
	logger  *slog.Logger

	limiters sync.Map // tenant id -> *cachedLimiter
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long a limiter is cached before the tenant limit is re-read.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if ttl > 0 {
			rl.ttl = ttl
		}
	}
}

// WithDefaultLimit sets the limit for tenants without their own. rps=0 means unlimited.
func WithDefaultLimit(rps float64, burst int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(rps)
		rl.burst = burst
	}
}

// WithTenantStore enables per-tenant overrides from stored tenant records.
func WithTenantStore(s store.TenantStore) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.tenants = s
	}
}

// WithRateLimitLogger sets the logger.
func WithRateLimitLogger(l *slog.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		if l != nil {
			rl.logger = l
		}
	}
}

// NewRateLimiter creates a RateLimiter. Without options nothing is limited.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		ttl:    5 * time.Minute,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware must run after Authenticate.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := TenantIDFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Unauthorized")
				return
			}

			limiter := rl.limiterFor(r.Context(), tenantID)
			if limiter != nil && !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, api.CodeRateLimited, "Too Many Requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiterFor returns nil for unlimited tenants.
func (rl *RateLimiter) limiterFor(ctx context.Context, tenantID string) *rate.Limiter {
	now := time.Now()
	if v, ok := rl.limiters.Load(tenantID); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
	}

	limit, burst := rl.limit, rl.burst
	if rl.tenants != nil {
		if id, err := uuid.Parse(tenantID); err == nil {
			tenant, err := rl.tenants.GetTenantByID(ctx, id)
			switch {
			case err == nil && tenant.RateLimit > 0:
				limit, burst = rate.Limit(tenant.RateLimit), tenant.RateLimitBurst
			case err != nil && !errors.Is(err, store.ErrNotFound):
				rl.logger.WarnContext(ctx, "tenant rate limit lookup failed", "tenant_id", tenantID, "error", err)
			}
		}
	}

	var limiter *rate.Limiter
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(limit, burst)
	}
	rl.limiters.Store(tenantID, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}

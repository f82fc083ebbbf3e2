package middleware

import (
	"net/http"
	"sync"
	"time"

	"sessionplane/internal/store"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimiter enforces each tenant's request rate. Limiters are rebuilt after
// ttl so a changed tenant limit takes effect without a restart.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*cachedLimiter
	ttl      time.Duration
	now      func() time.Time
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long a tenant limiter is cached.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[uuid.UUID]*cachedLimiter),
		ttl:      5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware must run after AuthMiddleware; requests without a tenant are rejected.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := TenantFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// RateLimit=0 means unlimited
			if tenant.RateLimit > 0 && !rl.limiterFor(tenant).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) limiterFor(tenant *store.Tenant) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cached, ok := rl.limiters[tenant.ID]; ok && now.Before(cached.expiresAt) {
		return cached.limiter
	}

	burst := tenant.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(tenant.RateLimit), burst)
	rl.limiters[tenant.ID] = &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	}
	return limiter
}

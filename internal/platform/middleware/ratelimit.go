package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops limiters for clients not seen for this long.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one limiter per tenant and client address.
type limiterStore struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	cfg      RateLimitConfig
	now      func() time.Time
	lastScan time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &limiterStore{clients: make(map[string]*clientLimiter), cfg: cfg, now: time.Now}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastScan) > s.cfg.IdleTTL {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) > s.cfg.IdleTTL {
				delete(s.clients, k)
			}
		}
		s.lastScan = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func rateLimitKey(c echo.Context) string {
	key := c.RealIP()
	if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
		return tenantID + ":" + key
	}
	if tenantID := c.Request().Header.Get("X-Tenant-ID"); tenantID != "" {
		return tenantID + ":" + key
	}
	return key
}

// RateLimit limits requests per tenant and client address. Rejected
// requests get 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			limiter := store.get(rateLimitKey(c))
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			if !limiter.Allow() {
				retry := 1
				if cfg.RequestsPerSecond > 0 {
					retry = int(math.Ceil(1 / cfg.RequestsPerSecond))
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				h.Set("X-RateLimit-Remaining", "0")
				return writeOutcome(c, http.StatusTooManyRequests, "throttled", "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
			return next(c)
		}
	}
}

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
	// IdleTTL evicts limiters for clients not seen for this long.
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

// limiterStore holds one token bucket per client key.
type limiterStore struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	config    RateLimitConfig
	lastSweep time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &limiterStore{
		clients:   make(map[string]*clientLimiter),
		config:    cfg,
		lastSweep: time.Now(),
	}
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > s.config.IdleTTL {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) > s.config.IdleTTL {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.BurstSize)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// RateLimit returns a per-client rate limiting middleware keyed by hospital
// and client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if hid, ok := c.Get("jwt_tenant_id").(string); ok && hid != "" {
				key = hid + ":" + key
			}

			now := time.Now()
			lim := store.get(key, now)
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)

			r := lim.ReserveN(now, 1)
			if !r.OK() {
				c.Response().Header().Set("Retry-After", "1")
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if delay := r.DelayFrom(now); delay > 0 {
				r.CancelAt(now)
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

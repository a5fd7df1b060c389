package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRPS   = 1.0
	defaultRateLimitBurst = 10
	limiterIdleTTL        = 10 * time.Minute
	limiterSweepPeriod    = time.Minute
	hstsHeaderValue       = "max-age=31536000; includeSubDomains; preload"
	unmatchedRoute        = "unmatched"
)

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Origin"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// securityHeaders sets the response headers browsers use to sandbox the app.
func securityHeaders(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("X-Frame-Options", "DENY")
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("Referrer-Policy", "no-referrer")
		header.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		header.Set("Cross-Origin-Opener-Policy", "same-origin")
		if hsts {
			header.Set("Strict-Transport-Security", hstsHeaderValue)
		}
		c.Next()
	}
}

func requestMetrics(collectors *metrics.Collectors) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		collectors.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		collectors.RequestDuration.WithLabelValues(route, method).Observe(time.Since(started).Seconds())
	}
}

// RateLimitConfig is a token bucket per client IP.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterPool struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	cfg         RateLimitConfig
	clock       func() time.Time
	lastSweep   time.Time
	idleTTL     time.Duration
	sweepPeriod time.Duration
}

func newLimiterPool(cfg RateLimitConfig) *limiterPool {
	if cfg.RPS <= 0 {
		cfg.RPS = defaultRateLimitRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultRateLimitBurst
	}
	return &limiterPool{
		entries:     make(map[string]*limiterEntry),
		cfg:         cfg,
		clock:       time.Now,
		idleTTL:     limiterIdleTTL,
		sweepPeriod: limiterSweepPeriod,
	}
}

// reserve consumes a token for key. When none is available it returns the
// wait until the next token instead.
func (p *limiterPool) reserve(key string) (bool, time.Duration) {
	now := p.clock()
	limiter := p.get(key, now)
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, delay
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastSweep) >= p.sweepPeriod {
		p.sweepLocked(now)
	}
	if entry, ok := p.entries[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)
	p.entries[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// sweepLocked drops limiters that have been idle long enough to refill.
func (p *limiterPool) sweepLocked(now time.Time) {
	cutoff := now.Add(-p.idleTTL)
	for key, entry := range p.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(p.entries, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func rateLimit(pool *limiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, wait := pool.reserve(c.ClientIP())
		if allowed {
			c.Next()
			return
		}
		retryAfter := int(math.Ceil(wait.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success":    false,
			"error":      errorRateLimited,
			"retryAfter": retryAfter,
		})
	}
}

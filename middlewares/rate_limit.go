package middlewares

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"lmschat/metrics"
	"lmschat/models"
	"lmschat/services"
)

// RateLimitOptions configures RateLimiter. Zero IdleTTL or MaxKeys take the
// defaults below.
type RateLimitOptions struct {
	UserRPS   float64
	UserBurst int
	IPRPS     float64
	IPBurst   int
	IdleTTL   time.Duration
	MaxKeys   int
}

const (
	defaultIdleTTL = 10 * time.Minute
	defaultMaxKeys = 10000
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP and, when the caller
// names a user id, another one per user. Both must allow the request.
// Buckets idle longer than IdleTTL are dropped and the table never holds
// more than MaxKeys buckets.
type RateLimiter struct {
	opts RateLimitOptions
	now  func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = defaultMaxKeys
	}
	return &RateLimiter{
		opts:      opts,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// Handler rejects over-limit requests with the chat error body.
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed := l.allow("ip:"+c.ClientIP(), l.opts.IPRPS, l.opts.IPBurst)
		if allowed {
			if userID := c.GetString(UserIDKey); userID != "" {
				allowed = l.allow("user:"+userID, l.opts.UserRPS, l.opts.UserBurst)
			}
		}
		if !allowed {
			metrics.RateLimited.Inc()
			kind := services.KindRateLimit
			c.AbortWithStatusJSON(kind.Status(), models.ChatResponse{
				Message: models.ChatTurn{Role: models.RoleAssistant, Content: kind.UserMessage()},
				Error:   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Len returns the number of live buckets.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *RateLimiter) allow(key string, rps float64, burst int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if now.Sub(l.lastSweep) >= l.opts.IdleTTL || len(l.buckets) >= l.opts.MaxKeys {
			l.sweepLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweepLocked drops idle buckets, then evicts the least recently seen ones
// until there is room for one more.
func (l *RateLimiter) sweepLocked(now time.Time) {
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.opts.IdleTTL {
			delete(l.buckets, key)
		}
	}
	for len(l.buckets) >= l.opts.MaxKeys {
		var (
			oldestKey string
			oldest    time.Time
		)
		for key, b := range l.buckets {
			if oldestKey == "" || b.lastSeen.Before(oldest) {
				oldestKey, oldest = key, b.lastSeen
			}
		}
		delete(l.buckets, oldestKey)
	}
}

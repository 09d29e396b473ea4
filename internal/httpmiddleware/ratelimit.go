package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/auth"
)

// TokenBucket is an in-memory per-caller rate limiter with fractional
// refill, so a 30/min limit admits a request every two seconds instead of
// thirty at the top of each minute. Single-node only; a multi-node
// deployment would move the counters to Redis.
type TokenBucket struct {
	capacity float64
	perSec   float64
	now      func() time.Time

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// LimiterOption tweaks a TokenBucket.
type LimiterOption func(*TokenBucket)

// WithNow injects a time source.
func WithNow(now func() time.Time) LimiterOption {
	return func(l *TokenBucket) { l.now = now }
}

// NewTokenBucket creates a limiter with the given burst capacity and
// per-minute refill rate.
func NewTokenBucket(capacity, perMinute int, opts ...LimiterOption) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	l := &TokenBucket{
		capacity: float64(capacity),
		perSec:   float64(perMinute) / 60,
		now:      time.Now,
		state:    make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token for key. When denied, resetIn reports how long
// until the next token accrues.
func (l *TokenBucket) Allow(key string) (ok bool, resetIn time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, found := l.state[key]
	if !found {
		b = &bucket{tokens: l.capacity, last: now}
		l.state[key] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * l.perSec
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// GinMiddleware enforces the limit per caller. Authenticated requests are
// keyed by the token subject so devices sharing a campus NAT do not starve
// each other; anonymous requests fall back to the client IP. Denied
// responses carry a Retry-After header.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, resetIn := l.Allow(clientKey(c))
		if !ok {
			seconds := int(math.Ceil(resetIn.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit",
				"retry_after_seconds": seconds,
			})
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if v, ok := c.Get("claims"); ok {
		if claims, ok := v.(auth.Claims); ok && claims.Subject != "" {
			return "sub:" + claims.Subject
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}

// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the edge rate limiter: an in-memory token bucket per
// caller identity, used for abuse control in front of the ingest endpoints.
// It is distinct from the domain-level sliding-window limiter that governs
// command dispatch; this one only protects the HTTP surface of a single
// process. Horizontally scaled deployments that need a global edge limit
// should put a distributed limiter in front instead.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to the identity that owns its token bucket. The
// returned string must be stable for the duration of the request.
type keyFunc func(*gin.Context) string

// KeyByCollectorOrIP keys buckets by the submitting collector (X-Collector-ID)
// when present, falling back to the client IP. Keys are prefixed so the
// collector and IP namespaces cannot collide.
func KeyByCollectorOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := c.GetHeader(HeaderCollectorID); id != "" {
			return "collector:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// bucket pairs a token bucket with its last-seen time so idle entries can be
// evicted.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketIdleTTL and gcEvery bound memory: every gcEvery lookups, buckets idle
// for at least bucketIdleTTL are dropped.
const (
	bucketIdleTTL = 10 * time.Minute
	gcEvery       = 5000
)

// RateLimiter enforces per-identity token-bucket limits. Buckets are created
// on demand and garbage-collected opportunistically during lookups. Safe for
// concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups uint64
}

// NewRateLimiter builds a limiter replenishing rps tokens per second with the
// given burst (coerced to at least 1), keyed by keyFn. Install it with
// Handler().
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: make(map[string]*bucket),
	}
}

// getBucket returns the limiter for key, creating it if absent. GC runs
// before the requested key is touched so a stale bucket is evicted even when
// it is the one being fetched.
func (rl *RateLimiter) getBucket(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= gcEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= bucketIdleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lookups = 0
	}

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether DeliveryDedupe flagged this request as a
// redelivery of an already-accepted envelope. Redeliveries skip the edge
// limiter so retrying collectors are never throttled into losing their
// original session id.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware. Requests exceeding their bucket receive
// 429 with the standard error envelope shape and a Retry-After header;
// deduplicated redeliveries pass through untouched.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		if rl.getBucket(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}

package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnRateConfig configures the flood guard in front of the upgrade
// handler: a global token bucket plus one bucket per IP.
type ConnRateConfig struct {
	PerIPRate    rate.Limit
	PerIPBurst   int
	GlobalRate   rate.Limit
	GlobalBurst  int
	StaleAfter   time.Duration
}

// ConnRateLimiter throttles the rate of new upgrade attempts, independent
// of the per-user connection cap enforced once a client's identity is
// known. Grounded on the teacher's connection-rate guard: one
// golang.org/x/time/rate.Limiter per source IP behind a shared mutex, plus
// a single global limiter.
type ConnRateLimiter struct {
	mu     sync.Mutex
	byIP   map[string]*ipBucket
	global *rate.Limiter
	config ConnRateConfig
}

type ipBucket struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// NewConnRateLimiter builds a limiter from config, filling in defaults for
// any zero fields.
func NewConnRateLimiter(config ConnRateConfig) *ConnRateLimiter {
	if config.PerIPRate <= 0 {
		config.PerIPRate = 1
	}
	if config.PerIPBurst <= 0 {
		config.PerIPBurst = 5
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = 500
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = 1000
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	return &ConnRateLimiter{
		byIP:   make(map[string]*ipBucket),
		global: rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		config: config,
	}
}

// Allow reports whether a new upgrade attempt from ip may proceed.
func (c *ConnRateLimiter) Allow(ip string) bool {
	if !c.global.Allow() {
		return false
	}

	c.mu.Lock()
	b, ok := c.byIP[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(c.config.PerIPRate, c.config.PerIPBurst)}
		c.byIP[ip] = b
	}
	b.lastUse = time.Now()
	limiter := b.limiter
	c.mu.Unlock()

	return limiter.Allow()
}

// Sweep evicts IP buckets untouched since StaleAfter, bounding memory use
// under sustained churn from many distinct IPs. Intended to be called
// periodically by the gateway's background loop.
func (c *ConnRateLimiter) Sweep() {
	cutoff := time.Now().Add(-c.config.StaleAfter)
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, b := range c.byIP {
		if b.lastUse.Before(cutoff) {
			delete(c.byIP, ip)
		}
	}
}

// ClientIP extracts the caller's IP from a request, preferring
// X-Forwarded-For's first hop (the gateway expects to sit behind a load
// balancer) and falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

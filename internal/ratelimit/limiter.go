package ratelimit

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// Package ratelimit implements the per-IP token bucket in front of the
// dispatcher. Capacity is the configured requests/minute; refill is
// capacity/60 tokens per second on a floating-point accumulator. Buckets
// are created lazily and evicted after ten minutes of inactivity.

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks one token bucket per client IP.
type Limiter struct {
	mu             sync.Mutex
	clients        map[string]*bucket
	requestsPerMin int
	now            func() time.Time
	cleanupTicker  *time.Ticker
	stopCh         chan struct{}
}

// NewLimiter creates a limiter with the given requests/minute capacity.
func NewLimiter(requestsPerMin int) *Limiter {
	if requestsPerMin <= 0 {
		requestsPerMin = 60
	}
	rl := &Limiter{
		clients:        make(map[string]*bucket),
		requestsPerMin: requestsPerMin,
		now:            time.Now,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
		stopCh:         make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// SetRate changes the requests/minute capacity. Existing buckets keep their
// current tokens and pick up the new refill rate on their next request.
func (rl *Limiter) SetRate(requestsPerMin int) {
	if requestsPerMin <= 0 {
		return
	}
	rl.mu.Lock()
	rl.requestsPerMin = requestsPerMin
	rl.mu.Unlock()
}

// Allow reports whether a request from ip may proceed. When denied, the
// second return value is the Retry-After delay rounded up to whole seconds.
func (rl *Limiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	capacity := float64(rl.requestsPerMin)
	b, ok := rl.clients[ip]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: rl.now()}
		rl.clients[ip] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	refillPerSec := capacity / 60.0

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*refillPerSec)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	retryAfter := int(math.Ceil((1 - b.tokens) / refillPerSec))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// ClientIP strips the port from RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup evicts buckets idle for more than ten minutes.
func (rl *Limiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			now := rl.now()
			rl.mu.Lock()
			for ip, b := range rl.clients {
				b.mu.Lock()
				idle := now.Sub(b.lastRefill)
				b.mu.Unlock()
				if idle > 10*time.Minute {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop halts the eviction loop.
func (rl *Limiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.stopCh)
}

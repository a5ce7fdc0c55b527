package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxBuckets = 10000 // Limit to 10k unique IPs to prevent memory exhaustion

	cleanupInterval = 5 * time.Minute
)

// RateLimiter is a per-IP token bucket rate limiter.
type RateLimiter struct {
	buckets    map[string]*bucket
	stopCh     chan struct{}
	now        func() time.Time
	cleanupWG  sync.WaitGroup
	limit      rate.Limit
	idle       time.Duration
	burst      int
	maxBuckets int
	mu         sync.Mutex
	stopOnce   sync.Once
}

type bucket struct {
	lastSeen time.Time
	limiter  *rate.Limiter
}

// NewRateLimiter allows each IP a burst of requests, refilled evenly over per.
func NewRateLimiter(requests int, per time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		limit:      rate.Every(per / time.Duration(requests)),
		idle:       per,
		burst:      requests,
		maxBuckets: maxBuckets,
	}

	rl.cleanupWG.Add(1)
	go rl.cleanupRoutine()

	return rl
}

// Allow reports whether a request from ip may proceed, consuming a token if so.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[ip]
	if !exists {
		if len(rl.buckets) >= rl.maxBuckets {
			rl.evictOldest()
		}
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// cleanupRoutine periodically removes idle buckets to prevent memory leaks.
func (rl *RateLimiter) cleanupRoutine() {
	defer rl.cleanupWG.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes buckets that have been idle long enough to be full again.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idle)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// evictOldest removes the least recently seen bucket (called with lock held).
func (rl *RateLimiter) evictOldest() {
	var oldestIP string
	var oldestTime time.Time

	for ip, b := range rl.buckets {
		if oldestIP == "" || b.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = b.lastSeen
		}
	}

	if oldestIP != "" {
		delete(rl.buckets, oldestIP)
	}
}

// Stop gracefully stops the rate limiter.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.cleanupWG.Wait()
}

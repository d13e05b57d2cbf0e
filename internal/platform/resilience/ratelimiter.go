package resilience

import (
	"sync"
	"time"
)

// HybridRateLimiter combines a token bucket (burst capacity) with a sliding
// window (sustained rate) so legitimate bursts pass while sustained overload
// still trips.
type HybridRateLimiter struct {
	mu sync.Mutex

	capacity int
	tokens   int
	refill   int
	interval time.Duration
	updated  time.Time

	windowSize   time.Duration
	requestLimit int
	requests     map[string]*slidingKeyWindow

	lastCleanup   time.Time
	cleanupPeriod time.Duration
}

type slidingKeyWindow struct {
	timestamps []time.Time
	head       int
	size       int
}

// NewHybridRateLimiter builds a limiter with capacity burst tokens refilled
// at refill-per-interval, plus a requestLimit cap within windowSize.
func NewHybridRateLimiter(capacity, refill int, interval, windowSize time.Duration, requestLimit int) *HybridRateLimiter {
	return &HybridRateLimiter{
		capacity:      capacity,
		tokens:        capacity,
		refill:        refill,
		interval:      interval,
		updated:       time.Now(),
		windowSize:    windowSize,
		requestLimit:  requestLimit,
		requests:      make(map[string]*slidingKeyWindow),
		lastCleanup:   time.Now(),
		cleanupPeriod: 5 * time.Minute,
	}
}

// Allow reports whether a request for key is permitted under both the token
// bucket and the sliding window.
func (h *HybridRateLimiter) Allow(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()

	if !h.checkTokenBucket(now) {
		return false
	}
	if !h.checkSlidingWindow(key, now) {
		return false
	}

	h.tokens--
	h.recordRequest(key, now)

	if now.Sub(h.lastCleanup) > h.cleanupPeriod {
		h.cleanup(now)
		h.lastCleanup = now
	}

	return true
}

func (h *HybridRateLimiter) checkTokenBucket(now time.Time) bool {
	elapsed := now.Sub(h.updated)
	if elapsed >= h.interval {
		periods := int(elapsed / h.interval)
		if periods > 0 {
			h.tokens += periods * h.refill
			if h.tokens > h.capacity {
				h.tokens = h.capacity
			}
			h.updated = now
		}
	}
	return h.tokens > 0
}

func (h *HybridRateLimiter) checkSlidingWindow(key string, now time.Time) bool {
	window, exists := h.requests[key]
	if !exists {
		return true
	}
	cutoff := now.Add(-h.windowSize)
	count := 0
	for i := 0; i < window.size; i++ {
		idx := (window.head - window.size + i + len(window.timestamps)) % len(window.timestamps)
		if window.timestamps[idx].After(cutoff) {
			count++
		}
	}
	return count < h.requestLimit
}

func (h *HybridRateLimiter) recordRequest(key string, now time.Time) {
	window, exists := h.requests[key]
	if !exists {
		window = &slidingKeyWindow{timestamps: make([]time.Time, h.requestLimit*2)}
		h.requests[key] = window
	}
	window.timestamps[window.head] = now
	window.head = (window.head + 1) % len(window.timestamps)
	if window.size < len(window.timestamps) {
		window.size++
	}
}

func (h *HybridRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-h.windowSize * 2)
	for key, window := range h.requests {
		active := 0
		for i := 0; i < window.size; i++ {
			idx := (window.head - window.size + i + len(window.timestamps)) % len(window.timestamps)
			if window.timestamps[idx].After(cutoff) {
				active++
			}
		}
		if active == 0 {
			delete(h.requests, key)
		}
	}
}

// RateLimiterStats reports a point-in-time snapshot of limiter state.
type RateLimiterStats struct {
	Capacity      int
	CurrentTokens int
	TrackedKeys   int
}

// Stats returns the limiter's current statistics.
func (h *HybridRateLimiter) Stats() RateLimiterStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return RateLimiterStats{
		Capacity:      h.capacity,
		CurrentTokens: h.tokens,
		TrackedKeys:   len(h.requests),
	}
}

// RateLimitConfig parameterizes limiters created by a PerKeyRateLimiter.
type RateLimitConfig struct {
	Capacity     int
	Refill       int
	Interval     time.Duration
	WindowSize   time.Duration
	RequestLimit int
}

// PerKeyRateLimiter manages one HybridRateLimiter per key, used by the
// coordinator API to bound requests per user.
type PerKeyRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*HybridRateLimiter
	config   RateLimitConfig

	lastCleanup   time.Time
	cleanupPeriod time.Duration
}

// NewPerKeyRateLimiter creates a pool of rate limiters sharing config.
func NewPerKeyRateLimiter(config RateLimitConfig) *PerKeyRateLimiter {
	return &PerKeyRateLimiter{
		limiters:      make(map[string]*HybridRateLimiter),
		config:        config,
		lastCleanup:   time.Now(),
		cleanupPeriod: 10 * time.Minute,
	}
}

// Allow checks whether a request for key is allowed, lazily creating a
// per-key limiter on first use.
func (p *PerKeyRateLimiter) Allow(key string) bool {
	limiter := p.getLimiter(key)
	return limiter.Allow(key)
}

func (p *PerKeyRateLimiter) getLimiter(key string) *HybridRateLimiter {
	p.mu.RLock()
	limiter, exists := p.limiters[key]
	p.mu.RUnlock()
	if exists {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, exists := p.limiters[key]; exists {
		return limiter
	}

	limiter = NewHybridRateLimiter(
		p.config.Capacity,
		p.config.Refill,
		p.config.Interval,
		p.config.WindowSize,
		p.config.RequestLimit,
	)
	p.limiters[key] = limiter

	now := time.Now()
	if now.Sub(p.lastCleanup) > p.cleanupPeriod {
		p.cleanupStale(now)
		p.lastCleanup = now
	}
	return limiter
}

func (p *PerKeyRateLimiter) cleanupStale(now time.Time) {
	cutoff := now.Add(-30 * time.Minute)
	for key, limiter := range p.limiters {
		limiter.mu.Lock()
		lastUsed := limiter.updated
		limiter.mu.Unlock()
		if lastUsed.Before(cutoff) {
			delete(p.limiters, key)
		}
	}
}

// GetAllStats returns a snapshot of every tracked key's limiter stats.
func (p *PerKeyRateLimiter) GetAllStats() map[string]RateLimiterStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := make(map[string]RateLimiterStats, len(p.limiters))
	for key, limiter := range p.limiters {
		stats[key] = limiter.Stats()
	}
	return stats
}

// Package ratelimit provides per-client request rate limiting with an
// in-process token bucket store or a shared Redis fixed-window store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Store decides whether one more request under key fits the given budget.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, burst int) (Info, error)
	Close() error
}

// Limiter resolves the budget of a request and consults its store.
type Limiter struct {
	config *Config
	store  Store
	logger *slog.Logger
}

// NewLimiter creates a limiter backed by the store named in config.
func NewLimiter(config *Config, logger *slog.Logger) (*Limiter, error) {
	if config == nil {
		config = &Config{
			Enabled:         true,
			Backend:         BackendMemory,
			DefaultLimit:    600,
			DefaultWindow:   time.Minute,
			CleanupInterval: 5 * time.Minute,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var store Store
	switch config.Backend {
	case BackendRedis:
		s, err := NewRedisStore(config.RedisAddr, config.RedisPassword, config.RedisDB, config.KeyPrefix)
		if err != nil {
			return nil, err
		}
		store = s
	case BackendMemory, "":
		store = NewMemoryStore(config.CleanupInterval)
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", config.Backend)
	}
	return NewLimiterWithStore(config, store, logger), nil
}

// NewLimiterWithStore creates a limiter over an existing store.
func NewLimiterWithStore(config *Config, store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{config: config, store: store, logger: logger.With("component", "ratelimit")}
}

// Allow checks if a request from the given client is allowed for the specified endpoint.
// A failing store lets the request through.
func (l *Limiter) Allow(ctx context.Context, clientID, endpoint, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}
	if l.config.Blacklist[clientID] {
		return false, Info{}
	}

	ec := MatchEndpoint(endpoint, method, l.config.EndpointConfigs)
	if ec == nil {
		ec = &EndpointConfig{
			Path:   endpoint,
			Method: method,
			Limit:  l.config.DefaultLimit,
			Window: l.config.DefaultWindow,
			Burst:  l.config.DefaultLimit,
		}
	}
	if ec.Limit <= 0 {
		return true, Info{Allowed: true}
	}

	// Prefix rules share one budget across the paths they cover.
	key := clientID + ":" + method + ":" + ec.Path
	info, err := l.store.Take(ctx, key, ec.Limit, ec.Window, ec.Burst)
	if err != nil {
		l.logger.Warn("rate limit store unavailable", "error", err)
		return true, Info{Allowed: true}
	}
	return info.Allowed, info
}

// Ping checks the store when it is remote. It reports whether there was
// anything to check.
func (l *Limiter) Ping(ctx context.Context) (bool, error) {
	p, ok := l.store.(interface{ Ping(context.Context) error })
	if !ok {
		return false, nil
	}
	return true, p.Ping(ctx)
}

// Stop releases the store.
func (l *Limiter) Stop() {
	if err := l.store.Close(); err != nil {
		l.logger.Warn("failed to close rate limit store", "error", err)
	}
}

// tokenBucket allows capacity requests at once, refilling at refillRate per second.
type tokenBucket struct {
	capacity   int
	refillRate float64
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(capacity int, refillRate float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// take consumes a token if one is available.
func (tb *tokenBucket) take(now time.Time) bool {
	tb.refill(now)
	tb.lastAccess = now
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// resetTime is when the bucket will be full again.
func (tb *tokenBucket) resetTime(now time.Time) time.Time {
	missing := float64(tb.capacity) - tb.tokens
	if missing <= 0 || tb.refillRate <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / tb.refillRate * float64(time.Second)))
}

// MemoryStore keeps token buckets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// idleBucketTTL is how long an untouched bucket is kept.
const idleBucketTTL = time.Hour

// NewMemoryStore creates an in-process store. A positive cleanupInterval starts
// a goroutine that drops idle buckets until Close.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanup(cleanupInterval)
	}
	return s
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, burst int) (Info, error) {
	now := s.now()
	if burst <= 0 {
		burst = limit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = newTokenBucket(burst, float64(limit)/window.Seconds(), now)
		s.buckets[key] = b
	}

	allowed := b.take(now)
	reset := b.resetTime(now)
	info := Info{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: int(b.tokens),
		ResetTime: reset,
	}
	if !allowed {
		// Time until the next whole token.
		info.RetryAfter = time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
	}
	return info, nil
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.dropIdle(s.now().Add(-idleBucketTTL))
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) dropIdle(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(s.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

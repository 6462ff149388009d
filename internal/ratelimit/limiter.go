package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config contains rate limiter configuration.
type Config struct {
	// RefillPerMinute is the number of tokens added per 60 seconds of
	// elapsed time. Fractional accrual is allowed.
	RefillPerMinute float64
	// Burst is the maximum number of tokens a bucket can hold.
	// New buckets start with Burst tokens.
	Burst int
	// IdleEviction is the age after which an untouched bucket is removed
	// from the registry.
	IdleEviction time.Duration
	// SweepInterval is the cadence of the eviction sweep.
	SweepInterval time.Duration
}

const (
	// DefaultIdleEviction is the default bucket idle eviction age.
	DefaultIdleEviction = time.Hour
	// DefaultSweepInterval is the default eviction sweep cadence.
	DefaultSweepInterval = 5 * time.Minute
)

// bucket holds the per-client admission state.
// Invariant: 0 <= tokens <= burst after every refill.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// refill adds tokens accrued since the last refill and clamps to capacity.
// Backward clock jumps accrue zero tokens.
func (b *bucket) refill(now time.Time, ratePerMinute, burst float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(burst, b.tokens+elapsed*ratePerMinute/60)
	}
	b.lastRefill = now
}

// Limiter is a per-client token bucket rate limiter. It exclusively owns
// its bucket registry; a periodic sweep evicts idle buckets to bound
// memory. State is process-local and resets on restart.
//
// Construct exactly one Limiter per process and inject it into every
// handler that needs admission control.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a new limiter and starts its background eviction sweep.
// Call Close to stop the sweep.
func New(cfg Config) *Limiter {
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = DefaultIdleEviction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.sweepLoop()

	return l
}

// Admit reports whether the client identified by key may proceed.
// The bucket is refilled based on elapsed time, then one token is
// consumed on admission. Rejection consumes nothing.
//
// Admit performs no I/O and cannot fail; rejection is routine control
// flow, not an error.
func (l *Limiter) Admit(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.buckets[key] = b
	} else {
		b.refill(now, l.cfg.RefillPerMinute, float64(l.cfg.Burst))
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	return false
}

// RetryAfter returns the time until the next token accrues for key,
// rounded up to whole seconds. It returns zero if a token is already
// available or the key has no bucket.
func (l *Limiter) RetryAfter(key string) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return 0
	}

	b.refill(now, l.cfg.RefillPerMinute, float64(l.cfg.Burst))
	if b.tokens >= 1 {
		return 0
	}

	seconds := (1 - b.tokens) * 60 / l.cfg.RefillPerMinute
	return time.Duration(math.Ceil(seconds)) * time.Second
}

// Burst returns the configured burst capacity.
func (l *Limiter) Burst() int {
	return l.cfg.Burst
}

// Len returns the current number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep removes every bucket that has been idle for longer than the
// configured eviction age. It never affects admission decisions for
// buckets that remain.
func (l *Limiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.cfg.IdleEviction {
			delete(l.buckets, key)
		}
	}
}

// Close stops the background sweep goroutine.
func (l *Limiter) Close() {
	close(l.stopCh)
	l.wg.Wait()
}

// sweepLoop runs the eviction sweep on a fixed interval, independent of
// request traffic, for the lifetime of the limiter.
func (l *Limiter) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopCh:
			return
		}
	}
}

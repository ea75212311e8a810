// Package ratelimit implements per-domain request pacing and exponential
// backoff with a bounded retry budget. Every attempt against a domain is
// preceded by a small randomized delay to avoid a predictable cadence; when a
// domain signals overload (HTTP 429/503 by default) the limiter computes a
// jittered exponential backoff capped at a maximum delay.
package ratelimit

import (
	"container/list"
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseDelayMin = 1 * time.Second
	defaultBaseDelayMax = 3 * time.Second
	defaultMaxDelay     = 60 * time.Second
	defaultMaxRetries   = 3
	defaultMaxDomains   = 1024

	// maxJitter is added to backoff delays to desynchronize retry storms.
	maxJitter = 1 * time.Second
)

// Config holds rate limiter configuration.
type Config struct {
	// BaseDelayMin/BaseDelayMax bound the uniform-random delay applied before
	// every attempt to a domain.
	BaseDelayMin time.Duration
	BaseDelayMax time.Duration
	// MaxDelay is the hard ceiling on any computed backoff delay.
	MaxDelay time.Duration
	// MaxRetries is the number of additional attempts permitted after an
	// initial rate-limited failure for the same task.
	MaxRetries int
	// StatusCodes lists HTTP status codes that trigger backoff rather than
	// immediate failure.
	StatusCodes []int
	// DomainQPS optionally caps sustained requests per second per domain via
	// a token bucket. Zero disables the bucket.
	DomainQPS float64
	// MaxDomains caps the number of per-domain entries retained; least
	// recently used domains are evicted beyond it.
	MaxDomains int
}

func (c Config) withDefaults() Config {
	if c.BaseDelayMin <= 0 {
		c.BaseDelayMin = defaultBaseDelayMin
	}
	if c.BaseDelayMax <= 0 {
		c.BaseDelayMax = defaultBaseDelayMax
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.StatusCodes == nil {
		c.StatusCodes = []int{429, 503}
	}
	if c.MaxDomains <= 0 {
		c.MaxDomains = defaultMaxDomains
	}
	return c
}

// Validate rejects configurations that cannot be honored.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseDelayMin < 0 || c.BaseDelayMax < 0 {
		return fmt.Errorf("base delay bounds must be >= 0")
	}
	if c.BaseDelayMax > 0 && c.BaseDelayMin > c.BaseDelayMax {
		return fmt.Errorf("base delay min %v exceeds max %v", c.BaseDelayMin, c.BaseDelayMax)
	}
	if c.DomainQPS < 0 {
		return fmt.Errorf("domain qps must be >= 0, got %v", c.DomainQPS)
	}
	return nil
}

type domainState struct {
	domain    string
	backoffs  int
	lastDelay time.Duration
	bucket    *rate.Limiter
	elem      *list.Element
}

// Limiter manages per-domain pacing and backoff state. It is safe for
// concurrent use; backoff increments for the same domain are serialized.
type Limiter struct {
	cfg     Config
	retries int

	mu      sync.Mutex
	domains map[string]*domainState
	lru     *list.List
	codes   map[int]struct{}
}

// New creates a Limiter. Zero-valued config fields fall back to defaults;
// invalid configurations are rejected here, before any task runs.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	cfg = cfg.withDefaults()
	codes := make(map[int]struct{}, len(cfg.StatusCodes))
	for _, code := range cfg.StatusCodes {
		codes[code] = struct{}{}
	}
	return &Limiter{
		cfg:     cfg,
		retries: retries,
		domains: make(map[string]*domainState),
		lru:     list.New(),
		codes:   codes,
	}, nil
}

// MaxRetries returns the retry budget enforced by the dispatcher.
func (l *Limiter) MaxRetries() int {
	return l.retries
}

// DelayFor returns a fresh uniform-random pacing delay for the domain. It
// reads configuration only and never touches backoff state; it is called
// before every attempt, first and retries alike.
func (l *Limiter) DelayFor(_ string) time.Duration {
	span := l.cfg.BaseDelayMax - l.cfg.BaseDelayMin
	return l.cfg.BaseDelayMin + randomJitter(span)
}

// IsRateLimited reports whether the status code signals remote overload.
func (l *Limiter) IsRateLimited(statusCode int) bool {
	_, ok := l.codes[statusCode]
	return ok
}

// BackoffFor records a rate-limit signal for the domain and returns the delay
// the caller should sleep before retrying. Consecutive signals without an
// intervening Reset grow the delay exponentially, capped at MaxDelay.
func (l *Limiter) BackoffFor(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(domain)
	st.backoffs++

	base := float64(l.cfg.BaseDelayMin)
	delay := time.Duration(base * math.Pow(2, float64(st.backoffs)))
	if delay <= 0 || delay > l.cfg.MaxDelay {
		// Negative means the exponent overflowed.
		delay = l.cfg.MaxDelay
	} else {
		// Jitter never exceeds the base so it cannot outweigh one doubling.
		jitter := maxJitter
		if l.cfg.BaseDelayMin < jitter {
			jitter = l.cfg.BaseDelayMin
		}
		delay += randomJitter(jitter)
		if delay > l.cfg.MaxDelay {
			delay = l.cfg.MaxDelay
		}
	}
	if delay < st.lastDelay {
		delay = st.lastDelay
	}
	st.lastDelay = delay
	return delay
}

// Reset zeroes the domain's consecutive backoff counter. Called after any
// non-rate-limited outcome for the domain.
func (l *Limiter) Reset(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.domains[domain]; ok {
		st.backoffs = 0
		st.lastDelay = 0
	}
}

// Backoffs returns the domain's current consecutive backoff count.
func (l *Limiter) Backoffs(domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.domains[domain]; ok {
		return st.backoffs
	}
	return 0
}

// Wait applies the pre-attempt pacing for the domain: the per-domain token
// bucket (when configured) followed by the randomized base delay. It returns
// early with the context's error if the caller is canceled.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	if l.cfg.DomainQPS > 0 {
		l.mu.Lock()
		st := l.state(domain)
		if st.bucket == nil {
			st.bucket = rate.NewLimiter(rate.Limit(l.cfg.DomainQPS), 1)
		}
		bucket := st.bucket
		l.mu.Unlock()
		if err := bucket.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return Sleep(ctx, l.DelayFor(domain))
}

// state returns the domain entry, creating it lazily and maintaining LRU
// order. Callers must hold the mutex.
func (l *Limiter) state(domain string) *domainState {
	if st, ok := l.domains[domain]; ok {
		l.lru.MoveToFront(st.elem)
		return st
	}
	st := &domainState{domain: domain}
	st.elem = l.lru.PushFront(st)
	l.domains[domain] = st
	for len(l.domains) > l.cfg.MaxDomains {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		evicted := l.lru.Remove(oldest).(*domainState)
		delete(l.domains, evicted.domain)
	}
	return st
}

// Sleep pauses for the delay, waking early on context cancellation. Callers
// use it to honor backoff delays without blocking past cancellation.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomJitter returns a uniform random duration in [0, limit).
func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlstack/dispatch/internal/sysmem"
)

// ErrMemoryPressure is returned by MemoryAdaptive.Acquire when a task waited
// out its admission window under sustained memory pressure. It marks a local
// resource condition, never retried like a remote overload signal.
var ErrMemoryPressure = errors.New("memory pressure: admission wait timed out")

// Admission grants the right for one task to run concurrently. Built-in and
// user-defined policies satisfy the same contract.
type Admission interface {
	// Acquire blocks until a slot is granted, the context is canceled, or the
	// policy gives up (e.g. memory wait timeout).
	Acquire(ctx context.Context, taskID string) error
	// Release returns a previously acquired slot. Must be called exactly once
	// per successful Acquire.
	Release()
}

// Semaphore admits up to a fixed count of concurrent tasks. It has no memory
// awareness; use it when the host environment already constrains resources.
type Semaphore struct {
	permits chan struct{}
}

const defaultSemaphorePermits = 20

// NewSemaphore creates a Semaphore admitting up to maxPermits tasks at once.
// Non-positive values fall back to the default of 20.
func NewSemaphore(maxPermits int) *Semaphore {
	if maxPermits <= 0 {
		maxPermits = defaultSemaphorePermits
	}
	return &Semaphore{permits: make(chan struct{}, maxPermits)}
}

// Acquire blocks until a permit is free or the context is canceled.
func (s *Semaphore) Acquire(ctx context.Context, _ string) error {
	select {
	case s.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("admission wait: %w", ctx.Err())
	}
}

// Release frees a permit.
func (s *Semaphore) Release() {
	<-s.permits
}

// MemoryAdaptiveConfig tunes the memory-gated admission policy.
type MemoryAdaptiveConfig struct {
	// MemoryThresholdPercent is the system memory utilization ceiling; tasks
	// are only admitted while utilization is below it. Defaults to 90.
	MemoryThresholdPercent float64
	// CheckInterval is the polling cadence while waiting. Defaults to 1s.
	CheckInterval time.Duration
	// MaxSessionPermit caps concurrently admitted tasks regardless of memory.
	// Defaults to 10.
	MaxSessionPermit int
	// MemoryWaitTimeout bounds the time a task may wait for admission; zero
	// or less disables the bound. Defaults to 5 minutes when negative.
	MemoryWaitTimeout time.Duration
}

const (
	defaultMemoryThreshold   = 90.0
	defaultCheckInterval     = time.Second
	defaultMaxSessionPermit  = 10
	defaultMemoryWaitTimeout = 5 * time.Minute
)

func (c MemoryAdaptiveConfig) withDefaults() MemoryAdaptiveConfig {
	if c.MemoryThresholdPercent <= 0 {
		c.MemoryThresholdPercent = defaultMemoryThreshold
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.MaxSessionPermit <= 0 {
		c.MaxSessionPermit = defaultMaxSessionPermit
	}
	if c.MemoryWaitTimeout < 0 {
		c.MemoryWaitTimeout = defaultMemoryWaitTimeout
	}
	return c
}

// MemoryAdaptive admits new tasks only while memory headroom exists: a task
// needs both a free permit and utilization below the threshold. The
// threshold guards against gradual memory creep in the fetch operations; the
// hard permit cap guards against plain over-concurrency.
type MemoryAdaptive struct {
	cfg     MemoryAdaptiveConfig
	sampler sysmem.Sampler
	permits chan struct{}
	logger  *zap.Logger
}

// NewMemoryAdaptive creates the memory-gated policy.
func NewMemoryAdaptive(cfg MemoryAdaptiveConfig, sampler sysmem.Sampler, logger *zap.Logger) *MemoryAdaptive {
	cfg = cfg.withDefaults()
	if sampler == nil {
		sampler = sysmem.Fixed{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryAdaptive{
		cfg:     cfg,
		sampler: sampler,
		permits: make(chan struct{}, cfg.MaxSessionPermit),
		logger:  logger,
	}
}

// Acquire samples memory and takes a permit when both allow admission,
// re-checking every CheckInterval otherwise. After MemoryWaitTimeout it gives
// up with ErrMemoryPressure; the task is failed, not retried.
func (m *MemoryAdaptive) Acquire(ctx context.Context, taskID string) error {
	var expired <-chan time.Time
	if m.cfg.MemoryWaitTimeout > 0 {
		timeout := time.NewTimer(m.cfg.MemoryWaitTimeout)
		defer timeout.Stop()
		expired = timeout.C
	}
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if pct := m.sampler.UtilizationPercent(); pct < m.cfg.MemoryThresholdPercent {
			select {
			case m.permits <- struct{}{}:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("admission wait: %w", ctx.Err())
			case <-expired:
				return fmt.Errorf("%w after %s", ErrMemoryPressure, m.cfg.MemoryWaitTimeout)
			case <-ticker.C:
				// Re-sample memory before waiting on a permit again.
				continue
			}
		}
		m.logger.Debug("memory above threshold, holding admission",
			zap.String("task_id", taskID),
			zap.Float64("threshold_percent", m.cfg.MemoryThresholdPercent),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("admission wait: %w", ctx.Err())
		case <-expired:
			return fmt.Errorf("%w after %s", ErrMemoryPressure, m.cfg.MemoryWaitTimeout)
		case <-ticker.C:
		}
	}
}

// Release frees a permit.
func (m *MemoryAdaptive) Release() {
	<-m.permits
}

// Package monitor tracks the live state of dispatched tasks and renders it
// to pluggable displays on a background loop. The monitor is best-effort by
// contract: it is optional (a nil *Monitor is a no-op), and no error or panic
// inside a display may ever reach the dispatch path.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlstack/dispatch/internal/clock"
	"github.com/crawlstack/dispatch/internal/clock/system"
)

// Status is the lifecycle state of a tracked task.
type Status string

// Tracked task states. Valid transitions are queued -> in_progress ->
// {succeeded, failed}.
const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the task lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// TaskRecord is the monitor's view of one task.
type TaskRecord struct {
	ID       string
	URL      string
	Status   Status
	MemoryMB float64
	Start    time.Time
	End      time.Time
}

// Mode selects how displays render the tracked set.
type Mode string

// Render modes.
const (
	// ModeDetailed renders one row per task with live memory and timing.
	ModeDetailed Mode = "detailed"
	// ModeAggregated renders summary counts per status plus throughput.
	ModeAggregated Mode = "aggregated"
)

// Stats aggregates counts across the whole run, including evicted rows.
type Stats struct {
	Queued     int
	InProgress int
	Succeeded  int
	Failed     int
	Elapsed    time.Duration
	PerSecond  float64
}

// Completed returns the total number of finished tasks.
func (s Stats) Completed() int {
	return s.Succeeded + s.Failed
}

// View is the consistent, point-in-time value handed to displays.
type View struct {
	Mode    Mode
	At      time.Time
	Records []TaskRecord
	Stats   Stats
}

// Display renders a view. Implementations must tolerate being called from a
// single background goroutine at the configured interval.
type Display interface {
	Render(view View) error
}

// Config controls retention and rendering cadence.
type Config struct {
	// MaxVisibleRows caps the rows retained and rendered at once; oldest
	// completed rows are evicted first. Defaults to 15.
	MaxVisibleRows int
	// Mode selects detailed or aggregated rendering. Defaults to detailed.
	Mode Mode
	// RenderInterval is the cadence of the background render loop. Defaults
	// to 500ms.
	RenderInterval time.Duration
}

const (
	defaultMaxVisibleRows = 15
	defaultRenderInterval = 500 * time.Millisecond
)

// Monitor is a concurrency-safe registry of task records plus a render loop.
type Monitor struct {
	cfg      Config
	clk      clock.Clock
	logger   *zap.Logger
	displays []Display

	mu        sync.Mutex
	records   map[string]*TaskRecord
	order     []string
	started   time.Time
	succeeded int
	failed    int

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Monitor. Displays may be nil or empty; the registry still
// tracks state for Snapshot/Stats consumers such as the operator API.
func New(cfg Config, clk clock.Clock, logger *zap.Logger, displays ...Display) *Monitor {
	if cfg.MaxVisibleRows <= 0 {
		cfg.MaxVisibleRows = defaultMaxVisibleRows
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDetailed
	}
	if cfg.RenderInterval <= 0 {
		cfg.RenderInterval = defaultRenderInterval
	}
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		displays: append([]Display(nil), displays...),
		records:  make(map[string]*TaskRecord),
		started:  clk.Now(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register creates a queued record for the task. Safe for concurrent use.
func (m *Monitor) Register(taskID, url string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[taskID]; exists {
		return
	}
	m.records[taskID] = &TaskRecord{
		ID:     taskID,
		URL:    url,
		Status: StatusQueued,
	}
	m.order = append(m.order, taskID)
	m.evictLocked()
}

// UpdateStatus transitions the record and optionally refreshes its memory
// sample (memoryMB <= 0 leaves the previous sample in place). Transitioning
// into a terminal state stamps the end time.
func (m *Monitor) UpdateStatus(taskID string, status Status, memoryMB float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[taskID]
	if !ok {
		return
	}
	if rec.Status.Terminal() {
		return
	}
	now := m.clk.Now()
	if status == StatusInProgress && rec.Start.IsZero() {
		rec.Start = now
	}
	if memoryMB > 0 {
		rec.MemoryMB = memoryMB
	}
	rec.Status = status
	if status.Terminal() {
		rec.End = now
		if rec.Start.IsZero() {
			rec.Start = now
		}
		switch status {
		case StatusSucceeded:
			m.succeeded++
		case StatusFailed:
			m.failed++
		}
		m.evictLocked()
	}
}

// Snapshot returns a point-in-time copy of tracked records, oldest first,
// bounded by MaxVisibleRows. The copy is safe to render or serialize without
// holding the monitor lock.
func (m *Monitor) Snapshot() []TaskRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskRecord, 0, len(m.order))
	for _, id := range m.order {
		if rec, ok := m.records[id]; ok {
			out = append(out, *rec)
			if len(out) == m.cfg.MaxVisibleRows {
				break
			}
		}
	}
	return out
}

// Stats returns aggregate counts for the run, including evicted rows.
func (m *Monitor) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Succeeded: m.succeeded, Failed: m.failed}
	for _, rec := range m.records {
		switch rec.Status {
		case StatusQueued:
			st.Queued++
		case StatusInProgress:
			st.InProgress++
		}
	}
	st.Elapsed = m.clk.Now().Sub(m.started)
	if secs := st.Elapsed.Seconds(); secs > 0 {
		st.PerSecond = float64(st.Completed()) / secs
	}
	return st
}

// Start launches the background render loop. It returns immediately; call
// Stop to flush a final frame and halt the loop.
func (m *Monitor) Start() {
	if m == nil {
		return
	}
	if m.running.CompareAndSwap(false, true) {
		go m.run()
	}
}

// Stop halts the render loop after one final frame. Safe to call multiple
// times and on a monitor that was never started.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.running.Load() {
		<-m.doneCh
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.RenderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.render()
		case <-m.stopCh:
			m.render()
			return
		}
	}
}

func (m *Monitor) render() {
	view := View{
		Mode:    m.cfg.Mode,
		At:      m.clk.Now(),
		Records: m.Snapshot(),
		Stats:   m.Stats(),
	}
	for _, d := range m.displays {
		if d == nil {
			continue
		}
		m.renderOne(d, view)
	}
}

// renderOne isolates a single display: errors are logged and panics are
// recovered so observation can never fail the crawl.
func (m *Monitor) renderOne(d Display, view View) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("monitor display panicked", zap.Any("panic", r))
		}
	}()
	if err := d.Render(view); err != nil {
		m.logger.Warn("monitor display render failed", zap.Error(err))
	}
}

// evictLocked drops the oldest completed rows once the registry exceeds the
// visible-row cap. In-flight rows are never evicted.
func (m *Monitor) evictLocked() {
	if len(m.records) <= m.cfg.MaxVisibleRows {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		rec, ok := m.records[id]
		if !ok {
			continue
		}
		if len(m.records) > m.cfg.MaxVisibleRows && rec.Status.Terminal() {
			delete(m.records, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

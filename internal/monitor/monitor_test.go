package monitor

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureDisplay struct {
	mu    sync.Mutex
	views []View
}

func (d *captureDisplay) Render(view View) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.views = append(d.views, view)
	return nil
}

func (d *captureDisplay) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.views)
}

// TestLifecycleTransitions walks a record through its states and checks
// timing stamps.
func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	m := New(Config{}, clk, zap.NewNop())

	m.Register("t1", "https://example.com/a")
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, StatusQueued, snap[0].Status)

	m.UpdateStatus("t1", StatusInProgress, 12.5)
	clk.Advance(2 * time.Second)
	m.UpdateStatus("t1", StatusSucceeded, 14.0)

	snap = m.Snapshot()
	require.Equal(t, StatusSucceeded, snap[0].Status)
	require.Equal(t, 14.0, snap[0].MemoryMB)
	require.Equal(t, 2*time.Second, snap[0].End.Sub(snap[0].Start))
}

// TestTerminalStateIsFrozen checks updates after completion are ignored.
func TestTerminalStateIsFrozen(t *testing.T) {
	t.Parallel()

	m := New(Config{}, newFakeClock(), zap.NewNop())
	m.Register("t1", "https://example.com")
	m.UpdateStatus("t1", StatusInProgress, 0)
	m.UpdateStatus("t1", StatusFailed, 0)
	m.UpdateStatus("t1", StatusSucceeded, 0)

	require.Equal(t, StatusFailed, m.Snapshot()[0].Status)
	st := m.Stats()
	require.Equal(t, 1, st.Failed)
	require.Zero(t, st.Succeeded)
}

// TestUpdateUnknownTaskIsNoop ensures updates for unregistered IDs are safe.
func TestUpdateUnknownTaskIsNoop(t *testing.T) {
	t.Parallel()

	m := New(Config{}, newFakeClock(), zap.NewNop())
	m.UpdateStatus("ghost", StatusSucceeded, 1)
	require.Empty(t, m.Snapshot())
	require.Zero(t, m.Stats().Succeeded)
}

// TestEvictionDropsOldestCompleted verifies the visible-row cap evicts
// completed rows first while keeping in-flight rows.
func TestEvictionDropsOldestCompleted(t *testing.T) {
	t.Parallel()

	m := New(Config{MaxVisibleRows: 3}, newFakeClock(), zap.NewNop())
	for i := range 3 {
		id := fmt.Sprintf("done-%d", i)
		m.Register(id, "https://example.com")
		m.UpdateStatus(id, StatusInProgress, 0)
		m.UpdateStatus(id, StatusSucceeded, 0)
	}
	m.Register("live-1", "https://example.com")
	m.UpdateStatus("live-1", StatusInProgress, 0)
	m.Register("live-2", "https://example.com")

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	ids := make([]string, 0, len(snap))
	for _, rec := range snap {
		ids = append(ids, rec.ID)
	}
	require.NotContains(t, ids, "done-0")
	require.NotContains(t, ids, "done-1")
	require.Contains(t, ids, "live-1")
	require.Contains(t, ids, "live-2")

	// Aggregates still count evicted completions.
	require.Equal(t, 3, m.Stats().Succeeded)
}

// TestSnapshotIsACopy checks mutations after Snapshot are not visible in it.
func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	m := New(Config{}, newFakeClock(), zap.NewNop())
	m.Register("t1", "https://example.com")
	snap := m.Snapshot()
	m.UpdateStatus("t1", StatusInProgress, 50)

	require.Equal(t, StatusQueued, snap[0].Status)
	require.Zero(t, snap[0].MemoryMB)
}

// TestConcurrentRegisterAndUpdate exercises the registry under contention.
func TestConcurrentRegisterAndUpdate(t *testing.T) {
	t.Parallel()

	m := New(Config{MaxVisibleRows: 100}, newFakeClock(), zap.NewNop())
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			m.Register(id, "https://example.com")
			m.UpdateStatus(id, StatusInProgress, 1)
			m.UpdateStatus(id, StatusSucceeded, 1)
		}(i)
	}
	wg.Wait()

	st := m.Stats()
	require.Equal(t, 50, st.Succeeded)
	require.Zero(t, st.InProgress)
}

// TestRenderLoopDeliversFrames ensures the background loop renders and a
// final frame is flushed on Stop.
func TestRenderLoopDeliversFrames(t *testing.T) {
	t.Parallel()

	display := &captureDisplay{}
	m := New(Config{RenderInterval: 10 * time.Millisecond}, nil, zap.NewNop(), display)
	m.Register("t1", "https://example.com")
	m.Start()

	require.Eventually(t, func() bool {
		return display.Count() > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	final := display.Count()
	require.Positive(t, final)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, final, display.Count())
}

type explodingDisplay struct{}

func (explodingDisplay) Render(View) error {
	panic("render exploded")
}

type failingDisplay struct{}

func (failingDisplay) Render(View) error {
	return errors.New("render failed")
}

// TestDisplayFailuresAreContained asserts panicking or failing displays never
// escape the monitor, and healthy displays keep rendering.
func TestDisplayFailuresAreContained(t *testing.T) {
	t.Parallel()

	healthy := &captureDisplay{}
	m := New(
		Config{RenderInterval: 10 * time.Millisecond},
		nil,
		zap.NewNop(),
		explodingDisplay{},
		failingDisplay{},
		healthy,
	)
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return healthy.Count() >= 2
	}, time.Second, 5*time.Millisecond)
}

// TestNilMonitorIsNoop confirms dispatchers can run without observation.
func TestNilMonitorIsNoop(t *testing.T) {
	t.Parallel()

	var m *Monitor
	m.Register("t1", "https://example.com")
	m.UpdateStatus("t1", StatusSucceeded, 1)
	m.Start()
	m.Stop()
	require.Nil(t, m.Snapshot())
	require.Zero(t, m.Stats().Succeeded)
}

// TestStatsThroughput checks completion-rate accounting against the clock.
func TestStatsThroughput(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	m := New(Config{}, clk, zap.NewNop())
	for i := range 4 {
		id := fmt.Sprintf("t%d", i)
		m.Register(id, "https://example.com")
		m.UpdateStatus(id, StatusInProgress, 0)
		m.UpdateStatus(id, StatusSucceeded, 0)
	}
	clk.Advance(2 * time.Second)

	st := m.Stats()
	require.Equal(t, 4, st.Succeeded)
	require.InDelta(t, 2.0, st.PerSecond, 0.01)
}

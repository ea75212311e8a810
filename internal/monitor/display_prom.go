package monitor

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromDisplay exports monitor state via Prometheus. It owns all collectors
// for task status gauges, completion counters, and task duration.
type PromDisplay struct {
	tasksByStatus *prometheus.GaugeVec
	completed     *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	memoryMB      prometheus.Gauge

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewPromDisplay registers the collectors against the provided registry. A
// nil registerer falls back to the default registry.
func NewPromDisplay(reg prometheus.Registerer) (*PromDisplay, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	d := &PromDisplay{
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_tasks",
			Help: "Current number of tracked tasks partitioned by status.",
		}, []string{"status"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_completed_total",
			Help: "Total completed tasks partitioned by result.",
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Wall time per completed task.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		memoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_inflight_memory_mb",
			Help: "Sum of the latest memory samples of in-flight tasks.",
		}),
		seen: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		d.tasksByStatus,
		d.completed,
		d.taskDuration,
		d.memoryMB,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register monitor collector: %w", err)
		}
	}
	return d, nil
}

// Render updates the collectors from the view. Completion counters and the
// duration histogram are advanced once per task, keyed by task ID.
func (d *PromDisplay) Render(view View) error {
	d.tasksByStatus.WithLabelValues(string(StatusQueued)).Set(float64(view.Stats.Queued))
	d.tasksByStatus.WithLabelValues(string(StatusInProgress)).Set(float64(view.Stats.InProgress))
	d.tasksByStatus.WithLabelValues(string(StatusSucceeded)).Set(float64(view.Stats.Succeeded))
	d.tasksByStatus.WithLabelValues(string(StatusFailed)).Set(float64(view.Stats.Failed))

	var inflightMB float64
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range view.Records {
		if rec.Status == StatusInProgress {
			inflightMB += rec.MemoryMB
		}
		if !rec.Status.Terminal() {
			continue
		}
		if _, ok := d.seen[rec.ID]; ok {
			continue
		}
		d.seen[rec.ID] = struct{}{}
		result := "success"
		if rec.Status == StatusFailed {
			result = "error"
		}
		d.completed.WithLabelValues(result).Inc()
		if !rec.Start.IsZero() && !rec.End.IsZero() {
			d.taskDuration.Observe(rec.End.Sub(rec.Start).Seconds())
		}
	}
	d.memoryMB.Set(inflightMB)
	return nil
}

// Package dispatch drives large batches of independent fetch operations under
// an admission policy, with per-domain pacing/backoff and optional live
// monitoring. The fetch operation itself is opaque: callers supply a FetchFunc
// and the dispatcher only interprets its success flag and status code.
package dispatch

import (
	"net/url"
	"strings"
	"time"
)

// Task is an opaque unit of work identified by a target URL. It is immutable
// once submitted; the dispatcher only reads it.
type Task struct {
	// ID identifies the task in results and the monitor. When empty, the
	// runner assigns a UUID.
	ID string
	// URL is the target of the fetch operation. Its host selects the
	// rate-limiter domain.
	URL string
	// Meta carries per-task configuration overrides for the fetch
	// collaborator; the dispatcher passes it through untouched.
	Meta map[string]string
}

// Domain extracts the rate-limiting key from the task URL. Unparseable URLs
// share the "unknown" bucket so they are still paced.
func (t Task) Domain() string {
	u, err := url.Parse(t.URL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Outcome is what the fetch collaborator returns for one attempt.
type Outcome struct {
	// Success reports whether the fetch completed usefully.
	Success bool
	// StatusCode is the HTTP-like status of the attempt; zero when unknown.
	StatusCode int
	// Payload passes through the dispatcher untouched.
	Payload []byte
	// Error holds the collaborator's failure description, empty on success.
	Error string
}

// Result is the per-task record handed to the caller when the task finishes,
// exactly once per submitted task.
type Result struct {
	// TaskID echoes the task identity.
	TaskID string `json:"task_id"`
	// URL echoes the task target.
	URL string `json:"url"`
	// MemoryMB is the last process memory sample taken while the task ran.
	MemoryMB float64 `json:"memory_mb"`
	// PeakMemoryMB is the highest sample observed; always >= MemoryMB.
	PeakMemoryMB float64 `json:"peak_memory_mb"`
	// StartTime/EndTime are wall-clock task bounds; EndTime >= StartTime.
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// Attempts counts fetch invocations for the task (1 + retries used).
	Attempts int `json:"attempts"`
	// StatusCode is the status of the final attempt, zero when unknown.
	StatusCode int `json:"status_code,omitempty"`
	// Error is empty on success.
	Error string `json:"error,omitempty"`
	// Payload is the final successful outcome's payload; nil on failure.
	Payload []byte `json:"-"`
}

// OK reports whether the task ultimately succeeded.
func (r Result) OK() bool {
	return r.Error == ""
}

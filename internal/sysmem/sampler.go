// Package sysmem samples process memory so the dispatcher can gate admission
// on memory headroom and report per-task usage.
package sysmem

import (
	"math"
	"runtime"
	"runtime/debug"
)

const bytesPerMB = 1024 * 1024

// Sampler reports memory pressure and process usage.
type Sampler interface {
	// UtilizationPercent returns heap usage as a percentage (0-100) of the
	// configured soft limit.
	UtilizationPercent() float64
	// ProcessMB returns the current heap allocation in megabytes.
	ProcessMB() float64
}

// RuntimeSampler measures heap usage against a soft memory limit. It uses
// runtime/debug.SetMemoryLimit (Go 1.19+) so the GC and the dispatcher agree
// on the same ceiling.
type RuntimeSampler struct {
	limitBytes int64
}

// NewRuntimeSampler creates a sampler with the given limit in MB. A limit of
// zero or less keeps the process's existing soft limit; if none is set the
// sampler reports zero utilization.
func NewRuntimeSampler(limitMB int64) *RuntimeSampler {
	var limitBytes int64
	if limitMB > 0 {
		limitBytes = limitMB * bytesPerMB
		debug.SetMemoryLimit(limitBytes)
	} else {
		// Read the current limit without changing it.
		limitBytes = debug.SetMemoryLimit(-1)
		if limitBytes == math.MaxInt64 {
			limitBytes = 0
		}
	}
	return &RuntimeSampler{limitBytes: limitBytes}
}

// UtilizationPercent returns heap usage relative to the soft limit.
func (s *RuntimeSampler) UtilizationPercent() float64 {
	if s.limitBytes <= 0 {
		return 0
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	// HeapAlloc reflects memory actually in use, not reserved address space.
	return float64(stats.HeapAlloc) / float64(s.limitBytes) * 100
}

// ProcessMB returns the current heap allocation in MB.
func (s *RuntimeSampler) ProcessMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / bytesPerMB
}

// Fixed is a Sampler returning constant readings; used in tests and as a
// stand-in when memory gating is disabled.
type Fixed struct {
	Percent float64
	MB      float64
}

// UtilizationPercent returns the configured percentage.
func (f Fixed) UtilizationPercent() float64 {
	return f.Percent
}

// ProcessMB returns the configured megabyte reading.
func (f Fixed) ProcessMB() float64 {
	return f.MB
}

package sysmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRuntimeSamplerReportsUsage checks the sampler yields sane readings when
// a limit is configured.
func TestRuntimeSamplerReportsUsage(t *testing.T) {
	sampler := NewRuntimeSampler(4096)

	pct := sampler.UtilizationPercent()
	require.GreaterOrEqual(t, pct, 0.0)
	require.Less(t, pct, 100.0)

	mb := sampler.ProcessMB()
	require.Greater(t, mb, 0.0)
}

// TestRuntimeSamplerNoLimit verifies utilization is zero without a soft limit.
func TestRuntimeSamplerNoLimit(t *testing.T) {
	sampler := &RuntimeSampler{limitBytes: 0}
	require.Zero(t, sampler.UtilizationPercent())
}

// TestFixedSampler exercises the constant sampler used by tests and wiring.
func TestFixedSampler(t *testing.T) {
	t.Parallel()

	f := Fixed{Percent: 99, MB: 128}
	require.Equal(t, 99.0, f.UtilizationPercent())
	require.Equal(t, 128.0, f.ProcessMB())
}

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestCounter.WithLabelValues("user", "success").Inc()
	m.PairsMatched.Inc()
	m.PairsExpired.Inc()
	m.ProtocolErrors.Inc()
	m.StreamDuration.WithLabelValues("claude-sonnet-4").Observe(1.5)
	m.RecordUsage(100, 50, 2000, 0)

	if got := testutil.ToFloat64(m.RequestCounter.WithLabelValues("user", "success")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PairsExpired); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("cache_read")); got != 2000 {
		t.Errorf("cache_read tokens = %v, want 2000", got)
	}
}

func TestRecordUsage_SkipsZeroCacheSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordUsage(10, 5, 0, 0)
	if got := testutil.CollectAndCount(m.TokensUsed); got != 2 {
		t.Errorf("series count = %d, want 2 (input, output only)", got)
	}
}

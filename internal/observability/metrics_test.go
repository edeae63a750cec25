package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"stexchange/internal/observability"
)

// Metrics register against the default registry, so they are constructed
// once for the whole test binary.
func TestMetricsRegisterAndRecord(t *testing.T) {
	m := observability.NewMetrics()

	// The cursor gauge is a scalar tracking the most recent settlement call;
	// computation ids never become label values.
	m.SettleCursorPosition.Set(25)
	if got := testutil.ToFloat64(m.SettleCursorPosition); got != 25 {
		t.Errorf("cursor position = %v, want 25", got)
	}
	m.SettleCursorPosition.Set(3)
	if got := testutil.ToFloat64(m.SettleCursorPosition); got != 3 {
		t.Errorf("cursor position = %v, want 3", got)
	}

	m.CoreCommandsApplied.WithLabelValues("Deposit").Inc()
	if got := testutil.ToFloat64(m.CoreCommandsApplied.WithLabelValues("Deposit")); got != 1 {
		t.Errorf("commands applied = %v, want 1", got)
	}

	m.SetChannelMetrics("persist", 5, 10)
	if got := testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.5 {
		t.Errorf("channel utilization = %v, want 0.5", got)
	}
}

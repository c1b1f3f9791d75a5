package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	tests := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"MessagesProcessedTotal", MessagesProcessedTotal},
		{"MessagesClassifiedTotal", MessagesClassifiedTotal},
		{"ProcessDurationSeconds", ProcessDurationSeconds},
		{"ScanCyclesTotal", ScanCyclesTotal},
		{"JobsDispatchedTotal", JobsDispatchedTotal},
		{"ClaimsTotal", ClaimsTotal},
		{"ScanDurationSeconds", ScanDurationSeconds},
		{"JobRedeliveriesTotal", JobRedeliveriesTotal},
		{"JobsFailedTotal", JobsFailedTotal},
		{"ActiveWorkersGauge", ActiveWorkersGauge},
		{"APIRequestDurationSeconds", APIRequestDurationSeconds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("expected %s to be registered, got nil", tt.name)
			}
		})
	}
}

func TestMessagesProcessedIncrement(t *testing.T) {
	before := testutil.ToFloat64(MessagesProcessedTotal.WithLabelValues("analyzed"))
	MessagesProcessedTotal.WithLabelValues("analyzed").Inc()
	after := testutil.ToFloat64(MessagesProcessedTotal.WithLabelValues("analyzed"))

	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, grew by %v", after-before)
	}
}

func TestGaugeSetOperations(t *testing.T) {
	ActiveWorkersGauge.Set(3)
	ActiveWorkersGauge.Inc()
	ActiveWorkersGauge.Dec()

	if got := testutil.ToFloat64(ActiveWorkersGauge); got != 3 {
		t.Errorf("expected gauge 3, got %v", got)
	}
	ActiveWorkersGauge.Set(0)
}

func TestHistogramObserve(t *testing.T) {
	ProcessDurationSeconds.Observe(0.2)
	APIRequestDurationSeconds.WithLabelValues("/stats", "200").Observe(0.01)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/kalambet/respond/internal/failure"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("writing metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordFailure(failure.Classification{Kind: failure.ResourceExpired})
	r.RecordFailure(failure.Classification{Kind: failure.ResourceExpired})
	r.RecordOutcome("recovered", 1)
	r.BackgroundTransition("completed")
	r.BackgroundPollError()

	if got := counterValue(t, r.FailuresTotal.WithLabelValues("resource_expired")); got != 2 {
		t.Errorf("failures = %v, want 2", got)
	}
	if got := counterValue(t, r.ExecutionsTotal.WithLabelValues("recovered")); got != 1 {
		t.Errorf("executions = %v, want 1", got)
	}
	if got := counterValue(t, r.BackgroundTransitionsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := counterValue(t, r.BackgroundPollErrorsTotal); got != 1 {
		t.Errorf("poll errors = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("registered families = %d, want 5", len(families))
	}
}

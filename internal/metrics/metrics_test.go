package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	EventsProcessed.WithLabelValues("billing", "applied").Inc()
	EventsProcessed.WithLabelValues("billing", "applied").Inc()
	EventsProcessed.WithLabelValues("deposit", "duplicate").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var events *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "entitlement_events_processed_total" {
			events = mf
		}
	}
	if events == nil {
		t.Fatal("events_processed_total not gathered")
	}

	total := 0.0
	for _, m := range events.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	if total < 3 {
		t.Errorf("expected at least 3 counted events, got %v", total)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	Register(reg)
}

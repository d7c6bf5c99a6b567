package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/kilianp07/roadside/core/metrics"
	"github.com/kilianp07/roadside/core/model"
)

func TestPromSink_RecordTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	sinkIf, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	sink, ok := sinkIf.(*PromSink)
	if !ok {
		t.Fatalf("expected PromSink")
	}
	if err := sink.RecordTransition(coremetrics.TransitionEvent{To: model.StatusArrived, Acknowledged: true, Latency: 150 * time.Millisecond}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if err := sink.RecordTransition(coremetrics.TransitionEvent{To: model.StatusArrived, Error: "timeout"}); err != nil {
		t.Fatalf("record error: %v", err)
	}

	expected := `
# HELP worker_transitions_total Job status transitions by target status and acknowledgment
# TYPE worker_transitions_total counter
worker_transitions_total{acknowledged="false",status="arrived"} 1
worker_transitions_total{acknowledged="true",status="arrived"} 1
`
	if err := testutil.CollectAndCompare(sink.transitions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
	if c := testutil.CollectAndCount(sink.latency); c != 1 {
		t.Errorf("expected one latency series, got %d", c)
	}
}

func TestPromSink_JobsAndConnectivity(t *testing.T) {
	sinkIf, err := NewPromSinkWithRegistry(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	sink := sinkIf.(*PromSink)

	_ = sink.RecordJob(coremetrics.JobEvent{Service: model.ServiceTowing, Outcome: "completed", Price: 100})
	_ = sink.RecordJob(coremetrics.JobEvent{Service: model.ServiceTowing, Outcome: "cancelled", Price: 50})
	if v := testutil.ToFloat64(sink.earnings); v != 100 {
		t.Errorf("earnings = %v, want 100", v)
	}
	if v := testutil.ToFloat64(sink.jobs.WithLabelValues("towing", "completed")); v != 1 {
		t.Errorf("completed jobs = %v", v)
	}

	_ = sink.RecordConnectivity(coremetrics.ConnectivityEvent{State: model.Connected})
	if v := testutil.ToFloat64(sink.connected); v != 1 {
		t.Errorf("connected gauge = %v", v)
	}
	_ = sink.RecordConnectivity(coremetrics.ConnectivityEvent{State: model.Reconnecting})
	if v := testutil.ToFloat64(sink.connected); v != 0 {
		t.Errorf("connected gauge = %v", v)
	}
}

func TestPromSink_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	_ = first.RecordTransition(coremetrics.TransitionEvent{To: model.StatusEnRoute, Acknowledged: true})
	v := testutil.ToFloat64(second.(*PromSink).transitions.WithLabelValues("enroute", "true"))
	if v != 1 {
		t.Fatalf("expected shared collector, got %v", v)
	}
}

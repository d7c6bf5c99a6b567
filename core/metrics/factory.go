package metrics

import (
	"fmt"
	"io"

	"github.com/kilianp07/roadside/core/factory"
)

var sinkRegistry = factory.NewRegistry[MetricsSink]()

// RegisterMetricsSink makes a sink backend selectable by name under
// metrics.sinks.
func RegisterMetricsSink(name string, f factory.Factory[MetricsSink]) error {
	return sinkRegistry.Register(name, f)
}

// NewMetricsSink builds the sink receiving a session's job, offer,
// connectivity and position samples. No entry yields a NopSink; several
// entries fan out through a MultiSink. Sinks already built are closed when a
// later entry fails.
func NewMetricsSink(cfgs []factory.ModuleConfig) (MetricsSink, error) {
	if len(cfgs) == 0 {
		return NopSink{}, nil
	}
	sinks := make([]MetricsSink, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := sinkRegistry.Create(c)
		if err != nil {
			for _, built := range sinks {
				if cl, ok := built.(io.Closer); ok {
					_ = cl.Close()
				}
			}
			return nil, fmt.Errorf("metrics sink %q: %w", c.Type, err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}

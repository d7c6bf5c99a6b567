// Package metrics defines the sinks that record job lifecycle metrics.
// Sinks implement MetricsSink and, optionally, the narrower recorder
// interfaces; several sinks are combined with NewMultiSink, which the
// factory does automatically when more than one sink is configured.
package metrics

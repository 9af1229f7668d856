package tlsclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// selectorMetrics holds the metric instruments for selection and probing.
type selectorMetrics struct {
	// probeDuration measures one HEAD probe in seconds.
	probeDuration metric.Float64Histogram

	// probeOutcomes counts probes by backend and outcome.
	probeOutcomes metric.Int64Counter

	// fallbackTransitions counts rebuilds driven by connect failures.
	fallbackTransitions metric.Int64Counter

	// cacheLookups counts cache consultations by result (hit, partial, miss).
	cacheLookups metric.Int64Counter
}

// newSelectorMetrics creates and registers metric instruments.
func newSelectorMetrics(meter metric.Meter) (*selectorMetrics, error) {
	m := &selectorMetrics{}
	var err error

	m.probeDuration, err = meter.Float64Histogram(
		"tlsclient.probe.duration",
		metric.WithDescription("Duration of reachability probes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.probeOutcomes, err = meter.Int64Counter(
		"tlsclient.probe.outcomes",
		metric.WithDescription("Number of probes by backend and outcome"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, err
	}

	m.fallbackTransitions, err = meter.Int64Counter(
		"tlsclient.fallback.transitions",
		metric.WithDescription("Number of client rebuilds triggered by connect-class probe failures"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheLookups, err = meter.Int64Counter(
		"tlsclient.cache.lookups",
		metric.WithDescription("Number of configuration cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordProbe records one probe's duration and outcome.
func (m *selectorMetrics) recordProbe(
	ctx context.Context,
	backend Backend,
	outcome probeOutcome,
	duration time.Duration,
) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tls.backend", backend.String()),
		attribute.String("probe.outcome", outcome.String()),
	)
	if m.probeDuration != nil {
		m.probeDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if m.probeOutcomes != nil {
		m.probeOutcomes.Add(ctx, 1, attrs)
	}
}

// recordTransition records one fallback table hop.
func (m *selectorMetrics) recordTransition(ctx context.Context, from, to Backend) {
	if m == nil || m.fallbackTransitions == nil {
		return
	}
	m.fallbackTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls.backend.from", from.String()),
		attribute.String("tls.backend.to", to.String()),
	))
}

// recordCacheLookup records a cache consultation result.
func (m *selectorMetrics) recordCacheLookup(ctx context.Context, result string) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.result", result),
	))
}

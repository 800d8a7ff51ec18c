package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-narrate/pipeline"

type metrics struct {
	meter    metric.Meter
	chunks   metric.Int64Counter
	seconds  metric.Float64Histogram
	progress metric.Float64ObservableGauge
}

func newMetrics() (*metrics, error) {
	m := &metrics{meter: otel.Meter(instrumentationName)}
	var err error
	m.chunks, err = m.meter.Int64Counter("narrate.chunks.total",
		metric.WithDescription("Chunks that reached a terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create chunk counter: %w", err)
	}
	m.seconds, err = m.meter.Float64Histogram("narrate.chunk.seconds",
		metric.WithDescription("Wall time spent synthesizing and converting one chunk"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.5, 1, 2.5, 5, 10, 20, 40, 80, 160),
	)
	if err != nil {
		return nil, fmt.Errorf("create chunk histogram: %w", err)
	}
	m.progress, err = m.meter.Float64ObservableGauge("narrate.run.progress",
		metric.WithDescription("Fraction of chunks finished in the active run"),
	)
	if err != nil {
		return nil, fmt.Errorf("create progress gauge: %w", err)
	}
	return m, nil
}

// observe reports p on the progress gauge until the returned func is called.
func (m *metrics) observe(p *progress) (func(), error) {
	if m == nil {
		return func() {}, nil
	}
	reg, err := m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveFloat64(m.progress, p.fraction(), metric.WithAttributes(attribute.String("run_id", p.runID)))
		return nil
	}, m.progress)
	if err != nil {
		return func() {}, err
	}
	return func() { _ = reg.Unregister() }, nil
}

func (m *metrics) recordChunk(ctx context.Context, status string, reused bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("reused", reused),
	))
	if !reused {
		m.seconds.Record(ctx, elapsed.Seconds())
	}
}

package jobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the otel scope of this package.
const InstrumentationName = "github.com/fyrsmithlabs/readyd/internal/jobs"

type metrics struct {
	submitted    metric.Int64Counter
	deduplicated metric.Int64Counter
	finished     metric.Int64Counter
	duration     metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &metrics{}
	var err error

	m.submitted, err = meter.Int64Counter("readyd.jobs.submitted",
		metric.WithDescription("Jobs created"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	m.deduplicated, err = meter.Int64Counter("readyd.jobs.deduplicated",
		metric.WithDescription("Requests answered with an existing job"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	m.finished, err = meter.Int64Counter("readyd.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal state"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("readyd.jobs.duration",
		metric.WithDescription("Time from claim to terminal state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordSubmitted(ctx context.Context, kind string, dedup bool) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if dedup {
		m.deduplicated.Add(ctx, 1, attrs)
		return
	}
	m.submitted.Add(ctx, 1, attrs)
}

func (m *metrics) recordFinished(ctx context.Context, kind string, class Classification, took time.Duration) {
	status := "completed"
	if class != ClassNone {
		status = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
		attribute.String("classification", string(class)),
	)
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

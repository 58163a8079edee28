package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/ToolForge/internal/domain/job"
)

const meterName = "toolforge"

// Metrics holds all ToolForge metric instruments.
type Metrics struct {
	JobsSubmitted metric.Int64Counter
	JobsFinished  metric.Int64Counter
	RateLimited   metric.Int64Counter
	JobDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.JobsSubmitted, err = meter.Int64Counter("toolforge.jobs.submitted",
		metric.WithDescription("Number of jobs accepted into the queue"))
	if err != nil {
		return nil, err
	}

	m.JobsFinished, err = meter.Int64Counter("toolforge.jobs.finished",
		metric.WithDescription("Number of jobs reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.RateLimited, err = meter.Int64Counter("toolforge.ratelimit.denied",
		metric.WithDescription("Number of requests denied by the rate limiter"))
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("toolforge.job.duration_seconds",
		metric.WithDescription("Job wall time from submission to terminal status"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTransition updates instruments for a job lifecycle event.
func (m *Metrics) RecordTransition(ctx context.Context, ev job.Event) {
	attrs := metric.WithAttributes(
		attribute.String("tool", ev.ToolID),
		attribute.String("status", string(ev.Status)),
	)
	switch {
	case ev.Status == job.StatusQueued:
		m.JobsSubmitted.Add(ctx, 1, attrs)
	case ev.Status.IsTerminal():
		m.JobsFinished.Add(ctx, 1, attrs)
		m.JobDuration.Record(ctx, ev.Duration.Seconds(), attrs)
	}
}

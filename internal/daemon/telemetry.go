package daemon

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/roach88/flatline/internal/daemon"

type instruments struct {
	tracer        trace.Tracer
	applied       metric.Int64Counter
	skipped       metric.Int64Counter
	batches       metric.Int64Counter
	retries       metric.Int64Counter
	failures      metric.Int64Counter
	batchDuration metric.Float64Histogram
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*instruments, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	ins := &instruments{tracer: tp.Tracer(instrumentationName)}

	var err error
	if ins.applied, err = meter.Int64Counter("flatline.events.applied",
		metric.WithDescription("Events that produced a row write."),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if ins.skipped, err = meter.Int64Counter("flatline.events.skipped",
		metric.WithDescription("Events skipped as no-ops or stale redeliveries."),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if ins.batches, err = meter.Int64Counter("flatline.batches.committed",
		metric.WithDescription("Committed batches."),
		metric.WithUnit("{batch}")); err != nil {
		return nil, err
	}
	if ins.retries, err = meter.Int64Counter("flatline.batches.retried",
		metric.WithDescription("Batch attempts that failed and were retried."),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if ins.failures, err = meter.Int64Counter("flatline.agents.errored",
		metric.WithDescription("Agents that moved to the errored state."),
		metric.WithUnit("{agent}")); err != nil {
		return nil, err
	}
	if ins.batchDuration, err = meter.Float64Histogram("flatline.batch.duration",
		metric.WithDescription("Time to write and commit one batch."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return ins, nil
}

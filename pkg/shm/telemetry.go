package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmseg/pkg/shm"

type telemetry struct {
	tracer trace.Tracer
	ops    metric.Int64Counter
	bytes  metric.Int64Counter
}

func newTelemetry(m metric.Meter, t trace.Tracer) *telemetry {
	if m == nil {
		m = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if t == nil {
		t = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	tel := &telemetry{tracer: t}
	var err error
	tel.ops, err = m.Int64Counter("shmseg.operations",
		metric.WithDescription("Segment operations by kind and result"))
	if err != nil {
		logger.Warnf("otel counter shmseg.operations: %v", err)
		tel.ops = metricnoop.Int64Counter{}
	}
	tel.bytes, err = m.Int64Counter("shmseg.bytes",
		metric.WithDescription("Payload bytes copied in and out of segments"),
		metric.WithUnit("By"))
	if err != nil {
		logger.Warnf("otel counter shmseg.bytes: %v", err)
		tel.bytes = metricnoop.Int64Counter{}
	}
	return tel
}

func (t *telemetry) start(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "shm."+op, trace.WithAttributes(attribute.String("shm.name", name)))
}

// finish ends span and counts the operation.
func (t *telemetry) finish(ctx context.Context, span trace.Span, op, name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	t.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("name", name),
		attribute.String("result", result),
	))
}

func (t *telemetry) addBytes(ctx context.Context, direction, name string, n int) {
	t.bytes.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("name", name),
	))
}

package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/architeacher/txtransport"
)

// instrumentation holds OpenTelemetry instruments for the transport.
type instrumentation struct {
	tracer trace.Tracer

	sendLatency    metric.Float64Histogram
	sendCount      metric.Int64Counter
	sendErrors     metric.Int64Counter
	receiveLatency metric.Float64Histogram
	receiveCount   metric.Int64Counter
	receiveEmpty   metric.Int64Counter
	receiveErrors  metric.Int64Counter
	rebuilds       metric.Int64Counter
}

func newInstrumentation(tp trace.TracerProvider, mp metric.MeterProvider) (*instrumentation, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	i := &instrumentation{tracer: tp.Tracer(instrumentationName)}
	meter := mp.Meter(instrumentationName)

	var err error

	i.sendLatency, err = meter.Float64Histogram(
		"txtransport.send.duration",
		metric.WithDescription("Duration of send operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	i.sendCount, err = meter.Int64Counter(
		"txtransport.send.count",
		metric.WithDescription("Number of messages enlisted for sending"),
	)
	if err != nil {
		return nil, err
	}

	i.sendErrors, err = meter.Int64Counter(
		"txtransport.send.errors",
		metric.WithDescription("Number of send errors"),
	)
	if err != nil {
		return nil, err
	}

	i.receiveLatency, err = meter.Float64Histogram(
		"txtransport.receive.duration",
		metric.WithDescription("Duration of receive operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	i.receiveCount, err = meter.Int64Counter(
		"txtransport.receive.count",
		metric.WithDescription("Number of messages received"),
	)
	if err != nil {
		return nil, err
	}

	i.receiveEmpty, err = meter.Int64Counter(
		"txtransport.receive.empty",
		metric.WithDescription("Number of receive operations that returned no message"),
	)
	if err != nil {
		return nil, err
	}

	i.receiveErrors, err = meter.Int64Counter(
		"txtransport.receive.errors",
		metric.WithDescription("Number of receive errors"),
	)
	if err != nil {
		return nil, err
	}

	i.rebuilds, err = meter.Int64Counter(
		"txtransport.handle.rebuilds",
		metric.WithDescription("Number of input queue handle rebuilds"),
	)
	if err != nil {
		return nil, err
	}

	return i, nil
}

// startSpan starts a span; the returned func ends it, recording err.
func (i *instrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := i.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		span.End()
	}
}

func (i *instrumentation) recordSend(ctx context.Context, duration time.Duration, destination string, err error) {
	attrs := metric.WithAttributes(attribute.String("destination", destination))

	i.sendLatency.Record(ctx, duration.Seconds(), attrs)
	i.sendCount.Add(ctx, 1, attrs)

	if err != nil {
		i.sendErrors.Add(ctx, 1, attrs)
	}
}

func (i *instrumentation) recordReceive(ctx context.Context, duration time.Duration, queue string, received bool, err error) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))

	i.receiveLatency.Record(ctx, duration.Seconds(), attrs)

	switch {
	case err != nil:
		i.receiveErrors.Add(ctx, 1, attrs)
	case received:
		i.receiveCount.Add(ctx, 1, attrs)
	default:
		i.receiveEmpty.Add(ctx, 1, attrs)
	}
}

func (i *instrumentation) recordRebuild(ctx context.Context, queue string) {
	i.rebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

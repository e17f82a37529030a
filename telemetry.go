package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/JQSC/mcp-server-hub"

// clientTelemetry records one span and a set of metrics per outbound request. With the
// default global providers every instrument is a no-op.
type clientTelemetry struct {
	tracer trace.Tracer

	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func newClientTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *clientTelemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion("1.0.0"))

	// Instrument creation only fails on invalid names, which these are not.
	requestCounter, _ := meter.Int64Counter(
		"mcp.client.requests",
		metric.WithDescription("Total number of requests sent"),
		metric.WithUnit("{request}"),
	)
	errorCounter, _ := meter.Int64Counter(
		"mcp.client.errors",
		metric.WithDescription("Total number of failed requests"),
		metric.WithUnit("{error}"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"mcp.client.request.duration",
		metric.WithDescription("Duration of requests from send to response"),
		metric.WithUnit("ms"),
	)

	return &clientTelemetry{
		tracer:          tp.Tracer(instrumentationName, trace.WithInstrumentationVersion("1.0.0")),
		requestCounter:  requestCounter,
		errorCounter:    errorCounter,
		requestDuration: requestDuration,
	}
}

// start opens the span for a request. The returned func must be called exactly once with
// the request's final error.
func (t *clientTelemetry) start(ctx context.Context, method string, id RequestID) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.method", method),
			attribute.Int64("mcp.request_id", int64(id)),
		),
	)

	attrs := []attribute.KeyValue{attribute.String("mcp.method", method)}
	t.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	startTime := time.Now()

	return ctx, func(err error) {
		defer span.End()

		t.requestDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metric.WithAttributes(attrs...))

		if err == nil {
			span.SetStatus(codes.Ok, "")
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			span.SetAttributes(attribute.Int("mcp.error_code", rpcErr.Code))
			attrs = append(attrs, attribute.Int("mcp.error_code", rpcErr.Code))
		}
		t.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

package sqlacc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/gandaldf/sqlacc"

// telemetry holds the tracer and metric instruments of an Engine. A nil
// tracer or meter disables the corresponding signal.
type telemetry struct {
	system string
	tracer trace.Tracer

	statements metric.Int64Counter
	duration   metric.Float64Histogram
	hits       metric.Int64Counter
	misses     metric.Int64Counter
	metrics    bool
}

func newTelemetry(d Dialect, c Config) *telemetry {
	t := &telemetry{system: dbSystem(d)}
	if c.Tracing {
		tp := c.TracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		t.tracer = tp.Tracer(instrumentationName)
	}
	if c.Metrics {
		mp := c.MeterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		meter := mp.Meter(instrumentationName)
		t.statements, _ = meter.Int64Counter(
			"sqlacc.statements",
			metric.WithDescription("Number of executed statements"),
		)
		t.duration, _ = meter.Float64Histogram(
			"sqlacc.statement.duration",
			metric.WithDescription("Duration of executed statements"),
			metric.WithUnit("s"),
		)
		t.hits, _ = meter.Int64Counter(
			"sqlacc.mapper.cache.hits",
			metric.WithDescription("Mapper cache hits"),
		)
		t.misses, _ = meter.Int64Counter(
			"sqlacc.mapper.cache.misses",
			metric.WithDescription("Mapper cache misses"),
		)
		t.metrics = true
	}
	return t
}

// dbSystem is the semantic-convention name of the dialect.
func dbSystem(d Dialect) string {
	switch d {
	case Postgres:
		return "postgresql"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "mssql"
	default:
		return "other_sql"
	}
}

// startSpan creates a span with the common database attributes.
func (t *telemetry) startSpan(ctx context.Context, operation, method, statement string) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, "sqlacc."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", t.system),
		attribute.String("db.operation", operation),
		attribute.String("sqlacc.method", method),
	)
	if statement != "" {
		span.SetAttributes(attribute.String("db.statement", statement))
	}
	return ctx, span
}

// finishSpan completes a span with error handling.
func (t *telemetry) finishSpan(span trace.Span, err error) {
	if t.tracer == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// recordStatement records the statement counter and duration histogram.
func (t *telemetry) recordStatement(ctx context.Context, operation, method string, d time.Duration, err error) {
	if !t.metrics {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	t.statements.Add(ctx, 1, attrs)
	t.duration.Record(ctx, d.Seconds(), attrs)
}

// recordLookup counts a mapper cache hit or miss for cache "site" or "global".
func (t *telemetry) recordLookup(ctx context.Context, cache string, hit bool) {
	if !t.metrics {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	if hit {
		t.hits.Add(ctx, 1, attrs)
	} else {
		t.misses.Add(ctx, 1, attrs)
	}
}

package telemetry

import (
	"context"
	"time"

	"github.com/italolelis/download_service/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attributes must stay low cardinality: statuses, operation and
// component names. Transfer IDs and URLs belong in logs, which carry transfer_id.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named after the operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
		t.RecordSystemError(component, operationName)
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// FinishFunc ends the instrumentation of a download with its terminal error and
// the number of bytes it buffered.
type FinishFunc func(err error, bytes int64)

// StartDownload marks a download as active and opens its span. The returned context
// carries the span, so transport client spans become its children. The FinishFunc
// must be called exactly once.
func (t *Telemetry) StartDownload(ctx context.Context) (context.Context, FinishFunc) {
	if t == nil {
		return ctx, func(error, int64) {}
	}

	start := time.Now()

	t.IncrementActiveDownloads()

	var span trace.Span
	if t.tracer != nil {
		ctx, span = t.tracer.Start(ctx, "download", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(attribute.String("component", "downloader"))
	}

	return ctx, func(err error, bytes int64) {
		status := transfer.Kind(err)

		t.DecrementActiveDownloads()
		t.RecordDownload(status, time.Since(start))
		t.RecordDownloadBytes(bytes)

		if span == nil {
			return
		}

		span.SetAttributes(
			attribute.String("status", status),
			attribute.Int64("download.bytes", bytes),
		)

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}
}

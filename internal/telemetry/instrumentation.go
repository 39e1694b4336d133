package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Span and metric attributes must stay bounded. Never attach user ids,
// fulfillment ids, resource ids, file paths or error messages as attributes;
// those belong in logs, which carry trace_id/span_id for correlation.
// Safe attributes are operation names, statuses, artifact kinds and
// path guard reasons.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
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
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(ctx, operation, status, time.Since(start))

	return err
}

// InstrumentFulfillment wraps the production of one artifact: it tracks the
// active job gauge, opens a span and records the outcome.
// fn returns the artifact size on success.
func (t *Telemetry) InstrumentFulfillment(ctx context.Context, artifactKind string, fn func(ctx context.Context) (int64, error)) (int64, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveFulfillments(ctx)
	defer t.DecrementActiveFulfillments(ctx)

	var size int64

	err := t.InstrumentOperation(ctx, "produce_artifact", "fulfillment", func(ctx context.Context) error {
		var err error

		size, err = fn(ctx)

		return err
	})

	status := "ready"
	if err != nil {
		status = "failed"
	}

	t.RecordFulfillment(ctx, artifactKind, status, time.Since(start), size)

	return size, err
}

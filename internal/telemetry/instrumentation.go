package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Span attributes and metric labels only carry bounded values: operation
// names, components and outcomes. Transfer ids, entity ids and callback URLs
// are unbounded and belong in logs, where the trace_id correlates them.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with a span.
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

// InstrumentDelivery wraps one outbound delivery attempt. fn reports the
// attempt outcome, which becomes the metric label.
func (t *Telemetry) InstrumentDelivery(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementDeliveriesInFlight(ctx)
	defer t.DecrementDeliveriesInFlight(ctx)

	var outcome string

	err := t.InstrumentOperation(ctx, "delivery_attempt", "engine", func(ctx context.Context) error {
		var err error

		outcome, err = fn(ctx)

		return err
	})

	if err != nil && outcome == "" {
		outcome = "error"
	}

	t.RecordDelivery(ctx, outcome, time.Since(start))

	return outcome, err
}

// InstrumentSchedulerCycle instruments a scheduler cycle.
func (t *Telemetry) InstrumentSchedulerCycle(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "scheduler_cycle", "scheduler", fn)

	status := "success"
	if err != nil {
		status = "error"

		t.RecordSystemError(ctx, "scheduler", "cycle")
	}

	t.RecordSchedulerCycle(ctx, status)

	return err
}

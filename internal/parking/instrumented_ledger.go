package parking

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedLedger wraps a SessionLedger with spans and OTel metrics for the
// entry, exit and settlement paths. Every other method passes through.
type InstrumentedLedger struct {
	*SessionLedger
	telemetry *TelemetryProvider

	// Metrics
	entryOperations   metric.Int64Counter
	exitOperations    metric.Int64Counter
	occupancyGauge    metric.Int64UpDownCounter
	feesCollected     metric.Int64Counter
	operationDuration metric.Float64Histogram
}

func NewInstrumentedLedger(ledger *SessionLedger, telemetry *TelemetryProvider) (*InstrumentedLedger, error) {
	meter := telemetry.Meter()

	entryOperations, err := meter.Int64Counter("parking_entry_operations_total",
		metric.WithDescription("Total number of entry operations"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	exitOperations, err := meter.Int64Counter("parking_exit_operations_total",
		metric.WithDescription("Total number of exit operations"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	occupancyGauge, err := meter.Int64UpDownCounter("parking_occupied_spaces",
		metric.WithDescription("Current number of occupied parking spaces"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	feesCollected, err := meter.Int64Counter("parking_fees_minor_units_total",
		metric.WithDescription("Session fees charged, in minor currency units"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram("parking_operation_duration_seconds",
		metric.WithDescription("Duration of ledger operations"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	il := &InstrumentedLedger{
		SessionLedger:     ledger,
		telemetry:         telemetry,
		entryOperations:   entryOperations,
		exitOperations:    exitOperations,
		occupancyGauge:    occupancyGauge,
		feesCollected:     feesCollected,
		operationDuration: operationDuration,
	}

	// Seed the gauge with spaces already occupied at startup.
	occupancyGauge.Add(context.Background(), int64(ledger.Pool().OccupiedCount()))

	return il, nil
}

func (il *InstrumentedLedger) OpenSession(ctx context.Context, plate string) (*Session, error) {
	ctx, span := il.telemetry.Tracer().Start(ctx, "ledger.open_session",
		trace.WithAttributes(attribute.String("vehicle.plate", plate)))
	defer span.End()

	start := time.Now()
	span.AddEvent("allocating_space")

	session, err := il.SessionLedger.OpenSession(ctx, plate)

	labels := []attribute.KeyValue{attribute.String("operation", "entry")}
	if err != nil {
		il.fail(span, err)
		labels = append(labels, attribute.String("status", outcome(err)))
	} else {
		labels = append(labels, attribute.String("status", "success"))
		span.SetAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("space.number", session.SpaceNumber),
		)
		span.AddEvent("space_allocated", trace.WithAttributes(
			attribute.String("space_number", session.SpaceNumber),
		))
		il.occupancyGauge.Add(ctx, 1)
	}

	il.entryOperations.Add(ctx, 1, metric.WithAttributes(labels...))
	il.operationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(labels...))

	return session, err
}

func (il *InstrumentedLedger) CloseSession(ctx context.Context, plate string) (*Session, error) {
	ctx, span := il.telemetry.Tracer().Start(ctx, "ledger.close_session",
		trace.WithAttributes(attribute.String("vehicle.plate", plate)))
	defer span.End()

	start := time.Now()
	span.AddEvent("releasing_space")

	session, err := il.SessionLedger.CloseSession(ctx, plate)

	labels := []attribute.KeyValue{attribute.String("operation", "exit")}
	if session != nil {
		// Closed, possibly with a payment error.
		span.SetAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("space.number", session.SpaceNumber),
			attribute.Int64("session.fee", session.Fee.Amount),
		)
		span.AddEvent("space_released")
		il.occupancyGauge.Add(ctx, -1)
		if session.Fee.IsPositive() {
			il.feesCollected.Add(ctx, session.Fee.Amount,
				metric.WithAttributes(attribute.String("currency", session.Fee.Currency)))
		}
	}
	if err != nil {
		il.fail(span, err)
		labels = append(labels, attribute.String("status", outcome(err)))
	} else {
		labels = append(labels, attribute.String("status", "success"))
	}

	il.exitOperations.Add(ctx, 1, metric.WithAttributes(labels...))
	il.operationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(labels...))

	return session, err
}

func (il *InstrumentedLedger) SettlePayment(ctx context.Context, sessionID string) (string, error) {
	ctx, span := il.telemetry.Tracer().Start(ctx, "ledger.settle_payment",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	start := time.Now()

	paymentID, err := il.SessionLedger.SettlePayment(ctx, sessionID)

	labels := []attribute.KeyValue{attribute.String("operation", "settle")}
	if err != nil {
		il.fail(span, err)
		labels = append(labels, attribute.String("status", outcome(err)))
	} else {
		labels = append(labels, attribute.String("status", "success"))
		span.SetAttributes(attribute.String("payment.id", paymentID))
	}

	il.operationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(labels...))

	return paymentID, err
}

func (il *InstrumentedLedger) Subscribe(ctx context.Context, plate string, from, to time.Time) (*Subscription, error) {
	ctx, span := il.telemetry.Tracer().Start(ctx, "ledger.subscribe",
		trace.WithAttributes(
			attribute.String("vehicle.plate", plate),
			attribute.String("subscription.start", from.Format(time.DateOnly)),
			attribute.String("subscription.end", to.Format(time.DateOnly)),
		))
	defer span.End()

	sub, err := il.SessionLedger.Subscribe(ctx, plate, from, to)
	if err != nil {
		il.fail(span, err)
	}
	if sub != nil {
		span.SetAttributes(attribute.String("subscription.id", sub.ID))
	}
	return sub, err
}

func (il *InstrumentedLedger) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// outcome is a low-cardinality status label for err.
func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNoSpaceAvailable):
		return "full"
	case errors.Is(err, ErrAlreadyParked):
		return "already_parked"
	case errors.Is(err, ErrVehicleUnregistered):
		return "unregistered"
	case errors.Is(err, ErrNoActiveSession):
		return "not_parked"
	case errors.Is(err, ErrPaymentNotRecorded):
		return "payment_failed"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "failed"
	}
}

package parking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type SubjectKind string

const (
	SubjectSession      SubjectKind = "session"
	SubjectSubscription SubjectKind = "subscription"
)

// PaymentSubject names what a payment settles: a session or a subscription.
type PaymentSubject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

func SessionSubject(id string) PaymentSubject {
	return PaymentSubject{Kind: SubjectSession, ID: id}
}

func SubscriptionSubject(id string) PaymentSubject {
	return PaymentSubject{Kind: SubjectSubscription, ID: id}
}

func (s PaymentSubject) String() string {
	return string(s.Kind) + ":" + s.ID
}

type Payment struct {
	ID             string         `json:"id"`
	Subject        PaymentSubject `json:"subject"`
	Amount         Money          `json:"amount"`
	Timestamp      time.Time      `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// PaymentRecorder writes payment events. Every payment carries an idempotency
// key so a retried record returns the original payment instead of charging
// twice.
type PaymentRecorder struct {
	store  PaymentStore
	logger *slog.Logger
}

func NewPaymentRecorder(store PaymentStore, logger *slog.Logger) *PaymentRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentRecorder{store: store, logger: logger}
}

// SessionKey is the idempotency key of a closed session's payment. The exit
// time is cut to microseconds, the precision it is stored with.
func SessionKey(session *Session) string {
	exit := session.ExitTime.UTC().Truncate(time.Microsecond)
	return fmt.Sprintf("session:%s:%s", session.ID, exit.Format(time.RFC3339Nano))
}

// SubscriptionKey is the idempotency key of a charge for one subscription window.
func SubscriptionKey(sub *Subscription) string {
	return fmt.Sprintf("subscription:%s:%s:%s", sub.ID,
		sub.StartDate.Format(time.DateOnly), sub.EndDate.Format(time.DateOnly))
}

// Record stores the payment for a closed session and returns its id.
func (r *PaymentRecorder) Record(ctx context.Context, session *Session, amount Money, at time.Time) (string, error) {
	if session.IsOpen() {
		return "", fmt.Errorf("%w: %s", ErrSessionOpen, session.ID)
	}
	return r.record(ctx, SessionSubject(session.ID), SessionKey(session), amount, at)
}

// ChargeSubscription stores a payment against a subscription window.
func (r *PaymentRecorder) ChargeSubscription(ctx context.Context, sub *Subscription, amount Money, at time.Time) (string, error) {
	return r.record(ctx, SubscriptionSubject(sub.ID), SubscriptionKey(sub), amount, at)
}

func (r *PaymentRecorder) ForSession(ctx context.Context, sessionID string) ([]*Payment, error) {
	payments, err := r.store.ListPaymentsBySubject(ctx, SessionSubject(sessionID))
	if err != nil {
		return nil, storageError("list payments", err)
	}
	return payments, nil
}

func (r *PaymentRecorder) ForSubscription(ctx context.Context, subscriptionID string) ([]*Payment, error) {
	payments, err := r.store.ListPaymentsBySubject(ctx, SubscriptionSubject(subscriptionID))
	if err != nil {
		return nil, storageError("list payments", err)
	}
	return payments, nil
}

// List returns payments with from <= timestamp < to.
func (r *PaymentRecorder) List(ctx context.Context, from, to time.Time) ([]*Payment, error) {
	payments, err := r.store.ListPayments(ctx, from, to)
	if err != nil {
		return nil, storageError("list payments", err)
	}
	return payments, nil
}

func (r *PaymentRecorder) record(ctx context.Context, subject PaymentSubject, key string, amount Money, at time.Time) (string, error) {
	payment := &Payment{
		ID:             uuid.NewString(),
		Subject:        subject,
		Amount:         amount,
		Timestamp:      at,
		IdempotencyKey: key,
	}

	stored, created, err := r.store.CreatePayment(ctx, payment)
	if err != nil {
		return "", storageError("create payment", err)
	}

	if !created {
		r.logger.InfoContext(ctx, "payment already recorded",
			slog.String("payment_id", stored.ID),
			slog.String("subject", subject.String()),
		)
		return stored.ID, nil
	}

	r.logger.InfoContext(ctx, "payment recorded",
		slog.String("payment_id", stored.ID),
		slog.String("subject", subject.String()),
		slog.String("amount", amount.String()),
	)
	return stored.ID, nil
}

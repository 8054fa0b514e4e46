package parking

import (
	"context"
	"time"
)

// VehicleDirectory resolves plates to vehicles. ResolveByPlate returns
// ErrVehicleUnregistered when the plate is unknown; Register returns the
// existing vehicle when the plate is already known.
type VehicleDirectory interface {
	ResolveByPlate(ctx context.Context, plate string) (*Vehicle, error)
	Register(ctx context.Context, plate, owner string) (*Vehicle, error)
}

type SpaceStore interface {
	ListSpaces(ctx context.Context) ([]Space, error)
	CreateSpace(ctx context.Context, space *Space) error
	UpdateSpaceState(ctx context.Context, id string, state SpaceState) error
	DeleteSpace(ctx context.Context, id string) error
}

// SessionStore persists sessions. CreateSession must return ErrAlreadyParked
// if the vehicle already has an open session; CloseSession must only update a
// session that is still open and return ErrNoActiveSession otherwise.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	CloseSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	FindOpenSession(ctx context.Context, vehicleID string) (*Session, error)
	ListOpenSessions(ctx context.Context) ([]*Session, error)
	ListSessionsByVehicle(ctx context.Context, vehicleID string) ([]*Session, error)
}

// SubscriptionStore persists subscriptions. CreateSubscription must return
// ErrAlreadySubscribed when the vehicle already has a record.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	FindSubscriptionByVehicle(ctx context.Context, vehicleID string) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]*Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// PaymentStore persists payments keyed by idempotency key. When a payment
// with the same key exists, CreatePayment returns it with created == false.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *Payment) (stored *Payment, created bool, err error)
	ListPaymentsBySubject(ctx context.Context, subject PaymentSubject) ([]*Payment, error)
	ListPayments(ctx context.Context, from, to time.Time) ([]*Payment, error)
}

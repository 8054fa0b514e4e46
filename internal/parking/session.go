package parking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one continuous occupancy of a space. ExitTime is nil while the
// session is open; once set the session is closed for good.
type Session struct {
	ID          string     `json:"id"`
	SpaceID     string     `json:"space_id"`
	SpaceNumber string     `json:"space_number"`
	VehicleID   string     `json:"vehicle_id"`
	Plate       string     `json:"plate"`
	EntryTime   time.Time  `json:"entry_time"`
	ExitTime    *time.Time `json:"exit_time,omitempty"`
	Fee         Money      `json:"fee"`
}

func (s *Session) IsOpen() bool {
	return s.ExitTime == nil
}

// Clone returns a copy that shares no pointers with s.
func (s *Session) Clone() *Session {
	c := *s
	if s.ExitTime != nil {
		exit := *s.ExitTime
		c.ExitTime = &exit
	}
	return &c
}

// Ledger is the surface the shell and the HTTP server drive. SessionLedger and
// InstrumentedLedger both implement it.
type Ledger interface {
	RegisterVehicle(ctx context.Context, plate, owner string) (*Vehicle, error)
	Vehicle(ctx context.Context, plate string) (*Vehicle, error)
	OpenSession(ctx context.Context, plate string) (*Session, error)
	CloseSession(ctx context.Context, plate string) (*Session, error)
	SettlePayment(ctx context.Context, sessionID string) (string, error)
	OpenSessions(ctx context.Context) ([]*Session, error)
	Session(ctx context.Context, id string) (*Session, error)
	History(ctx context.Context, plate string) ([]*Session, error)
	Now() time.Time
	DurationLabel(session *Session) string
	AmountDue(ctx context.Context, session *Session) (Money, error)
	Subscribe(ctx context.Context, plate string, start, end time.Time) (*Subscription, error)
	RenewSubscription(ctx context.Context, id string, start, end time.Time) (*Subscription, error)
	ExtendSubscription(ctx context.Context, id string, end time.Time) (*Subscription, error)
	CheckInvariants(ctx context.Context) error
	Pool() *SpacePool
	Subscriptions() *SubscriptionRegistry
	Payments() *PaymentRecorder
}

// Options holds the ledger's own settings. The monthly rate belongs to the
// SubscriptionRegistry.
type Options struct {
	HourlyRate Money
}

// SessionLedger orchestrates entry and exit. It holds every collaborator it
// needs; entry and exit for the same vehicle are serialized by a keyed lock.
type SessionLedger struct {
	pool          *SpacePool
	subscriptions *SubscriptionRegistry
	payments      *PaymentRecorder
	vehicles      VehicleDirectory
	sessions      SessionStore
	clock         Clock
	hourlyRate    Money
	logger        *slog.Logger

	locks keyedMutex
}

type LedgerDeps struct {
	Pool          *SpacePool
	Subscriptions *SubscriptionRegistry
	Payments      *PaymentRecorder
	Vehicles      VehicleDirectory
	Sessions      SessionStore
	Clock         Clock
	Logger        *slog.Logger
}

func NewSessionLedger(deps LedgerDeps, opts Options) *SessionLedger {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionLedger{
		pool:          deps.Pool,
		subscriptions: deps.Subscriptions,
		payments:      deps.Payments,
		vehicles:      deps.Vehicles,
		sessions:      deps.Sessions,
		clock:         clock,
		hourlyRate:    opts.HourlyRate,
		logger:        logger,
		locks:         keyedMutex{locks: make(map[string]*keyedLock)},
	}
}

func (l *SessionLedger) Pool() *SpacePool                      { return l.pool }
func (l *SessionLedger) Subscriptions() *SubscriptionRegistry { return l.subscriptions }
func (l *SessionLedger) Payments() *PaymentRecorder           { return l.payments }
func (l *SessionLedger) HourlyRate() Money                    { return l.hourlyRate }
func (l *SessionLedger) Now() time.Time                       { return l.clock.Now() }

// RegisterVehicle validates the plate and registers it, returning the existing
// vehicle when the plate is already known.
func (l *SessionLedger) RegisterVehicle(ctx context.Context, plate, owner string) (*Vehicle, error) {
	plate = NormalizePlate(plate)
	if err := ValidatePlate(plate); err != nil {
		return nil, err
	}
	vehicle, err := l.vehicles.Register(ctx, plate, owner)
	if err != nil {
		return nil, storageError("register vehicle", err)
	}
	return vehicle, nil
}

func (l *SessionLedger) Vehicle(ctx context.Context, plate string) (*Vehicle, error) {
	vehicle, err := l.vehicles.ResolveByPlate(ctx, NormalizePlate(plate))
	if err != nil {
		return nil, storageError("resolve vehicle", err)
	}
	return vehicle, nil
}

// OpenSession admits a vehicle: it allocates the lowest free space and opens a
// session on it. If the session cannot be stored the space is released again
// before the error is returned.
func (l *SessionLedger) OpenSession(ctx context.Context, plate string) (*Session, error) {
	vehicle, err := l.Vehicle(ctx, plate)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(vehicle.ID)
	defer unlock()

	_, err = l.sessions.FindOpenSession(ctx, vehicle.ID)
	switch {
	case err == nil:
		return nil, ErrAlreadyParked
	case !errors.Is(err, ErrNoActiveSession):
		return nil, storageError("find open session", err)
	}

	space, err := l.pool.AllocateFree(ctx)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:          uuid.NewString(),
		SpaceID:     space.ID,
		SpaceNumber: space.Number,
		VehicleID:   vehicle.ID,
		Plate:       vehicle.Plate,
		EntryTime:   l.clock.Now(),
		Fee:         Zero(l.hourlyRate.Currency),
	}

	if err := l.sessions.CreateSession(ctx, session); err != nil {
		undoCtx, cancel := compensationContext(ctx)
		defer cancel()
		if releaseErr := l.pool.Release(undoCtx, space.ID); releaseErr != nil {
			l.logger.ErrorContext(ctx, "compensating release failed",
				slog.String("space_id", space.ID),
				slog.String("error", releaseErr.Error()),
			)
		}
		return nil, storageError("create session", err)
	}

	l.logger.InfoContext(ctx, "session opened",
		slog.String("session_id", session.ID),
		slog.String("plate", session.Plate),
		slog.String("space", session.SpaceNumber),
	)
	return session, nil
}

// CloseSession ends the vehicle's open session. The space is released and the
// closure stored as one unit; the payment is recorded afterwards. A payment
// failure returns the closed session along with ErrPaymentNotRecorded, and
// SettlePayment can retry it.
func (l *SessionLedger) CloseSession(ctx context.Context, plate string) (*Session, error) {
	vehicle, err := l.Vehicle(ctx, plate)
	if errors.Is(err, ErrVehicleUnregistered) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(vehicle.ID)
	defer unlock()

	open, err := l.sessions.FindOpenSession(ctx, vehicle.ID)
	if err != nil {
		return nil, storageError("find open session", err)
	}

	exit := l.clock.Now()
	subscriber, err := l.subscriptions.IsValid(ctx, vehicle.ID, exit)
	if err != nil {
		return nil, err
	}

	fee, err := SessionFee(open.EntryTime, exit, l.hourlyRate, subscriber)
	if err != nil {
		l.logger.WarnContext(ctx, "session not billed",
			slog.String("session_id", open.ID),
			slog.String("error", err.Error()),
		)
	}

	closed := open.Clone()
	closed.ExitTime = &exit
	closed.Fee = fee

	commit := func(ctx context.Context) error {
		return l.sessions.CloseSession(ctx, closed)
	}
	err = l.pool.ReleaseWith(ctx, open.SpaceID, commit)
	if errors.Is(err, ErrSpaceNotOccupied) || errors.Is(err, ErrSpaceNotFound) {
		// The pool already lost track of this space; closing the session
		// brings the two back in line.
		l.logger.ErrorContext(ctx, "space out of sync with session",
			slog.String("session_id", open.ID),
			slog.String("space_id", open.SpaceID),
			slog.String("error", err.Error()),
		)
		err = commit(ctx)
	}
	if err != nil {
		return nil, storageError("close session", err)
	}

	l.logger.InfoContext(ctx, "session closed",
		slog.String("session_id", closed.ID),
		slog.String("plate", closed.Plate),
		slog.String("duration", l.DurationLabel(closed)),
		slog.String("fee", fee.String()),
		slog.Bool("subscriber", subscriber),
	)

	if fee.IsPositive() {
		if _, err := l.payments.Record(ctx, closed, fee, exit); err != nil {
			l.logger.ErrorContext(ctx, "payment not recorded",
				slog.String("session_id", closed.ID),
				slog.String("error", err.Error()),
			)
			return closed, fmt.Errorf("%w: session %s: %w", ErrPaymentNotRecorded, closed.ID, err)
		}
	}
	return closed, nil
}

// SettlePayment records the payment of a closed session if it is missing. It
// returns "" for sessions that owe nothing.
func (l *SessionLedger) SettlePayment(ctx context.Context, sessionID string) (string, error) {
	session, err := l.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.IsOpen() {
		return "", fmt.Errorf("%w: %s", ErrSessionOpen, session.ID)
	}
	if !session.Fee.IsPositive() {
		return "", nil
	}
	return l.payments.Record(ctx, session, session.Fee, *session.ExitTime)
}

// DurationLabel is the elapsed "HH:MM" from entry to exit, or to now while open.
func (l *SessionLedger) DurationLabel(session *Session) string {
	end := l.clock.Now()
	if session.ExitTime != nil {
		end = *session.ExitTime
	}
	return FormatDuration(end.Sub(session.EntryTime))
}

// AmountDue is the stored fee of a closed session or the live estimate of an
// open one.
func (l *SessionLedger) AmountDue(ctx context.Context, session *Session) (Money, error) {
	if !session.IsOpen() {
		return session.Fee, nil
	}
	now := l.clock.Now()
	subscriber, err := l.subscriptions.IsValid(ctx, session.VehicleID, now)
	if err != nil {
		return Money{}, err
	}
	return EstimatedFee(session.EntryTime, now, l.hourlyRate, subscriber), nil
}

func (l *SessionLedger) OpenSessions(ctx context.Context) ([]*Session, error) {
	sessions, err := l.sessions.ListOpenSessions(ctx)
	if err != nil {
		return nil, storageError("list open sessions", err)
	}
	return sessions, nil
}

func (l *SessionLedger) Session(ctx context.Context, id string) (*Session, error) {
	session, err := l.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, storageError("get session", err)
	}
	return session, nil
}

// History lists every session of the vehicle with the given plate.
func (l *SessionLedger) History(ctx context.Context, plate string) ([]*Session, error) {
	vehicle, err := l.Vehicle(ctx, plate)
	if err != nil {
		return nil, err
	}
	sessions, err := l.sessions.ListSessionsByVehicle(ctx, vehicle.ID)
	if err != nil {
		return nil, storageError("list sessions", err)
	}
	return sessions, nil
}

// Subscribe creates a subscription for the plate's vehicle and charges its
// total. A charge failure returns the subscription with ErrPaymentNotRecorded.
func (l *SessionLedger) Subscribe(ctx context.Context, plate string, start, end time.Time) (*Subscription, error) {
	vehicle, err := l.Vehicle(ctx, plate)
	if err != nil {
		return nil, err
	}
	sub, err := l.subscriptions.Create(ctx, vehicle.ID, start, end)
	if err != nil {
		return nil, err
	}
	return sub, l.charge(ctx, sub, sub.TotalAmount())
}

// RenewSubscription moves the window and charges any increase in total.
func (l *SessionLedger) RenewSubscription(ctx context.Context, id string, start, end time.Time) (*Subscription, error) {
	current, err := l.subscriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := current.TotalAmount()

	sub, err := l.subscriptions.Renew(ctx, id, start, end)
	if err != nil {
		return nil, err
	}
	return sub, l.charge(ctx, sub, sub.TotalAmount().Subtract(before))
}

// ExtendSubscription moves only the end date and charges any increase in
// total.
func (l *SessionLedger) ExtendSubscription(ctx context.Context, id string, end time.Time) (*Subscription, error) {
	current, err := l.subscriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := current.TotalAmount()

	sub, err := l.subscriptions.Extend(ctx, id, end)
	if err != nil {
		return nil, err
	}
	return sub, l.charge(ctx, sub, sub.TotalAmount().Subtract(before))
}

func (l *SessionLedger) charge(ctx context.Context, sub *Subscription, amount Money) error {
	if !amount.IsPositive() {
		return nil
	}
	if _, err := l.payments.ChargeSubscription(ctx, sub, amount, l.clock.Now()); err != nil {
		l.logger.ErrorContext(ctx, "subscription charge not recorded",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: subscription %s: %w", ErrPaymentNotRecorded, sub.ID, err)
	}
	return nil
}

// CheckInvariants verifies that the occupied count equals the open session
// count, that every open session holds an occupied space and that no vehicle
// has two open sessions.
func (l *SessionLedger) CheckInvariants(ctx context.Context) error {
	open, err := l.OpenSessions(ctx)
	if err != nil {
		return err
	}

	if occupied := l.pool.OccupiedCount(); occupied != len(open) {
		return fmt.Errorf("%w: %d occupied spaces, %d open sessions", ErrInvariantViolated, occupied, len(open))
	}

	vehicles := make(map[string]string, len(open))
	for _, s := range open {
		if other, ok := vehicles[s.VehicleID]; ok {
			return fmt.Errorf("%w: vehicle %s has sessions %s and %s open", ErrInvariantViolated, s.VehicleID, other, s.ID)
		}
		vehicles[s.VehicleID] = s.ID

		space, err := l.pool.Space(s.SpaceID)
		if err != nil || !space.IsOccupied() {
			return fmt.Errorf("%w: session %s holds space %s which is not occupied", ErrInvariantViolated, s.ID, s.SpaceNumber)
		}
	}
	return nil
}

// keyedMutex hands out one mutex per key, dropping it when no caller holds or
// waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

package parking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

var errDiskFull = errors.New("disk full")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore implements every collaborator interface in memory. The fail*
// fields inject errors into single operations.
type fakeStore struct {
	mu            sync.Mutex
	vehicles      map[string]*Vehicle
	spaces        map[string]Space
	sessions      map[string]*Session
	subscriptions map[string]*Subscription
	payments      map[string]*Payment

	failSpaceUpdate   error
	failCreateSession error
	failCloseSession  error
	failCreatePayment error

	// Hooks run before the matching write checks its context.
	beforeCreateSession func()
	beforeCloseSession  func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		vehicles:      make(map[string]*Vehicle),
		spaces:        make(map[string]Space),
		sessions:      make(map[string]*Session),
		subscriptions: make(map[string]*Subscription),
		payments:      make(map[string]*Payment),
	}
}

func (f *fakeStore) ResolveByPlate(_ context.Context, plate string) (*Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vehicles[plate]
	if !ok {
		return nil, ErrVehicleUnregistered
	}
	return v, nil
}

func (f *fakeStore) Register(_ context.Context, plate, owner string) (*Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vehicles[plate]; ok {
		return v, nil
	}
	v := NewVehicle("veh-"+plate, plate, owner)
	f.vehicles[v.Plate] = v
	return v, nil
}

func (f *fakeStore) ListSpaces(context.Context) ([]Space, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Space, 0, len(f.spaces))
	for _, s := range f.spaces {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) CreateSpace(_ context.Context, space *Space) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaces[space.ID] = *space
	return nil
}

func (f *fakeStore) UpdateSpaceState(ctx context.Context, id string, state SpaceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failSpaceUpdate != nil {
		return f.failSpaceUpdate
	}
	s := f.spaces[id]
	s.State = state
	f.spaces[id] = s
	return nil
}

func (f *fakeStore) DeleteSpace(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.spaces, id)
	return nil
}

func (f *fakeStore) CreateSession(ctx context.Context, session *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeCreateSession != nil {
		f.beforeCreateSession()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failCreateSession != nil {
		return f.failCreateSession
	}
	for _, s := range f.sessions {
		if s.VehicleID == session.VehicleID && s.IsOpen() {
			return ErrAlreadyParked
		}
	}
	f.sessions[session.ID] = session.Clone()
	return nil
}

func (f *fakeStore) CloseSession(ctx context.Context, session *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeCloseSession != nil {
		f.beforeCloseSession()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failCloseSession != nil {
		return f.failCloseSession
	}
	current, ok := f.sessions[session.ID]
	if !ok || !current.IsOpen() {
		return ErrNoActiveSession
	}
	f.sessions[session.ID] = session.Clone()
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (f *fakeStore) FindOpenSession(_ context.Context, vehicleID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.VehicleID == vehicleID && s.IsOpen() {
			return s.Clone(), nil
		}
	}
	return nil, ErrNoActiveSession
}

func (f *fakeStore) ListOpenSessions(context.Context) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Session
	for _, s := range f.sessions {
		if s.IsOpen() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) ListSessionsByVehicle(_ context.Context, vehicleID string) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Session
	for _, s := range f.sessions {
		if s.VehicleID == vehicleID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subscriptions {
		if s.VehicleID == sub.VehicleID {
			return ErrAlreadySubscribed
		}
	}
	c := *sub
	f.subscriptions[sub.ID] = &c
	return nil
}

func (f *fakeStore) UpdateSubscription(_ context.Context, sub *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscriptions[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	c := *sub
	f.subscriptions[sub.ID] = &c
	return nil
}

func (f *fakeStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	c := *s
	return &c, nil
}

func (f *fakeStore) FindSubscriptionByVehicle(_ context.Context, vehicleID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subscriptions {
		if s.VehicleID == vehicleID {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (f *fakeStore) ListSubscriptions(context.Context) ([]*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Subscription
	for _, s := range f.subscriptions {
		c := *s
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeStore) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscriptions[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(f.subscriptions, id)
	return nil
}

func (f *fakeStore) CreatePayment(_ context.Context, payment *Payment) (*Payment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreatePayment != nil {
		return nil, false, f.failCreatePayment
	}
	if existing, ok := f.payments[payment.IdempotencyKey]; ok {
		return existing, false, nil
	}
	f.payments[payment.IdempotencyKey] = payment
	return payment, true, nil
}

func (f *fakeStore) ListPaymentsBySubject(_ context.Context, subject PaymentSubject) ([]*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Payment
	for _, p := range f.payments {
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPayments(_ context.Context, from, to time.Time) ([]*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Payment
	for _, p := range f.payments {
		if !p.Timestamp.Before(from) && p.Timestamp.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) spaceState(id string) SpaceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spaces[id].State
}

func (f *fakeStore) paymentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payments)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mad(amount int64) Money { return NewMoney(amount, "mad") }

// testLedger wires a ledger over a fakeStore with n numbered spaces, hourly
// rate 5.00 and monthly rate 700.00.
type testLedger struct {
	*SessionLedger
	store *fakeStore
	clock *fakeClock
}

func newTestLedger(t *testing.T, spaces int) *testLedger {
	t.Helper()
	ctx := context.Background()
	store := newFakeStore()
	clock := newFakeClock(time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC))
	logger := discardLogger()

	pool := NewSpacePool(store)
	for i := 1; i <= spaces; i++ {
		if _, err := pool.AddSpace(ctx, strconv.Itoa(i)); err != nil {
			t.Fatalf("add space: %v", err)
		}
	}

	ledger := NewSessionLedger(LedgerDeps{
		Pool:          pool,
		Subscriptions: NewSubscriptionRegistry(store, mad(70000), logger),
		Payments:      NewPaymentRecorder(store, logger),
		Vehicles:      store,
		Sessions:      store,
		Clock:         clock,
		Logger:        logger,
	}, Options{HourlyRate: mad(500)})

	return &testLedger{SessionLedger: ledger, store: store, clock: clock}
}

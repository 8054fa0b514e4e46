package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-engine/internal/parking"
)

func TestRegisterReturnsExistingVehicle(t *testing.T) {
	ctx := context.Background()
	store := New()

	first, err := store.Register(ctx, "ab-123", "Karim")
	require.NoError(t, err)
	again, err := store.Register(ctx, "AB-123", "Other")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Karim", again.Owner)

	_, err = store.ResolveByPlate(ctx, "ZZ-999")
	assert.ErrorIs(t, err, parking.ErrVehicleUnregistered)
}

func TestSessionConstraints(t *testing.T) {
	ctx := context.Background()
	store := New()
	entry := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

	open := &parking.Session{ID: "s1", SpaceID: "sp1", VehicleID: "v1", EntryTime: entry}
	require.NoError(t, store.CreateSession(ctx, open))

	err := store.CreateSession(ctx, &parking.Session{ID: "s2", SpaceID: "sp2", VehicleID: "v1", EntryTime: entry})
	assert.ErrorIs(t, err, parking.ErrAlreadyParked)

	err = store.CreateSession(ctx, &parking.Session{ID: "s3", SpaceID: "sp1", VehicleID: "v2", EntryTime: entry})
	assert.ErrorIs(t, err, parking.ErrSpaceNotFree)

	exit := entry.Add(time.Hour)
	closed := open.Clone()
	closed.ExitTime = &exit
	require.NoError(t, store.CloseSession(ctx, closed))
	assert.ErrorIs(t, store.CloseSession(ctx, closed), parking.ErrNoActiveSession)

	_, err = store.FindOpenSession(ctx, "v1")
	assert.ErrorIs(t, err, parking.ErrNoActiveSession)

	// Mutating the caller's copy does not leak into the store.
	exit2 := exit.Add(time.Hour)
	closed.ExitTime = &exit2
	stored, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, exit, *stored.ExitTime)
}

func TestPaymentIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := New()

	p := &parking.Payment{ID: "p1", Subject: parking.SessionSubject("s1"), IdempotencyKey: "k1", Timestamp: time.Now()}
	stored, created, err := store.CreatePayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "p1", stored.ID)

	dup := &parking.Payment{ID: "p2", Subject: parking.SessionSubject("s1"), IdempotencyKey: "k1", Timestamp: time.Now()}
	stored, created, err = store.CreatePayment(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "p1", stored.ID)

	payments, err := store.ListPaymentsBySubject(ctx, parking.SessionSubject("s1"))
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestSpaceStore(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreateSpace(ctx, parking.NewSpace("a", "1")))
	assert.ErrorIs(t, store.CreateSpace(ctx, parking.NewSpace("b", "1")), parking.ErrSpaceExists)

	require.NoError(t, store.UpdateSpaceState(ctx, "a", parking.SpaceOccupied))
	assert.ErrorIs(t, store.DeleteSpace(ctx, "a"), parking.ErrSpaceNotFree)
	assert.ErrorIs(t, store.UpdateSpaceState(ctx, "missing", parking.SpaceFree), parking.ErrSpaceNotFound)
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

// The engine wired over the memory store: a non-subscriber parks for 90
// minutes at 5.00/hour.
func TestLedgerOverMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := New()
	clock := &stepClock{now: time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)}
	rate := parking.NewMoney(500, "mad")

	pool := parking.NewSpacePool(store)
	for _, n := range []string{"1", "2"} {
		_, err := pool.AddSpace(ctx, n)
		require.NoError(t, err)
	}

	ledger := parking.NewSessionLedger(parking.LedgerDeps{
		Pool:          pool,
		Subscriptions: parking.NewSubscriptionRegistry(store, parking.NewMoney(70000, "mad"), nil),
		Payments:      parking.NewPaymentRecorder(store, nil),
		Vehicles:      store,
		Sessions:      store,
		Clock:         clock,
	}, parking.Options{HourlyRate: rate})

	_, err := ledger.RegisterVehicle(ctx, "AB-123", "Karim")
	require.NoError(t, err)
	_, err = ledger.OpenSession(ctx, "AB-123")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.OccupiedCount())

	clock.now = clock.now.Add(90 * time.Minute)
	closed, err := ledger.CloseSession(ctx, "AB-123")
	require.NoError(t, err)
	assert.Equal(t, parking.NewMoney(1000, "mad"), closed.Fee)
	assert.Equal(t, 0, pool.OccupiedCount())

	payments, err := store.ListPayments(ctx, time.Time{}, clock.now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, int64(1000), payments[0].Amount.Amount)

	// A reloaded pool sees the persisted state.
	reloaded := parking.NewSpacePool(store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.FreeCount())
	assert.NoError(t, ledger.CheckInvariants(ctx))
}

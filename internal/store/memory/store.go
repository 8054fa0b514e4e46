// Package memory keeps every parking collaborator in process memory. It backs
// the CLI and tests and mirrors the constraints of the PostgreSQL schema.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"parking-engine/internal/parking"
)

var (
	_ parking.VehicleDirectory  = (*Store)(nil)
	_ parking.SpaceStore        = (*Store)(nil)
	_ parking.SessionStore      = (*Store)(nil)
	_ parking.SubscriptionStore = (*Store)(nil)
	_ parking.PaymentStore      = (*Store)(nil)
)

type Store struct {
	mu            sync.RWMutex
	vehicles      map[string]*parking.Vehicle // by plate
	spaces        map[string]parking.Space
	sessions      map[string]*parking.Session
	subscriptions map[string]*parking.Subscription
	payments      map[string]*parking.Payment // by idempotency key
}

func New() *Store {
	return &Store{
		vehicles:      make(map[string]*parking.Vehicle),
		spaces:        make(map[string]parking.Space),
		sessions:      make(map[string]*parking.Session),
		subscriptions: make(map[string]*parking.Subscription),
		payments:      make(map[string]*parking.Payment),
	}
}

func (s *Store) ResolveByPlate(_ context.Context, plate string) (*parking.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vehicles[parking.NormalizePlate(plate)]
	if !ok {
		return nil, parking.ErrVehicleUnregistered
	}
	c := *v
	return &c, nil
}

func (s *Store) Register(_ context.Context, plate, owner string) (*parking.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plate = parking.NormalizePlate(plate)
	if v, ok := s.vehicles[plate]; ok {
		c := *v
		return &c, nil
	}
	v := parking.NewVehicle(uuid.NewString(), plate, owner)
	s.vehicles[plate] = v
	c := *v
	return &c, nil
}

func (s *Store) ListSpaces(_ context.Context) ([]parking.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]parking.Space, 0, len(s.spaces))
	for _, space := range s.spaces {
		out = append(out, space)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) CreateSpace(_ context.Context, space *parking.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.spaces {
		if existing.Number == space.Number {
			return parking.ErrSpaceExists
		}
	}
	s.spaces[space.ID] = *space
	return nil
}

func (s *Store) UpdateSpaceState(_ context.Context, id string, state parking.SpaceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	space, ok := s.spaces[id]
	if !ok {
		return parking.ErrSpaceNotFound
	}
	space.State = state
	s.spaces[id] = space
	return nil
}

func (s *Store) DeleteSpace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	space, ok := s.spaces[id]
	if !ok {
		return parking.ErrSpaceNotFound
	}
	if space.IsOccupied() {
		return parking.ErrSpaceNotFree
	}
	delete(s.spaces, id)
	return nil
}

func (s *Store) CreateSession(_ context.Context, session *parking.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if !existing.IsOpen() {
			continue
		}
		if existing.VehicleID == session.VehicleID {
			return parking.ErrAlreadyParked
		}
		if existing.SpaceID == session.SpaceID {
			return parking.ErrSpaceNotFree
		}
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *Store) CloseSession(_ context.Context, session *parking.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.ID]
	if !ok || !current.IsOpen() {
		return parking.ErrNoActiveSession
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*parking.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, parking.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *Store) FindOpenSession(_ context.Context, vehicleID string) (*parking.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.VehicleID == vehicleID && session.IsOpen() {
			return session.Clone(), nil
		}
	}
	return nil, parking.ErrNoActiveSession
}

func (s *Store) ListOpenSessions(_ context.Context) ([]*parking.Session, error) {
	return s.listSessions(func(session *parking.Session) bool { return session.IsOpen() }), nil
}

func (s *Store) ListSessionsByVehicle(_ context.Context, vehicleID string) ([]*parking.Session, error) {
	return s.listSessions(func(session *parking.Session) bool { return session.VehicleID == vehicleID }), nil
}

// listSessions returns matching sessions ordered by entry time.
func (s *Store) listSessions(keep func(*parking.Session) bool) []*parking.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*parking.Session
	for _, session := range s.sessions {
		if keep(session) {
			out = append(out, session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

func (s *Store) CreateSubscription(_ context.Context, sub *parking.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subscriptions {
		if existing.VehicleID == sub.VehicleID {
			return parking.ErrAlreadySubscribed
		}
	}
	c := *sub
	s.subscriptions[sub.ID] = &c
	return nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *parking.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; !ok {
		return parking.ErrSubscriptionNotFound
	}
	c := *sub
	s.subscriptions[sub.ID] = &c
	return nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (*parking.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, parking.ErrSubscriptionNotFound
	}
	c := *sub
	return &c, nil
}

func (s *Store) FindSubscriptionByVehicle(_ context.Context, vehicleID string) (*parking.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.VehicleID == vehicleID {
			c := *sub
			return &c, nil
		}
	}
	return nil, parking.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context) ([]*parking.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*parking.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		c := *sub
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return parking.ErrSubscriptionNotFound
	}
	delete(s.subscriptions, id)
	return nil
}

func (s *Store) CreatePayment(_ context.Context, payment *parking.Payment) (*parking.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payments[payment.IdempotencyKey]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *payment
	s.payments[payment.IdempotencyKey] = &c
	return payment, true, nil
}

func (s *Store) ListPaymentsBySubject(_ context.Context, subject parking.PaymentSubject) ([]*parking.Payment, error) {
	return s.listPayments(func(p *parking.Payment) bool { return p.Subject == subject }), nil
}

func (s *Store) ListPayments(_ context.Context, from, to time.Time) ([]*parking.Payment, error) {
	return s.listPayments(func(p *parking.Payment) bool {
		return !p.Timestamp.Before(from) && p.Timestamp.Before(to)
	}), nil
}

func (s *Store) listPayments(keep func(*parking.Payment) bool) []*parking.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*parking.Payment
	for _, p := range s.payments {
		if keep(p) {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

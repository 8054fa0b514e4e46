package parking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Subscription is a flat-rate monthly pass. StartDate and EndDate are civil
// dates (midnight UTC) and EndDate is inclusive.
type Subscription struct {
	ID          string    `json:"id"`
	VehicleID   string    `json:"vehicle_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	MonthlyRate Money     `json:"monthly_rate"`
}

func (s *Subscription) DurationMonths() int {
	return MonthsBetween(s.StartDate, s.EndDate)
}

func (s *Subscription) TotalAmount() Money {
	return s.MonthlyRate.Multiply(int64(s.DurationMonths()))
}

// ValidAt reports whether the civil date of at falls inside the window.
func (s *Subscription) ValidAt(at time.Time) bool {
	day := DateOf(at)
	return !day.Before(s.StartDate) && !day.After(s.EndDate)
}

func (s *Subscription) ExpiredAt(at time.Time) bool {
	return DateOf(at).After(s.EndDate)
}

// MonthsBetween counts whole calendar months from start to end: the years and
// months of the civil period, remaining days dropped.
func MonthsBetween(start, end time.Time) int {
	sy, sm, sd := start.Date()
	ey, em, ed := end.Date()

	months := (ey*12 + int(em)) - (sy*12 + int(sm))
	switch {
	case months > 0 && ed < sd:
		months--
	case months < 0 && ed > sd:
		months++
	}
	return months
}

// AmountPaidToDate prorates a subscription by anniversary: a month counts as
// paid once today's day-of-month reaches the start's. This is an approximation
// of calendar-exact proration and is kept for compatibility with existing
// figures.
func AmountPaidToDate(sub *Subscription, today time.Time) Money {
	day := DateOf(today)
	switch {
	case day.After(sub.EndDate):
		return sub.TotalAmount()
	case day.Before(sub.StartDate):
		return Zero(sub.MonthlyRate.Currency)
	}

	elapsed := MonthsBetween(sub.StartDate, day)
	if day.Day() >= sub.StartDate.Day() {
		elapsed++
	}
	if duration := sub.DurationMonths(); elapsed > duration {
		elapsed = duration
	}
	return sub.MonthlyRate.Multiply(int64(elapsed))
}

// SubscriptionRegistry keeps at most one subscription per vehicle.
type SubscriptionRegistry struct {
	store       SubscriptionStore
	monthlyRate Money
	logger      *slog.Logger
}

func NewSubscriptionRegistry(store SubscriptionStore, monthlyRate Money, logger *slog.Logger) *SubscriptionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRegistry{
		store:       store,
		monthlyRate: monthlyRate,
		logger:      logger,
	}
}

func (r *SubscriptionRegistry) MonthlyRate() Money {
	return r.monthlyRate
}

// IsValid reports whether the vehicle holds a subscription valid at at.
func (r *SubscriptionRegistry) IsValid(ctx context.Context, vehicleID string, at time.Time) (bool, error) {
	sub, err := r.store.FindSubscriptionByVehicle(ctx, vehicleID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageError("find subscription", err)
	}
	return sub.ValidAt(at), nil
}

func (r *SubscriptionRegistry) Create(ctx context.Context, vehicleID string, start, end time.Time) (*Subscription, error) {
	start, end = DateOf(start), DateOf(end)
	if end.Before(start) {
		return nil, ErrEndBeforeStart
	}

	_, err := r.store.FindSubscriptionByVehicle(ctx, vehicleID)
	switch {
	case err == nil:
		return nil, ErrAlreadySubscribed
	case !errors.Is(err, ErrSubscriptionNotFound):
		return nil, storageError("find subscription", err)
	}

	sub := &Subscription{
		ID:          uuid.NewString(),
		VehicleID:   vehicleID,
		StartDate:   start,
		EndDate:     end,
		MonthlyRate: r.monthlyRate,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, storageError("create subscription", err)
	}

	r.logger.InfoContext(ctx, "subscription created",
		slog.String("subscription_id", sub.ID),
		slog.String("vehicle_id", vehicleID),
		slog.Int("months", sub.DurationMonths()),
	)
	return sub, nil
}

// Renew replaces the validity window.
func (r *SubscriptionRegistry) Renew(ctx context.Context, id string, newStart, newEnd time.Time) (*Subscription, error) {
	newStart, newEnd = DateOf(newStart), DateOf(newEnd)
	if newEnd.Before(newStart) {
		return nil, ErrEndBeforeStart
	}

	sub, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sub.StartDate = newStart
	sub.EndDate = newEnd
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, storageError("update subscription", err)
	}

	r.logger.InfoContext(ctx, "subscription renewed",
		slog.String("subscription_id", sub.ID),
		slog.Time("start", newStart),
		slog.Time("end", newEnd),
	)
	return sub, nil
}

// Extend moves only the end date.
func (r *SubscriptionRegistry) Extend(ctx context.Context, id string, newEnd time.Time) (*Subscription, error) {
	sub, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Renew(ctx, id, sub.StartDate, newEnd)
}

func (r *SubscriptionRegistry) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, storageError("get subscription", err)
	}
	return sub, nil
}

func (r *SubscriptionRegistry) ByVehicle(ctx context.Context, vehicleID string) (*Subscription, error) {
	sub, err := r.store.FindSubscriptionByVehicle(ctx, vehicleID)
	if err != nil {
		return nil, storageError("find subscription", err)
	}
	return sub, nil
}

// List returns all subscriptions, most recent start first.
func (r *SubscriptionRegistry) List(ctx context.Context) ([]*Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, storageError("list subscriptions", err)
	}
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].StartDate.After(subs[j].StartDate)
	})
	return subs, nil
}

func (r *SubscriptionRegistry) ListValid(ctx context.Context, at time.Time) ([]*Subscription, error) {
	return r.filter(ctx, func(s *Subscription) bool { return s.ValidAt(at) })
}

func (r *SubscriptionRegistry) ListExpired(ctx context.Context, at time.Time) ([]*Subscription, error) {
	return r.filter(ctx, func(s *Subscription) bool { return s.ExpiredAt(at) })
}

// ExpectedRevenue sums the total amount of every subscription priced in the
// registry's currency.
func (r *SubscriptionRegistry) ExpectedRevenue(ctx context.Context) (Money, error) {
	return r.sum(ctx, func(sub *Subscription) Money { return sub.TotalAmount() })
}

// CollectedToDate sums AmountPaidToDate over every subscription priced in the
// registry's currency.
func (r *SubscriptionRegistry) CollectedToDate(ctx context.Context, today time.Time) (Money, error) {
	return r.sum(ctx, func(sub *Subscription) Money { return AmountPaidToDate(sub, today) })
}

// sum skips rows in another currency; they stay visible through List.
func (r *SubscriptionRegistry) sum(ctx context.Context, amount func(*Subscription) Money) (Money, error) {
	subs, err := r.List(ctx)
	if err != nil {
		return Money{}, err
	}
	total := Zero(r.monthlyRate.Currency)
	for _, sub := range subs {
		if sub.MonthlyRate.Currency != total.Currency {
			r.logger.WarnContext(ctx, "subscription left out of revenue: currency mismatch",
				slog.String("subscription_id", sub.ID),
				slog.String("currency", sub.MonthlyRate.Currency),
				slog.String("expected", total.Currency),
			)
			continue
		}
		total = total.Add(amount(sub))
	}
	return total, nil
}

func (r *SubscriptionRegistry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		return storageError("delete subscription", err)
	}
	r.logger.InfoContext(ctx, "subscription deleted", slog.String("subscription_id", id))
	return nil
}

func (r *SubscriptionRegistry) filter(ctx context.Context, keep func(*Subscription) bool) ([]*Subscription, error) {
	subs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// String is used by the shell.
func (s *Subscription) String() string {
	return fmt.Sprintf("%s -> %s (%d months, %s)",
		s.StartDate.Format(time.DateOnly), s.EndDate.Format(time.DateOnly),
		s.DurationMonths(), s.TotalAmount())
}

// Package postgres persists the parking collaborators in PostgreSQL through
// pgx. Transient failures are retried a bounded number of times with a fixed
// delay before surfacing as parking.ErrStorageUnavailable.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"parking-engine/internal/parking"
)

var (
	_ parking.VehicleDirectory  = (*Store)(nil)
	_ parking.SpaceStore        = (*Store)(nil)
	_ parking.SessionStore      = (*Store)(nil)
	_ parking.SubscriptionStore = (*Store)(nil)
	_ parking.PaymentStore      = (*Store)(nil)
)

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

type Store struct {
	db     Querier
	cfg    Config
	logger *slog.Logger
}

func New(db Querier, cfg Config, logger *slog.Logger) *Store {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, logger: logger}
}

// constraintErrors maps unique indexes to the domain error they enforce.
var constraintErrors = map[string]error{
	"sessions_open_vehicle_idx":    parking.ErrAlreadyParked,
	"sessions_open_space_idx":      parking.ErrSpaceNotFree,
	"spaces_number_key":            parking.ErrSpaceExists,
	"subscriptions_vehicle_id_key": parking.ErrAlreadySubscribed,
	"subscriptions_check":          parking.ErrEndBeforeStart,
}

// classify turns a driver error into a domain error when one applies.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if domain, ok := constraintErrors[pgErr.ConstraintName]; ok {
			return domain
		}
	}
	return err
}

// transient reports whether err is worth retrying: connection failures and
// PostgreSQL errors in the connection, rollback and resource classes.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	return !errors.Is(err, pgx.ErrNoRows) && !parking.IsDomain(err)
}

// retry runs op with the configured tries and delay. Exhausted transient
// failures come back wrapped in parking.ErrStorageUnavailable.
func retry[T any](ctx context.Context, s *Store, name string, op func() (T, error)) (T, error) {
	return retryIf(ctx, s, name, transient, op)
}

func retryIf[T any](ctx context.Context, s *Store, name string, retryable func(error) bool, op func() (T, error)) (T, error) {
	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		err = classify(err)
		if !retryable(err) {
			return v, backoff.Permanent(err)
		}
		s.logger.WarnContext(ctx, "storage operation failed",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)),
	)
	if err != nil && transient(err) {
		return result, fmt.Errorf("%s: %w: %w", name, parking.ErrStorageUnavailable, err)
	}
	return result, err
}

// safeToRetry narrows transient for statements that must not run twice: a
// server error means the statement did not commit, any other failure is only
// retried when pgx knows nothing reached the server.
func safeToRetry(err error) bool {
	if !transient(err) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// exec runs an idempotent statement.
func (s *Store) exec(ctx context.Context, name, sql string, args ...any) (pgconn.CommandTag, error) {
	return retry(ctx, s, name, func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, sql, args...)
	})
}

// execOnce runs a statement whose replay after an unseen commit would fail or
// change its outcome.
func (s *Store) execOnce(ctx context.Context, name, sql string, args ...any) (pgconn.CommandTag, error) {
	return retryIf(ctx, s, name, safeToRetry, func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, sql, args...)
	})
}

// Vehicles

func (s *Store) ResolveByPlate(ctx context.Context, plate string) (*parking.Vehicle, error) {
	v, err := retry(ctx, s, "resolve vehicle", func() (*parking.Vehicle, error) {
		return scanVehicle(s.db.QueryRow(ctx,
			`SELECT id, plate, owner FROM vehicles WHERE plate = $1`, parking.NormalizePlate(plate)))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, parking.ErrVehicleUnregistered
	}
	return v, err
}

// Register inserts the vehicle or returns the row already holding the plate.
func (s *Store) Register(ctx context.Context, plate, owner string) (*parking.Vehicle, error) {
	id := uuid.NewString()
	return retry(ctx, s, "register vehicle", func() (*parking.Vehicle, error) {
		return scanVehicle(s.db.QueryRow(ctx,
			`INSERT INTO vehicles (id, plate, owner) VALUES ($1, $2, $3)
			 ON CONFLICT (plate) DO UPDATE SET plate = EXCLUDED.plate
			 RETURNING id, plate, owner`,
			id, parking.NormalizePlate(plate), owner))
	})
}

func scanVehicle(row pgx.Row) (*parking.Vehicle, error) {
	var v parking.Vehicle
	if err := row.Scan(&v.ID, &v.Plate, &v.Owner); err != nil {
		return nil, err
	}
	return &v, nil
}

// Spaces

func (s *Store) ListSpaces(ctx context.Context) ([]parking.Space, error) {
	return retry(ctx, s, "list spaces", func() ([]parking.Space, error) {
		rows, err := s.db.Query(ctx, `SELECT id, number, state FROM spaces ORDER BY number`)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (parking.Space, error) {
			var space parking.Space
			err := row.Scan(&space.ID, &space.Number, &space.State)
			return space, err
		})
	})
}

func (s *Store) CreateSpace(ctx context.Context, space *parking.Space) error {
	_, err := s.execOnce(ctx, "create space",
		`INSERT INTO spaces (id, number, state) VALUES ($1, $2, $3)`,
		space.ID, space.Number, string(space.State))
	return err
}

func (s *Store) UpdateSpaceState(ctx context.Context, id string, state parking.SpaceState) error {
	tag, err := s.exec(ctx, "update space",
		`UPDATE spaces SET state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return parking.ErrSpaceNotFound
	}
	return nil
}

func (s *Store) DeleteSpace(ctx context.Context, id string) error {
	tag, err := s.execOnce(ctx, "delete space",
		`DELETE FROM spaces WHERE id = $1 AND state = 'FREE'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return parking.ErrSpaceNotFound
	}
	return nil
}

// Sessions

const sessionColumns = `id, space_id, space_number, vehicle_id, plate, entry_time, exit_time, fee_amount, currency`

func scanSession(row pgx.Row) (*parking.Session, error) {
	var (
		session  parking.Session
		exit     *time.Time
		amount   int64
		currency string
	)
	err := row.Scan(&session.ID, &session.SpaceID, &session.SpaceNumber, &session.VehicleID,
		&session.Plate, &session.EntryTime, &exit, &amount, &currency)
	if err != nil {
		return nil, err
	}
	session.ExitTime = exit
	session.Fee = parking.NewMoney(amount, currency)
	return &session, nil
}

// CreateSession is keyed on the session id, so a replayed insert that already
// committed affects no row and succeeds.
func (s *Store) CreateSession(ctx context.Context, session *parking.Session) error {
	_, err := s.exec(ctx, "create session",
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		session.ID, session.SpaceID, session.SpaceNumber, session.VehicleID, session.Plate,
		session.EntryTime, session.ExitTime, session.Fee.Amount, session.Fee.Currency)
	return err
}

// CloseSession also matches a row already closed at the same exit time, which
// is what a replayed update finds.
func (s *Store) CloseSession(ctx context.Context, session *parking.Session) error {
	tag, err := s.exec(ctx, "close session",
		`UPDATE sessions SET exit_time = $2, fee_amount = $3, currency = $4
		 WHERE id = $1 AND (exit_time IS NULL OR exit_time = $2)`,
		session.ID, session.ExitTime, session.Fee.Amount, session.Fee.Currency)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return parking.ErrNoActiveSession
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*parking.Session, error) {
	session, err := retry(ctx, s, "get session", func() (*parking.Session, error) {
		return scanSession(s.db.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, parking.ErrSessionNotFound
	}
	return session, err
}

func (s *Store) FindOpenSession(ctx context.Context, vehicleID string) (*parking.Session, error) {
	session, err := retry(ctx, s, "find open session", func() (*parking.Session, error) {
		return scanSession(s.db.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE vehicle_id = $1 AND exit_time IS NULL`, vehicleID))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, parking.ErrNoActiveSession
	}
	return session, err
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]*parking.Session, error) {
	return s.querySessions(ctx, "list open sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE exit_time IS NULL ORDER BY entry_time`)
}

func (s *Store) ListSessionsByVehicle(ctx context.Context, vehicleID string) ([]*parking.Session, error) {
	return s.querySessions(ctx, "list sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE vehicle_id = $1 ORDER BY entry_time`, vehicleID)
}

func (s *Store) querySessions(ctx context.Context, name, sql string, args ...any) ([]*parking.Session, error) {
	return retry(ctx, s, name, func() ([]*parking.Session, error) {
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*parking.Session, error) {
			return scanSession(row)
		})
	})
}

// Subscriptions

const subscriptionColumns = `id, vehicle_id, start_date, end_date, monthly_rate, currency`

func scanSubscription(row pgx.Row) (*parking.Subscription, error) {
	var (
		sub      parking.Subscription
		rate     int64
		currency string
	)
	if err := row.Scan(&sub.ID, &sub.VehicleID, &sub.StartDate, &sub.EndDate, &rate, &currency); err != nil {
		return nil, err
	}
	sub.StartDate = parking.DateOf(sub.StartDate)
	sub.EndDate = parking.DateOf(sub.EndDate)
	sub.MonthlyRate = parking.NewMoney(rate, currency)
	return &sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *parking.Subscription) error {
	_, err := s.execOnce(ctx, "create subscription",
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.VehicleID, sub.StartDate, sub.EndDate, sub.MonthlyRate.Amount, sub.MonthlyRate.Currency)
	return err
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *parking.Subscription) error {
	tag, err := s.exec(ctx, "update subscription",
		`UPDATE subscriptions SET start_date = $2, end_date = $3, monthly_rate = $4, currency = $5 WHERE id = $1`,
		sub.ID, sub.StartDate, sub.EndDate, sub.MonthlyRate.Amount, sub.MonthlyRate.Currency)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return parking.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*parking.Subscription, error) {
	sub, err := retry(ctx, s, "get subscription", func() (*parking.Subscription, error) {
		return scanSubscription(s.db.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, parking.ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *Store) FindSubscriptionByVehicle(ctx context.Context, vehicleID string) (*parking.Subscription, error) {
	sub, err := retry(ctx, s, "find subscription", func() (*parking.Subscription, error) {
		return scanSubscription(s.db.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE vehicle_id = $1`, vehicleID))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, parking.ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]*parking.Subscription, error) {
	return retry(ctx, s, "list subscriptions", func() ([]*parking.Subscription, error) {
		rows, err := s.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY start_date DESC`)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*parking.Subscription, error) {
			return scanSubscription(row)
		})
	})
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.execOnce(ctx, "delete subscription", `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return parking.ErrSubscriptionNotFound
	}
	return nil
}

// Payments

const paymentColumns = `id, subject_kind, subject_id, amount, currency, paid_at, idempotency_key`

func scanPayment(row pgx.Row) (*parking.Payment, error) {
	var (
		p        parking.Payment
		kind     string
		amount   int64
		currency string
	)
	if err := row.Scan(&p.ID, &kind, &p.Subject.ID, &amount, &currency, &p.Timestamp, &p.IdempotencyKey); err != nil {
		return nil, err
	}
	p.Subject.Kind = parking.SubjectKind(kind)
	p.Amount = parking.NewMoney(amount, currency)
	return &p, nil
}

// CreatePayment inserts the payment unless its idempotency key is taken, in
// which case the stored payment is returned.
func (s *Store) CreatePayment(ctx context.Context, payment *parking.Payment) (*parking.Payment, bool, error) {
	type result struct {
		payment *parking.Payment
		created bool
	}
	r, err := retry(ctx, s, "create payment", func() (result, error) {
		tag, err := s.db.Exec(ctx,
			`INSERT INTO payments (`+paymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			payment.ID, string(payment.Subject.Kind), payment.Subject.ID,
			payment.Amount.Amount, payment.Amount.Currency, payment.Timestamp, payment.IdempotencyKey)
		if err != nil {
			return result{}, err
		}
		if tag.RowsAffected() == 1 {
			return result{payment: payment, created: true}, nil
		}
		existing, err := scanPayment(s.db.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, payment.IdempotencyKey))
		if err != nil {
			return result{}, err
		}
		return result{payment: existing}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return r.payment, r.created, nil
}

func (s *Store) ListPaymentsBySubject(ctx context.Context, subject parking.PaymentSubject) ([]*parking.Payment, error) {
	return s.queryPayments(ctx, "list payments",
		`SELECT `+paymentColumns+` FROM payments WHERE subject_kind = $1 AND subject_id = $2 ORDER BY paid_at`,
		string(subject.Kind), subject.ID)
}

func (s *Store) ListPayments(ctx context.Context, from, to time.Time) ([]*parking.Payment, error) {
	return s.queryPayments(ctx, "list payments",
		`SELECT `+paymentColumns+` FROM payments WHERE paid_at >= $1 AND paid_at < $2 ORDER BY paid_at`,
		from, to)
}

func (s *Store) queryPayments(ctx context.Context, name, sql string, args ...any) ([]*parking.Payment, error) {
	return retry(ctx, s, name, func() ([]*parking.Payment, error) {
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*parking.Payment, error) {
			return scanPayment(row)
		})
	})
}

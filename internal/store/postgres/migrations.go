package postgres

import (
	"context"
	"log/slog"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		plate VARCHAR(10) UNIQUE NOT NULL,
		owner VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS spaces (
		id TEXT PRIMARY KEY,
		number VARCHAR(32) UNIQUE NOT NULL,
		state VARCHAR(8) NOT NULL DEFAULT 'FREE' CHECK (state IN ('FREE', 'OCCUPIED')),
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		space_number VARCHAR(32) NOT NULL,
		vehicle_id TEXT NOT NULL REFERENCES vehicles(id),
		plate VARCHAR(10) NOT NULL,
		entry_time TIMESTAMP WITH TIME ZONE NOT NULL,
		exit_time TIMESTAMP WITH TIME ZONE,
		fee_amount BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(3) NOT NULL
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_open_vehicle_idx ON sessions(vehicle_id) WHERE exit_time IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_open_space_idx ON sessions(space_id) WHERE exit_time IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_vehicle_entry ON sessions(vehicle_id, entry_time)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		vehicle_id TEXT UNIQUE NOT NULL REFERENCES vehicles(id),
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		monthly_rate BIGINT NOT NULL,
		currency VARCHAR(3) NOT NULL,
		CHECK (end_date >= start_date)
	)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		subject_kind VARCHAR(16) NOT NULL CHECK (subject_kind IN ('session', 'subscription')),
		subject_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency VARCHAR(3) NOT NULL,
		paid_at TIMESTAMP WITH TIME ZONE NOT NULL,
		idempotency_key TEXT UNIQUE NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_payments_subject ON payments(subject_kind, subject_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_paid_at ON payments(paid_at)`,
}

func RunMigrations(ctx context.Context, db Querier) error {
	for i, migration := range migrations {
		if _, err := db.Exec(ctx, migration); err != nil {
			slog.Error("migration failed", "index", i, "error", err)
			return err
		}
	}
	slog.Info("migrations completed", "count", len(migrations))
	return nil
}

package rewards

import (
	"context"
	"fmt"

	"github.com/sispop-project/sispopd/store/usql"
)

func (s *Store) createSchema(ctx context.Context) error {
	switch s.db.Engine {
	case usql.Postgres:
		return s.createPostgresSchema(ctx)
	default:
		return s.createSqliteSchema(ctx)
	}
}

func (s *Store) createPostgresSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accruals (
			address TEXT PRIMARY KEY,
			amount_accumulated BIGINT NOT NULL,
			payout_offset INTEGER NOT NULL,
			next_payout_height BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS finalised_payments (
			address TEXT NOT NULL,
			amount_paid BIGINT NOT NULL,
			payout_offset INTEGER NOT NULL,
			block_height BIGINT NOT NULL,
			PRIMARY KEY (address, block_height)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_finalised_payments_height ON finalised_payments (block_height)`,
		`CREATE TABLE IF NOT EXISTS ledger_state (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			height BIGINT NOT NULL,
			CONSTRAINT single_row CHECK (id = 1)
		)`,
	}

	return s.execAll(ctx, statements)
}

func (s *Store) createSqliteSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accruals (
			address TEXT PRIMARY KEY,
			amount_accumulated INTEGER NOT NULL,
			payout_offset INTEGER NOT NULL,
			next_payout_height INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS finalised_payments (
			address TEXT NOT NULL,
			amount_paid INTEGER NOT NULL,
			payout_offset INTEGER NOT NULL,
			block_height INTEGER NOT NULL,
			PRIMARY KEY (address, block_height)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_finalised_payments_height ON finalised_payments (block_height)`,
		`CREATE TABLE IF NOT EXISTS ledger_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			height INTEGER NOT NULL
		)`,
	}

	return s.execAll(ctx, statements)
}

func (s *Store) execAll(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}

	return nil
}

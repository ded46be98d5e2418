package checkpoints

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
		`CREATE TABLE IF NOT EXISTS checkpoints (
			height BIGINT PRIMARY KEY,
			hash BYTEA NOT NULL,
			type SMALLINT NOT NULL,
			signatures BYTEA
		)`,
		`CREATE TABLE IF NOT EXISTS registry_state (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			last_cull_height BIGINT NOT NULL,
			immutable_height BIGINT NOT NULL,
			CONSTRAINT single_row CHECK (id = 1)
		)`,
	}

	return s.execAll(ctx, statements)
}

func (s *Store) createSqliteSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			height INTEGER PRIMARY KEY,
			hash BLOB NOT NULL,
			type INTEGER NOT NULL,
			signatures BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS registry_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_cull_height INTEGER NOT NULL,
			immutable_height INTEGER NOT NULL
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

// Package checkpoints implements the checkpoint registry: a pruned,
// monotonically-advancing set of (height, block hash) commitments that
// bound reorg depth and authenticate the main chain.
package checkpoints

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sispop-project/sispopd/errors"
	"github.com/sispop-project/sispopd/store/usql"
	"github.com/sispop-project/sispopd/ulogger"
)

var (
	prometheusCheckpointsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sispopd_checkpoints_added_total",
		Help: "Number of checkpoints successfully stored",
	})
	prometheusCheckpointsCulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sispopd_checkpoints_culled_total",
		Help: "Number of non-persistent checkpoints removed by the cull sweep",
	})
	prometheusCheckpointErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sispopd_checkpoints_errors_total",
		Help: "Number of failed checkpoint registry operations, by operation",
	}, []string{"op"})
)

// Store is the durable handle behind a Registry: one *usql.DB holding the
// checkpoints table.
type Store struct {
	db        *usql.DB
	logger    ulogger.Logger
	dbTimeout time.Duration
}

// NewStore opens db and creates the checkpoint schema if it does not
// already exist. dbTimeout, if given, bounds every subsequent transaction
// this store runs (settings.CheckpointSettings.DBTimeout); omitted or zero
// means the caller's context governs deadlines instead.
func NewStore(ctx context.Context, logger ulogger.Logger, db *usql.DB, dbTimeout ...time.Duration) (*Store, error) {
	s := &Store{db: db, logger: logger}

	if len(dbTimeout) > 0 {
		s.dbTimeout = dbTimeout[0]
	}

	if err := s.createSchema(ctx); err != nil {
		return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to create checkpoint schema: %v", err)
	}

	return s, nil
}

// withWriteTx runs fn inside a single write transaction: commits on normal
// return, rolls back on any error or panic.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if s.dbTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.dbTimeout)
		defer cancel()
	}

	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return errors.NewStorageError(errors.ERR_STORAGE_TX, "failed to begin write transaction: %v", beginErr)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}

		if err != nil {
			_ = tx.Rollback()
			return
		}

		err = tx.Commit()
	}()

	err = fn(tx)

	return err
}

// withReadTx runs fn inside a read-only transaction, giving fn a consistent
// snapshot for the duration of the call.
func (s *Store) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.dbTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.dbTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.db.Engine != usql.SQLite && s.db.Engine != usql.SQLiteMemory})
	if err != nil {
		return errors.NewStorageError(errors.ERR_STORAGE_TX, "failed to begin read transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// isConstraintViolation reports whether err is a primary-key / unique
// constraint failure, discriminated by the active engine's driver error
// type, mirroring the teacher's pq.Error/sqlite error-code switch.
func (s *Store) isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "constraint failed")
}

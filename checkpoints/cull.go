package checkpoints

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dolthub/swiss"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/errors"
)

// cull runs one cull sweep for a block just added at blockHeight with the
// given major version, pruning non-persistent checkpoints that have fallen
// below the immutable height. It is a no-op below
// CheckpointStorePersistentlyInterval or MinCheckpointVersion, matching the
// source's early-return guard.
func (r *Registry) cull(ctx context.Context, blockHeight uint64, majorVersion uint8) error {
	if blockHeight < chaincfg.CheckpointStorePersistentlyInterval || majorVersion < chaincfg.MinCheckpointVersion {
		return nil
	}

	end := uint64(0)
	if immutable, err := r.immutableCheckpoint(ctx, blockHeight+1); err != nil {
		return err
	} else if immutable != nil {
		end = immutable.Height
	}

	start := uint64(0)
	if end >= chaincfg.CheckpointStorePersistentlyInterval {
		start = end - chaincfg.CheckpointStorePersistentlyInterval
	}
	start = roundUpToInterval(start, chaincfg.CheckpointInterval)

	lastCull := r.lastCullHeight.Load()
	if start > lastCull {
		lastCull = start
	}

	// Batch every height this sweep will delete into a set before issuing
	// any statement, so a single IN-list DELETE replaces what would
	// otherwise be one round trip per CHECKPOINT_INTERVAL step.
	batch := swiss.NewMap[uint64, struct{}](8)

	for h := lastCull; h < end; h += chaincfg.CheckpointInterval {
		if h%chaincfg.CheckpointStorePersistentlyInterval == 0 {
			continue // persistent anchor: retained forever
		}

		batch.Put(h, struct{}{})
	}

	if batch.Count() == 0 {
		r.lastCullHeight.Store(lastCull)

		return r.store.withWriteTx(ctx, func(tx *sql.Tx) error {
			return r.saveState(ctx, tx, lastCull, r.immutableHeight.Load())
		})
	}

	heights := make([]uint64, 0, batch.Count())
	batch.Iter(func(h uint64, _ struct{}) bool {
		heights = append(heights, h)
		return false
	})

	return r.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := r.deleteHeights(ctx, tx, heights); err != nil {
			prometheusCheckpointErrors.WithLabelValues("cull_delete").Inc()
			return err
		}

		prometheusCheckpointsCulled.Add(float64(len(heights)))

		r.lastCullHeight.Store(lastCull)

		return r.saveState(ctx, tx, lastCull, r.immutableHeight.Load())
	})
}

func (r *Registry) deleteHeights(ctx context.Context, tx *sql.Tx, heights []uint64) error {
	placeholders := make([]string, len(heights))
	args := make([]interface{}, len(heights))

	for i, h := range heights {
		placeholders[i] = r.store.db.BindVar(i + 1)
		args[i] = h
	}

	stmt := fmt.Sprintf(`DELETE FROM checkpoints WHERE height IN (%s)`, strings.Join(placeholders, ", "))

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to cull %d checkpoints: %v", len(heights), err)
	}

	for _, h := range heights {
		r.checkpointCache.Delete(h)
	}

	return nil
}

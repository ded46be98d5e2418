package checkpoints

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/greatroar/blobloom"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/atomic"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/errors"
	"github.com/sispop-project/sispopd/model"
	"github.com/sispop-project/sispopd/store/usql"
	"github.com/sispop-project/sispopd/tracing"
	"github.com/sispop-project/sispopd/ulogger"
)

// checkpointCacheTTL bounds how long a checkpoint lookup result is reused
// before falling back to the store again. Short enough that a cull/detach
// invalidation (which deletes the cached entries of the heights it removes)
// is rarely even needed to avoid a stale read.
const checkpointCacheTTL = 5 * time.Second

// HardcodedCheckpoint is one row of a network's seed table, consumed by
// Init. CumulativeDifficulty is carried for parity with the source table
// and validated as well-formed hex but is not part of model.Checkpoint; the
// registry authenticates chain history by hash, not by difficulty.
type HardcodedCheckpoint struct {
	Height               uint64
	Hash                 string
	CumulativeDifficulty string
}

// Registry is the checkpoint registry for one network: a durable set of
// (height, hash) commitments plus the two monotonic scalars that cache the
// most recently computed immutable height and cull watermark.
type Registry struct {
	store  *Store
	params *chaincfg.Params
	logger ulogger.Logger

	// membership is a fast, false-positive-tolerant pre-check so that
	// check_block/get_checkpoint on a height with no checkpoint at all -
	// the overwhelming majority of heights - can skip the round trip to
	// the store. A positive (or false positive) always falls through to
	// the authoritative store query.
	membership *blobloom.Filter

	// checkpointCache dedupes repeated GetCheckpoint/CheckBlock lookups at
	// the same height - e.g. several competing blocks announced by
	// different peers in the same reorg race - so only the first lookup
	// in a window pays for the store round trip.
	checkpointCache *ttlcache.Cache[uint64, *model.Checkpoint]

	lastCullHeight  atomic.Uint64
	immutableHeight atomic.Uint64
}

// NewRegistry loads state's durable checkpoints into an in-memory membership
// filter and resumes the cull/immutable-height watermarks from registry_state.
func NewRegistry(ctx context.Context, logger ulogger.Logger, store *Store, params *chaincfg.Params) (*Registry, error) {
	r := &Registry{
		store:      store,
		params:     params,
		logger:     logger,
		membership: blobloom.NewOptimized(blobloom.Config{Capacity: 1 << 16, FPRate: 0.01}),
		checkpointCache: ttlcache.New[uint64, *model.Checkpoint](
			ttlcache.WithTTL[uint64, *model.Checkpoint](checkpointCacheTTL),
		),
	}

	go r.checkpointCache.Start()

	if err := r.store.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT height FROM checkpoints`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var height uint64
			if err := rows.Scan(&height); err != nil {
				return err
			}

			r.membership.Add(height)
		}

		return rows.Err()
	}); err != nil {
		return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to prime checkpoint membership filter: %v", err)
	}

	lastCull, immutable, err := r.loadState(ctx)
	if err != nil {
		return nil, err
	}

	r.lastCullHeight.Store(lastCull)
	r.immutableHeight.Store(immutable)

	logger.Infof("checkpoint registry for %s resumed at cull watermark %d, immutable height %d", params.Name, lastCull, immutable)

	return r, nil
}

// Close stops the checkpoint-lookup cache's background eviction loop.
func (r *Registry) Close() {
	r.checkpointCache.Stop()
}

func (r *Registry) loadState(ctx context.Context) (lastCull, immutable uint64, err error) {
	err = r.store.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT last_cull_height, immutable_height FROM registry_state WHERE id = 1`)

		scanErr := row.Scan(&lastCull, &immutable)
		if scanErr == sql.ErrNoRows {
			return nil
		}

		return scanErr
	})
	if err != nil {
		return 0, 0, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to load registry state: %v", err)
	}

	return lastCull, immutable, nil
}

func (r *Registry) saveState(ctx context.Context, tx *sql.Tx, lastCull, immutable uint64) error {
	var stmt string

	switch r.store.db.Engine {
	case usql.Postgres:
		stmt = `INSERT INTO registry_state (id, last_cull_height, immutable_height) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET last_cull_height = EXCLUDED.last_cull_height, immutable_height = EXCLUDED.immutable_height`
	default:
		stmt = `INSERT INTO registry_state (id, last_cull_height, immutable_height) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET last_cull_height = excluded.last_cull_height, immutable_height = excluded.immutable_height`
	}

	_, err := tx.ExecContext(ctx, stmt, lastCull, immutable)

	return err
}

// Init seeds table's hardcoded checkpoints. A duplicate height whose stored
// hash matches is a no-op; a mismatch is fatal, since it means the running
// binary's seed table disagrees with durable state written by a prior run.
func (r *Registry) Init(ctx context.Context, table []HardcodedCheckpoint) error {
	ctx, _, done := tracing.StartTracing(ctx, "Registry:Init")
	defer done()

	for _, entry := range table {
		if _, err := hex.DecodeString(entry.CumulativeDifficulty); err != nil {
			return errors.NewInputError(errors.ERR_HEX_PARSE, "checkpoint at height %d has malformed cumulative difficulty: %v", entry.Height, err)
		}

		hashBytes, err := hex.DecodeString(entry.Hash)
		if err != nil {
			return errors.NewInputError(errors.ERR_HEX_PARSE, "checkpoint at height %d has malformed hash: %v", entry.Height, err)
		}

		var hash model.Hash
		if len(hashBytes) != len(hash) {
			return errors.NewInputError(errors.ERR_HEX_PARSE, "checkpoint at height %d hash is %d bytes, want %d", entry.Height, len(hashBytes), len(hash))
		}
		copy(hash[:], hashBytes)

		existing, err := r.GetCheckpoint(ctx, entry.Height)
		if err != nil {
			return err
		}

		if existing != nil {
			if !bytes.Equal(existing.Hash[:], hash[:]) {
				return errors.NewConsensusError(errors.ERR_CHECKPOINT_HASH_MISMATCH,
					"hardcoded checkpoint at height %d disagrees with durable state: table has %x, store has %x", entry.Height, hash, existing.Hash)
			}

			continue
		}

		if err := r.storeCheckpoint(ctx, entry.Height, hash, model.CheckpointHardcoded, nil); err != nil {
			return err
		}
	}

	return nil
}

// AddCheckpoint parses hash_hex/difficulty_hex and stores a Hardcoded
// checkpoint. Any existing checkpoint at height, matching or not, is a
// conflict: unlike Init, this path is for a running node adding a new
// checkpoint, not for resuming from a prior run's durable state.
func (r *Registry) AddCheckpoint(ctx context.Context, height uint64, hashHex, difficultyHex string) error {
	ctx, _, done := tracing.StartTracing(ctx, "Registry:AddCheckpoint")
	defer done()

	if _, err := hex.DecodeString(difficultyHex); err != nil {
		return errors.NewInputError(errors.ERR_HEX_PARSE, "malformed cumulative difficulty: %v", err)
	}

	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return errors.NewInputError(errors.ERR_HEX_PARSE, "malformed checkpoint hash: %v", err)
	}

	var hash model.Hash
	if len(hashBytes) != len(hash) {
		return errors.NewInputError(errors.ERR_HEX_PARSE, "checkpoint hash is %d bytes, want %d", len(hashBytes), len(hash))
	}
	copy(hash[:], hashBytes)

	existing, err := r.GetCheckpoint(ctx, height)
	if err != nil {
		return err
	}

	if existing != nil {
		return errors.NewConsensusError(errors.ERR_CHECKPOINT_HASH_MISMATCH, "checkpoint already stored at height %d", height)
	}

	return r.storeCheckpoint(ctx, height, hash, model.CheckpointHardcoded, nil)
}

func (r *Registry) storeCheckpoint(ctx context.Context, height uint64, hash model.Hash, typ model.CheckpointType, signatures []model.CheckpointSignature) error {
	return r.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		return r.storeCheckpointTx(ctx, tx, height, hash, typ, signatures)
	})
}

func (r *Registry) storeCheckpointTx(ctx context.Context, tx *sql.Tx, height uint64, hash model.Hash, typ model.CheckpointType, signatures []model.CheckpointSignature) error {
	encodedSigs := encodeSignatures(signatures)

	stmt := fmt.Sprintf(`INSERT INTO checkpoints (height, hash, type, signatures) VALUES (%s, %s, %s, %s)`,
		r.store.db.BindVar(1), r.store.db.BindVar(2), r.store.db.BindVar(3), r.store.db.BindVar(4))

	if _, err := tx.ExecContext(ctx, stmt, height, hash[:], int(typ), encodedSigs); err != nil {
		if r.store.isConstraintViolation(err) {
			return errors.NewConsensusError(errors.ERR_CHECKPOINT_HASH_MISMATCH, "checkpoint already stored at height %d", height)
		}

		prometheusCheckpointErrors.WithLabelValues("store_checkpoint").Inc()

		return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to store checkpoint at height %d: %v", height, err)
	}

	r.membership.Add(height)
	r.checkpointCache.Set(height, &model.Checkpoint{Height: height, Hash: hash, Type: typ, Signatures: signatures}, checkpointCacheTTL)
	prometheusCheckpointsAdded.Inc()

	return nil
}

// GetCheckpoint returns the checkpoint stored at height, or nil if none
// exists.
func (r *Registry) GetCheckpoint(ctx context.Context, height uint64) (*model.Checkpoint, error) {
	if !r.membership.Has(height) {
		return nil, nil
	}

	if item := r.checkpointCache.Get(height); item != nil {
		return item.Value(), nil
	}

	var cp *model.Checkpoint

	err := r.store.withReadTx(ctx, func(tx *sql.Tx) error {
		var getErr error
		cp, getErr = r.getCheckpointTx(ctx, tx, height)
		return getErr
	})
	if err != nil {
		return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to read checkpoint at height %d: %v", height, err)
	}

	r.checkpointCache.Set(height, cp, checkpointCacheTTL)

	return cp, nil
}

func (r *Registry) getCheckpointTx(ctx context.Context, tx *sql.Tx, height uint64) (*model.Checkpoint, error) {
	stmt := fmt.Sprintf(`SELECT hash, type, signatures FROM checkpoints WHERE height = %s`, r.store.db.BindVar(1))

	var (
		hashBytes []byte
		typ       int
		sigBytes  []byte
	)

	row := tx.QueryRowContext(ctx, stmt, height)

	if err := row.Scan(&hashBytes, &typ, &sigBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	var hash model.Hash
	copy(hash[:], hashBytes)

	return &model.Checkpoint{
		Height:     height,
		Hash:       hash,
		Type:       model.CheckpointType(typ),
		Signatures: decodeSignatures(sigBytes),
	}, nil
}

// CheckBlock reports whether hash is consistent with any stored checkpoint
// at height. Absence of a checkpoint is not a failure: ok is true whenever
// there is nothing to contradict hash.
func (r *Registry) CheckBlock(ctx context.Context, height uint64, hash model.Hash) (ok, isCheckpoint, isServiceNodeCheckpoint bool, err error) {
	cp, err := r.GetCheckpoint(ctx, height)
	if err != nil {
		return false, false, false, err
	}

	if cp == nil {
		return true, false, false, nil
	}

	return bytes.Equal(cp.Hash[:], hash[:]), true, cp.Type == model.CheckpointServiceNode, nil
}

// GetMaxHeight returns the highest stored checkpoint height, and false if
// the registry holds no checkpoints at all.
func (r *Registry) GetMaxHeight(ctx context.Context) (uint64, bool, error) {
	var (
		height uint64
		found  bool
	)

	err := r.store.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT MAX(height) FROM checkpoints`)

		var maybeHeight sql.NullInt64
		if err := row.Scan(&maybeHeight); err != nil {
			return err
		}

		if maybeHeight.Valid {
			height = uint64(maybeHeight.Int64)
			found = true
		}

		return nil
	})
	if err != nil {
		return 0, false, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to read max checkpoint height: %v", err)
	}

	return height, found, nil
}

// IsInCheckpointZone reports whether height is at or below the highest
// stored checkpoint, i.e. whether a checkpoint could possibly constrain it.
func (r *Registry) IsInCheckpointZone(ctx context.Context, height uint64) (bool, error) {
	top, found, err := r.GetMaxHeight(ctx)
	if err != nil {
		return false, err
	}

	return found && height <= top, nil
}

// immutableCheckpoint returns the highest checkpoint at height <= atHeight
// that is either Hardcoded, or the older of a pair of ServiceNode
// checkpoints spaced exactly chaincfg.CheckpointInterval apart, or nil if no
// such checkpoint exists.
func (r *Registry) immutableCheckpoint(ctx context.Context, atHeight uint64) (*model.Checkpoint, error) {
	type row struct {
		height uint64
		typ    model.CheckpointType
	}

	var rows []row

	err := r.store.withReadTx(ctx, func(tx *sql.Tx) error {
		stmt := fmt.Sprintf(`SELECT height, type FROM checkpoints WHERE height <= %s ORDER BY height ASC`, r.store.db.BindVar(1))

		sqlRows, err := tx.QueryContext(ctx, stmt, atHeight)
		if err != nil {
			return err
		}
		defer sqlRows.Close()

		for sqlRows.Next() {
			var h uint64
			var t int
			if err := sqlRows.Scan(&h, &t); err != nil {
				return err
			}

			rows = append(rows, row{height: h, typ: model.CheckpointType(t)})
		}

		return sqlRows.Err()
	})
	if err != nil {
		return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to scan checkpoints up to height %d: %v", atHeight, err)
	}

	byHeight := make(map[uint64]model.CheckpointType, len(rows))
	for _, rr := range rows {
		byHeight[rr.height] = rr.typ
	}

	var (
		bestHardcoded uint64
		haveHardcoded bool
		bestPaired    uint64
		havePaired    bool
	)

	for _, rr := range rows {
		switch rr.typ {
		case model.CheckpointHardcoded:
			if !haveHardcoded || rr.height > bestHardcoded {
				bestHardcoded, haveHardcoded = rr.height, true
			}
		case model.CheckpointServiceNode:
			if next, ok := byHeight[rr.height+chaincfg.CheckpointInterval]; ok && next == model.CheckpointServiceNode {
				if !havePaired || rr.height > bestPaired {
					bestPaired, havePaired = rr.height, true
				}
			}
		}
	}

	var winHeight uint64
	var found bool

	if haveHardcoded {
		winHeight, found = bestHardcoded, true
	}

	if havePaired && (!found || bestPaired > winHeight) {
		winHeight, found = bestPaired, true
	}

	if !found {
		return nil, nil
	}

	return r.GetCheckpoint(ctx, winHeight)
}

// IsAlternativeBlockAllowed reports whether a fork at blockHeight may be
// considered, given the main chain's current height chainHeight. It also
// advances the cached immutable-height watermark, which only ever moves up.
func (r *Registry) IsAlternativeBlockAllowed(ctx context.Context, chainHeight, blockHeight uint64) (bool, bool, error) {
	if blockHeight == 0 {
		return false, false, nil
	}

	_, anyBelow, err := r.GetMaxHeight(ctx)
	if err != nil {
		return false, false, err
	}

	if !anyBelow {
		return true, false, nil
	}

	immutable, err := r.immutableCheckpoint(ctx, chainHeight)
	if err != nil {
		return false, false, err
	}

	if immutable == nil {
		return true, false, nil
	}

	for {
		current := r.immutableHeight.Load()
		if immutable.Height <= current {
			break
		}

		if r.immutableHeight.CompareAndSwap(current, immutable.Height) {
			break
		}
	}

	return blockHeight > r.immutableHeight.Load(), immutable.Type == model.CheckpointServiceNode, nil
}

// BlockAdded runs the cull sweep for block, then stores checkpoint if one
// was supplied by consensus.
func (r *Registry) BlockAdded(ctx context.Context, block model.BlockView, checkpoint *model.Checkpoint) error {
	ctx, _, done := tracing.StartTracing(ctx, "Registry:BlockAdded")
	defer done()

	if err := r.cull(ctx, uint64(block.Height), block.MajorVersion); err != nil {
		// Cull failures are logged and non-fatal: the sweep simply retries
		// on the next block, per the registry's failure semantics for
		// write-path pruning.
		r.logger.Warnf("checkpoint cull at height %d failed: %v", block.Height, err)
		prometheusCheckpointErrors.WithLabelValues("cull").Inc()
	}

	if checkpoint == nil {
		return nil
	}

	return r.storeCheckpoint(ctx, checkpoint.Height, checkpoint.Hash, checkpoint.Type, checkpoint.Signatures)
}

// BlockchainDetached deletes the checkpoint at each multiple of
// chaincfg.CheckpointInterval from height (rounded up, and never below
// CheckpointInterval itself) up to the highest stored checkpoint, and lowers
// the cull watermark so the freed space is re-cullable rather than skipped.
// Checkpoints at heights that are not multiples of CheckpointInterval are
// not deleted.
func (r *Registry) BlockchainDetached(ctx context.Context, height uint64) error {
	ctx, _, done := tracing.StartTracing(ctx, "Registry:BlockchainDetached")
	defer done()

	top, found, err := r.GetMaxHeight(ctx)
	if err != nil {
		return err
	}

	if !found || top < height {
		return nil
	}

	return r.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt := fmt.Sprintf(`DELETE FROM checkpoints WHERE height = %s`, r.store.db.BindVar(1))

		// A detach can never reach below CheckpointInterval: blockchain_detached
		// in the original stops once delete_height >= CHECKPOINT_INTERVAL, so a
		// rollback near genesis can't delete the permanent low-height checkpoint.
		start := roundUpToInterval(height, chaincfg.CheckpointInterval)
		if start < chaincfg.CheckpointInterval {
			start = chaincfg.CheckpointInterval
		}

		for h := start; h <= top; h += chaincfg.CheckpointInterval {
			if _, err := tx.ExecContext(ctx, stmt, h); err != nil {
				return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to detach checkpoint at height %d: %v", h, err)
			}

			r.checkpointCache.Delete(h)
		}

		newLastCull := r.lastCullHeight.Load()
		if height < newLastCull {
			newLastCull = height
		}
		r.lastCullHeight.Store(newLastCull)

		return r.saveState(ctx, tx, newLastCull, r.immutableHeight.Load())
	})
}

func roundUpToInterval(h, interval uint64) uint64 {
	if h%interval == 0 {
		return h
	}

	return (h/interval + 1) * interval
}

func encodeSignatures(sigs []model.CheckpointSignature) []byte {
	if len(sigs) == 0 {
		return nil
	}

	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.BigEndian, uint32(len(sigs)))

	for _, sig := range sigs {
		_ = binary.Write(&buf, binary.BigEndian, sig.VoterIndex)
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(sig.Signature)))
		buf.Write(sig.Signature)
	}

	return buf.Bytes()
}

func decodeSignatures(data []byte) []model.CheckpointSignature {
	if len(data) < 4 {
		return nil
	}

	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil
	}

	sigs := make([]model.CheckpointSignature, 0, count)

	for i := uint32(0); i < count; i++ {
		var voterIndex, sigLen uint32
		if err := binary.Read(r, binary.BigEndian, &voterIndex); err != nil {
			return sigs
		}
		if err := binary.Read(r, binary.BigEndian, &sigLen); err != nil {
			return sigs
		}

		sig := make([]byte, sigLen)
		if _, err := r.Read(sig); err != nil {
			return sigs
		}

		sigs = append(sigs, model.CheckpointSignature{VoterIndex: voterIndex, Signature: sig})
	}

	return sigs
}

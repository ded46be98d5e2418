package checkpoints

import (
	"context"
	"encoding/hex"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/model"
	"github.com/sispop-project/sispopd/store/usql"
	"github.com/sispop-project/sispopd/ulogger"
)

func testHash(b byte) model.Hash {
	var h model.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	storeURL, err := url.Parse("sqlitememory:///")
	require.NoError(t, err)

	db, err := usql.Open(ulogger.TestLogger{}, storeURL)
	require.NoError(t, err)

	store, err := NewStore(context.Background(), ulogger.TestLogger{}, db)
	require.NoError(t, err)

	registry, err := NewRegistry(context.Background(), ulogger.TestLogger{}, store, chaincfg.MustGetParams(chaincfg.Fakechain))
	require.NoError(t, err)

	return registry
}

func addServiceNodeCheckpoint(t *testing.T, ctx context.Context, r *Registry, height uint64, hash model.Hash) {
	t.Helper()
	err := r.storeCheckpoint(ctx, height, hash, model.CheckpointServiceNode, nil)
	require.NoError(t, err)
}

func TestCheckBlock_PassFail(t *testing.T) {
	// S5: hardcoded checkpoint {100, H1} present; check_block(100, H1) =
	// (true, true, false); check_block(100, H2 != H1) = (false, true, false).
	ctx := context.Background()
	registry := newTestRegistry(t)

	h1 := testHash(0x01)
	h2 := testHash(0x02)

	err := registry.AddCheckpoint(ctx, 100, hex.EncodeToString(h1[:]), "00")
	require.NoError(t, err)

	ok, isCheckpoint, isSN, err := registry.CheckBlock(ctx, 100, h1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, isCheckpoint)
	assert.False(t, isSN)

	ok, isCheckpoint, isSN, err = registry.CheckBlock(ctx, 100, h2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, isCheckpoint)
	assert.False(t, isSN)
}

func TestCheckBlock_NoCheckpointIsOK(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	ok, isCheckpoint, isSN, err := registry.CheckBlock(ctx, 55, testHash(0x09))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, isCheckpoint)
	assert.False(t, isSN)
}

func TestBlockchainDetached_RemovesAtAndAboveHeight(t *testing.T) {
	// S6: registry has checkpoints at heights 960 and 1020 (multiples of
	// CheckpointInterval=60); blockchain_detached(998) removes every
	// checkpoint at height >= 998 (here, only 1020).
	ctx := context.Background()
	registry := newTestRegistry(t)

	addServiceNodeCheckpoint(t, ctx, registry, 960, testHash(0x0a))
	addServiceNodeCheckpoint(t, ctx, registry, 1020, testHash(0x0b))

	err := registry.BlockchainDetached(ctx, 998)
	require.NoError(t, err)

	cp, err := registry.GetCheckpoint(ctx, 960)
	require.NoError(t, err)
	assert.NotNil(t, cp)

	cp, err = registry.GetCheckpoint(ctx, 1020)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCullIdempotence(t *testing.T) {
	// Invariant 6: running block_added twice with the same block deletes
	// no additional checkpoints the second time.
	ctx := context.Background()
	registry := newTestRegistry(t)

	persist := chaincfg.CheckpointStorePersistentlyInterval
	interval := chaincfg.CheckpointInterval

	// A hardcoded checkpoint at `persist` is the immutable checkpoint for the
	// cull sweep at height persist+interval, so that sweep covers [0, persist).
	err := registry.AddCheckpoint(ctx, persist, hex.EncodeToString(testHash(0x01)[:]), "00")
	require.NoError(t, err)

	addServiceNodeCheckpoint(t, ctx, registry, interval, testHash(0x02))

	block := model.BlockView{Height: uint32(persist + interval), MajorVersion: chaincfg.MinCheckpointVersion}

	err = registry.BlockAdded(ctx, block, nil)
	require.NoError(t, err)

	// The service-node checkpoint at `interval` falls well below the
	// persistent anchor at `persist` and is not itself a persist-interval
	// multiple, so the first sweep culls it.
	afterFirst, err := registry.GetCheckpoint(ctx, interval)
	require.NoError(t, err)
	assert.Nil(t, afterFirst)

	watermarkAfterFirst := registry.lastCullHeight.Load()

	err = registry.BlockAdded(ctx, block, nil)
	require.NoError(t, err)

	afterSecond, err := registry.GetCheckpoint(ctx, interval)
	require.NoError(t, err)
	assert.Nil(t, afterSecond)
	assert.Equal(t, watermarkAfterFirst, registry.lastCullHeight.Load())
}

func TestIsAlternativeBlockAllowed_NoCheckpointsYet(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	allowed, isSN, err := registry.IsAlternativeBlockAllowed(ctx, 500, 10)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.False(t, isSN)
}

func TestIsAlternativeBlockAllowed_ZeroHeightNeverAllowed(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	allowed, _, err := registry.IsAlternativeBlockAllowed(ctx, 500, 0)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestIsAlternativeBlockAllowed_GatedByImmutableHeight(t *testing.T) {
	// Invariant 8: is_alternative_block_allowed(H, h) is false whenever
	// h <= immutable_checkpoint(H).height.
	ctx := context.Background()
	registry := newTestRegistry(t)

	err := registry.AddCheckpoint(ctx, 100, hex.EncodeToString(testHash(0x03)[:]), "00")
	require.NoError(t, err)

	allowed, _, err := registry.IsAlternativeBlockAllowed(ctx, 200, 100)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = registry.IsAlternativeBlockAllowed(ctx, 200, 101)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestImmutableHeight_Monotonic(t *testing.T) {
	// Invariant 7: m_immutable_height never decreases across calls with
	// non-decreasing chain_height.
	ctx := context.Background()
	registry := newTestRegistry(t)

	err := registry.AddCheckpoint(ctx, 100, hex.EncodeToString(testHash(0x04)[:]), "00")
	require.NoError(t, err)
	err = registry.AddCheckpoint(ctx, 200, hex.EncodeToString(testHash(0x05)[:]), "00")
	require.NoError(t, err)

	_, _, err = registry.IsAlternativeBlockAllowed(ctx, 150, 101)
	require.NoError(t, err)
	firstImmutable := registry.immutableHeight.Load()
	assert.Equal(t, uint64(100), firstImmutable)

	_, _, err = registry.IsAlternativeBlockAllowed(ctx, 250, 201)
	require.NoError(t, err)
	secondImmutable := registry.immutableHeight.Load()
	assert.Equal(t, uint64(200), secondImmutable)
	assert.GreaterOrEqual(t, secondImmutable, firstImmutable)
}

func TestInit_MismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	err := registry.AddCheckpoint(ctx, 0, hex.EncodeToString(testHash(0x06)[:]), "00")
	require.NoError(t, err)

	err = registry.Init(ctx, []HardcodedCheckpoint{{Height: 0, Hash: hex.EncodeToString(testHash(0x07)[:]), CumulativeDifficulty: "00"}})
	require.Error(t, err)
}

func TestInit_MatchingDuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	h := testHash(0x08)

	err := registry.AddCheckpoint(ctx, 0, hex.EncodeToString(h[:]), "00")
	require.NoError(t, err)

	err = registry.Init(ctx, []HardcodedCheckpoint{{Height: 0, Hash: hex.EncodeToString(h[:]), CumulativeDifficulty: "00"}})
	require.NoError(t, err)
}

package chainobserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/model"
	"github.com/sispop-project/sispopd/settings"
	"github.com/sispop-project/sispopd/ulogger"
)

func identityDeriver(address model.Address, _ byte) ([]byte, error) {
	return []byte(address), nil
}

func testSettings() *settings.Settings {
	return &settings.Settings{
		Network: "fakechain",
		Rewards: settings.RewardsSettings{
			MinimumPayoutThreshold: 1_000_000_000,
			PayoutIntervalBlocks:   1_000_000,
			StoreURL:               "sqlitememory:///",
		},
		Checkpoints: settings.CheckpointSettings{
			StoreURL: "sqlitememory:///",
		},
	}
}

func newTestObserver(t *testing.T) *ChainObserver {
	t.Helper()

	observer, err := New(context.Background(), ulogger.TestLogger{}, testSettings(), identityDeriver)
	require.NoError(t, err)

	return observer
}

func TestChainObserver_AddBlockStoresCheckpointAndPopReverts(t *testing.T) {
	ctx := context.Background()
	observer := newTestObserver(t)

	winner := model.Winner{
		OperatorAddress:   "operatorZ",
		OperatorFeeCutPct: 0,
		StakeShareTotal:   100,
		Contributors:      []model.Contributor{{Address: "contributorZ", StakeShare: 100}},
	}

	block := model.BlockView{Height: 0, MajorVersion: chaincfg.NetworkVersion12, Reward: 4000}
	checkpoint := &model.Checkpoint{Height: 0, Hash: model.Hash{0xaa}, Type: model.CheckpointServiceNode}

	err := observer.AddBlock(ctx, block, winner, checkpoint)
	require.NoError(t, err)

	ok, isCheckpoint, isSN, err := observer.CheckBlock(ctx, 0, model.Hash{0xaa})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, isCheckpoint)
	assert.True(t, isSN)

	ok, _, _, err = observer.CheckBlock(ctx, 0, model.Hash{0xbb})
	require.NoError(t, err)
	assert.False(t, ok)

	err = observer.PopBlock(ctx, block, winner)
	require.NoError(t, err)

	amount, err := observer.ledger.RetrieveAmountByAddress(ctx, "contributorZ")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), amount)
}

func TestChainObserver_UnknownNetworkRejected(t *testing.T) {
	cfg := testSettings()
	cfg.Network = "not-a-real-network"

	_, err := New(context.Background(), ulogger.TestLogger{}, cfg, identityDeriver)
	require.Error(t, err)
}

package rewards

import (
	"context"
	"database/sql"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/model"
	"github.com/sispop-project/sispopd/store/usql"
	"github.com/sispop-project/sispopd/ulogger"
)

func identityDeriver(address model.Address, _ byte) ([]byte, error) {
	return []byte(address), nil
}

func testParams() *chaincfg.Params {
	return &chaincfg.Params{
		Net:                 chaincfg.Fakechain,
		Name:                "fakechain",
		AddressBase58Prefix: 24,
	}
}

func newTestLedger(t *testing.T, interval uint64) *Ledger {
	t.Helper()

	storeURL, err := url.Parse("sqlitememory:///")
	require.NoError(t, err)

	db, err := usql.Open(ulogger.TestLogger{}, storeURL)
	require.NoError(t, err)

	store, err := NewStore(context.Background(), ulogger.TestLogger{}, db)
	require.NoError(t, err)

	return NewLedger(store, testParams(), interval, ulogger.TestLogger{})
}

func singleWinner(address model.Address, feeCutPct uint64, stakes ...uint64) model.Winner {
	var total uint64

	contributors := make([]model.Contributor, 0, len(stakes))
	for i, s := range stakes {
		contributors = append(contributors, model.Contributor{Address: model.Address(contributorAddr(i)), StakeShare: s})
		total += s
	}

	return model.Winner{
		OperatorAddress:   address,
		OperatorFeeCutPct: feeCutPct,
		Contributors:      contributors,
		StakeShareTotal:   total,
	}
}

func contributorAddr(i int) string {
	return []string{"contributorA", "contributorB", "contributorC"}[i]
}

func TestCalculateRewards_SingleContributorFullStake(t *testing.T) {
	// S1: single contributor at 100% stake receives the entire block reward.
	winner := singleWinner("operator1", 0, 100)

	block := model.BlockView{Height: 1000000, Reward: 16500000000}

	payments, err := CalculateRewards(block, winner)
	require.NoError(t, err)

	var sum uint64
	for _, p := range payments {
		sum += p.Amount
	}

	assert.Equal(t, block.Reward, sum)

	for _, p := range payments {
		if p.Address == model.Address(contributorAddr(0)) {
			assert.Equal(t, uint64(16500000000), p.Amount)
		}
	}
}

func TestCalculateRewards_SplitWithRemainder(t *testing.T) {
	// S2: operator plus three contributors at stakes {33, 33, 34} of total
	// 100, reward 1000, 5% operator fee cut. Remainder after floor division goes
	// to the operator; the sum of outputs equals the reward exactly.
	winner := model.Winner{
		OperatorAddress:   "operator1",
		OperatorFeeCutPct: 5,
		StakeShareTotal:   100,
		Contributors: []model.Contributor{
			{Address: "contributorA", StakeShare: 33},
			{Address: "contributorB", StakeShare: 33},
			{Address: "contributorC", StakeShare: 34},
		},
	}

	block := model.BlockView{Height: 1, Reward: 1000}

	payments, err := CalculateRewards(block, winner)
	require.NoError(t, err)

	byAddr := map[model.Address]uint64{}

	var sum uint64
	for _, p := range payments {
		byAddr[p.Address] = p.Amount
		sum += p.Amount
	}

	assert.Equal(t, uint64(1000), sum)
	assert.Equal(t, uint64(313), byAddr["contributorA"])
	assert.Equal(t, uint64(313), byAddr["contributorB"])
	assert.Equal(t, uint64(323), byAddr["contributorC"])
	assert.Equal(t, uint64(51), byAddr["operator1"])
}

func TestValidateBatchPayment_Mismatch(t *testing.T) {
	// S4: coinbase pays address A 500 but calculated says A should receive
	// 499; validate_batch_payment must fail.
	calculated := []model.Payment{{Address: "A", Amount: 499}}
	outputs := []model.CoinbaseOutput{{PubKeyOrScriptHash: []byte("A"), Amount: 500}}

	ok, _, err := validateBatchPayment(outputs, calculated, chaincfg.NetworkVersion10, testParams(), identityDeriver, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateBatchPayment_Match(t *testing.T) {
	calculated := []model.Payment{{Address: "A", Amount: 499}, {Address: "B", Amount: 1}}
	outputs := []model.CoinbaseOutput{
		{PubKeyOrScriptHash: []byte("A"), Amount: 499},
		{PubKeyOrScriptHash: []byte("B"), Amount: 1},
	}

	ok, paid, err := validateBatchPayment(outputs, calculated, chaincfg.NetworkVersion10, testParams(), identityDeriver, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, paid, 2)
}

func TestLedger_AddBlockPopBlockIsIdentity(t *testing.T) {
	// Invariant 2: add_block(b); pop_block(b) returns the ledger to its
	// prior state, for height and all accrual balances.
	ctx := context.Background()
	ledger := newTestLedger(t, 1000000) // interval big enough that no payout triggers

	winner := singleWinner("operatorX", 0, 100)

	block := model.BlockView{Height: 0, MajorVersion: 11, Reward: 5000}

	beforeHeight, err := ledger.Height(ctx)
	require.NoError(t, err)

	err = ledger.AddBlock(ctx, block, winner, chaincfg.NetworkVersion11, identityDeriver, 1_000_000_000)
	require.NoError(t, err)

	afterAddHeight, err := ledger.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, beforeHeight+1, afterAddHeight)

	amount, err := ledger.RetrieveAmountByAddress(ctx, model.Address(contributorAddr(0)))
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), amount)

	err = ledger.PopBlock(ctx, block, winner)
	require.NoError(t, err)

	afterPopHeight, err := ledger.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, beforeHeight, afterPopHeight)

	amount, err = ledger.RetrieveAmountByAddress(ctx, model.Address(contributorAddr(0)))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), amount)
}

func TestLedger_HeightMismatchRejected(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, 1000000)

	winner := singleWinner("operatorX", 0, 100)
	block := model.BlockView{Height: 7, MajorVersion: 11, Reward: 5000}

	err := ledger.AddBlock(ctx, block, winner, chaincfg.NetworkVersion11, identityDeriver, 1_000_000_000)
	require.Error(t, err)
}

func TestLedger_PayoutEmission(t *testing.T) {
	// S3: once an accrual clears the payout threshold, get_sn_payments
	// returns it only at heights landing on that address's payout phase.
	ctx := context.Background()
	ledger := newTestLedger(t, 10)

	address := model.Address("operatorY")
	offset := payoutOffset(address, 10)

	err := ledger.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		return ledger.AddSNPayments(ctx, tx, []model.Payment{{Address: address, Amount: 2_000_000_000}}, 0)
	})
	require.NoError(t, err)

	offPhaseHeight := offset + 5 // 5 != 0 mod 10, so never on-phase
	due, err := ledger.GetSNPayments(ctx, offPhaseHeight, 1_000_000_000)
	require.NoError(t, err)

	for _, p := range due {
		assert.NotEqual(t, address, p.Address)
	}

	due, err = ledger.GetSNPayments(ctx, offset, 1_000_000_000)
	require.NoError(t, err)

	found := false

	for _, p := range due {
		if p.Address == address {
			found = true
			assert.Equal(t, uint64(2_000_000_000), p.Amount)
		}
	}

	assert.True(t, found)
}

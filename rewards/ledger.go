// Package rewards implements the batched service-node reward ledger: a
// durable, per-address accrual of unpaid rewards, deterministic reward
// splits, and coinbase-payment validation against the computed split.
package rewards

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/errors"
	"github.com/sispop-project/sispopd/model"
	"github.com/sispop-project/sispopd/tracing"
	"github.com/sispop-project/sispopd/ulogger"
)

var prometheusAccrualRows = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sispopd_ledger_accrual_rows",
	Help: "Number of accrual rows currently tracked, as of the last add_block call",
})

// Ledger is the Batch Ledger: durable per-address accrual of unpaid
// service-node rewards, with deterministic reward splits and payout
// emission. It holds no pointer to the host; the host holds the ledger.
type Ledger struct {
	store          *Store
	params         *chaincfg.Params
	payoutInterval uint64
	logger         ulogger.Logger
}

// NewLedger wraps store with the reward-split and payout rules for params's
// network. payoutIntervalBlocks is the SN payout cadence from
// settings.RewardsSettings — distinct from params.GovernanceRewardIntervalBlocks,
// which only gates the governance wallet's own coinbase share.
func NewLedger(store *Store, params *chaincfg.Params, payoutIntervalBlocks uint64, logger ulogger.Logger) *Ledger {
	return &Ledger{store: store, params: params, payoutInterval: payoutIntervalBlocks, logger: logger}
}

// Height returns the next block height the ledger expects to observe.
func (l *Ledger) Height(ctx context.Context) (height uint64, err error) {
	ctx, _, done := tracing.StartTracing(ctx, "rewards:Height")
	defer done()

	err = l.store.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT height FROM ledger_state WHERE id = 1`)

		scanErr := row.Scan(&height)
		if scanErr == sql.ErrNoRows {
			height = 0
			return nil
		}

		return scanErr
	})

	return height, err
}

// UpdateHeight sets the ledger height scalar directly, as an
// insert-or-update against the single ledger_state row.
func (l *Ledger) UpdateHeight(ctx context.Context, tx *sql.Tx, height uint64) error {
	stmt := fmt.Sprintf(`INSERT INTO ledger_state (id, height) VALUES (1, %s)
		ON CONFLICT (id) DO UPDATE SET height = %s`, l.store.db.BindVar(1), l.store.db.BindVar(2))

	if _, err := tx.ExecContext(ctx, stmt, height, height); err != nil {
		return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to update ledger height: %v", err)
	}

	return nil
}

// IncrementHeight advances the ledger height by exactly one, within tx.
func (l *Ledger) IncrementHeight(ctx context.Context, tx *sql.Tx) error {
	var height uint64

	row := tx.QueryRowContext(ctx, `SELECT height FROM ledger_state WHERE id = 1`)
	if err := row.Scan(&height); err != nil && err != sql.ErrNoRows {
		return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to read ledger height: %v", err)
	}

	return l.UpdateHeight(ctx, tx, height+1)
}

// DecrementHeight moves the ledger height back by exactly one, within tx.
// Underflow (height already 0) is a programmer error: the caller popped a
// block the ledger never observed.
func (l *Ledger) DecrementHeight(ctx context.Context, tx *sql.Tx) error {
	var height uint64

	row := tx.QueryRowContext(ctx, `SELECT height FROM ledger_state WHERE id = 1`)
	if err := row.Scan(&height); err != nil {
		return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to read ledger height: %v", err)
	}

	if height == 0 {
		return errors.NewProgrammerError("decrement_height called at height 0")
	}

	return l.UpdateHeight(ctx, tx, height-1)
}

// AddSNPayments adds amount to each address's accrual row, creating the row
// on first accrual. Overflow of the u64 accumulator is a consensus error.
func (l *Ledger) AddSNPayments(ctx context.Context, tx *sql.Tx, payments []model.Payment, blockHeight uint64) error {
	for _, p := range payments {
		var existing uint64

		row := tx.QueryRowContext(ctx, l.bind(`SELECT amount_accumulated FROM accruals WHERE address = ?1`), string(p.Address))

		err := row.Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			offset := payoutOffset(p.Address, l.payoutIntervalBlocks())

			_, execErr := tx.ExecContext(ctx, l.bind(`INSERT INTO accruals (address, amount_accumulated, payout_offset, next_payout_height) VALUES (?1, ?2, ?3, ?4)`),
				string(p.Address), p.Amount, offset, blockHeight+l.payoutIntervalBlocks())
			if execErr != nil {
				return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to insert accrual for %s: %v", p.Address, execErr)
			}
		case err != nil:
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to read accrual for %s: %v", p.Address, err)
		default:
			newAmount := existing + p.Amount
			if newAmount < existing {
				return errors.NewConsensusError(errors.ERR_ARITHMETIC_OVERFLOW, "accrual overflow for address %s", p.Address)
			}

			if _, execErr := tx.ExecContext(ctx, l.bind(`UPDATE accruals SET amount_accumulated = ?1 WHERE address = ?2`),
				newAmount, string(p.Address)); execErr != nil {
				return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to update accrual for %s: %v", p.Address, execErr)
			}
		}
	}

	return nil
}

// SubtractSNPayments subtracts amount from each address's accrual row.
// Underflow is a consensus error. A row that reaches exactly zero is left
// in place (pruning is a separate, later concern) rather than deleted
// eagerly, so finalised-payment rollback can still find it.
func (l *Ledger) SubtractSNPayments(ctx context.Context, tx *sql.Tx, payments []model.Payment, blockHeight uint64) error {
	for _, p := range payments {
		var existing uint64

		row := tx.QueryRowContext(ctx, l.bind(`SELECT amount_accumulated FROM accruals WHERE address = ?1`), string(p.Address))
		if err := row.Scan(&existing); err != nil {
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to read accrual for %s: %v", p.Address, err)
		}

		if p.Amount > existing {
			return errors.NewConsensusError(errors.ERR_ARITHMETIC_UNDERFLOW, "accrual underflow for address %s at height %d", p.Address, blockHeight)
		}

		if _, err := tx.ExecContext(ctx, l.bind(`UPDATE accruals SET amount_accumulated = ?1 WHERE address = ?2`),
			existing-p.Amount, string(p.Address)); err != nil {
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to update accrual for %s: %v", p.Address, err)
		}
	}

	return nil
}

// GetSNPayments returns the payouts that should appear in blockHeight's
// coinbase: rows whose payout phase matches blockHeight and whose balance
// is at least the minimum payout threshold, ordered by address
// lexicographically. This ordering, not insertion order, is the consensus
// rule.
func (l *Ledger) GetSNPayments(ctx context.Context, blockHeight uint64, minimumPayoutThreshold uint64) (payments []model.Payment, err error) {
	ctx, _, done := tracing.StartTracing(ctx, "rewards:GetSNPayments")
	defer done()

	interval := l.payoutIntervalBlocks()

	err = l.store.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, queryErr := tx.QueryContext(ctx, l.bind(`SELECT address, amount_accumulated FROM accruals WHERE amount_accumulated >= ?1`), minimumPayoutThreshold)
		if queryErr != nil {
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to query accruals: %v", queryErr)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				address string
				amount  uint64
			)

			if scanErr := rows.Scan(&address, &amount); scanErr != nil {
				return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to scan accrual row: %v", scanErr)
			}

			offset := payoutOffset(model.Address(address), interval)
			if interval == 0 || blockHeight%interval == offset {
				payments = append(payments, model.Payment{Address: model.Address(address), Amount: amount})
			}
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(payments, func(i, j int) bool { return payments[i].Address < payments[j].Address })

	return payments, nil
}

// RetrieveAmountByAddress is a single-row read of one address's current
// accrual balance.
func (l *Ledger) RetrieveAmountByAddress(ctx context.Context, address model.Address) (amount uint64, err error) {
	err = l.store.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, l.bind(`SELECT amount_accumulated FROM accruals WHERE address = ?1`), string(address))

		scanErr := row.Scan(&amount)
		if scanErr == sql.ErrNoRows {
			amount = 0
			return nil
		}

		return scanErr
	})

	return amount, err
}

// BatchingCount returns the number of accrual rows currently tracked.
func (l *Ledger) BatchingCount(ctx context.Context) (count uint64, err error) {
	err = l.store.withReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accruals`)
		return row.Scan(&count)
	})

	return count, err
}

// CalculateRewards splits block's reward across the winner's contributors.
// The operator receives its fee cut of the stakers' portion plus the
// rounding remainder left after each contributor's floor-divided share;
// the sum of outputs always equals the block reward exactly.
func CalculateRewards(block model.BlockView, winner model.Winner) ([]model.Payment, error) {
	if winner.StakeShareTotal == 0 {
		return nil, errors.NewConsensusError(errors.ERR_INVALID_ARGUMENT, "winner has zero total stake share")
	}

	operatorFeeAmount := block.Reward * winner.OperatorFeeCutPct / 100
	stakersPortion := block.Reward - operatorFeeAmount

	payments := make(map[model.Address]uint64, len(winner.Contributors)+1)
	distributed := uint64(0)

	for _, c := range winner.Contributors {
		share := stakersPortion * c.StakeShare / winner.StakeShareTotal
		payments[c.Address] += share
		distributed += share
	}

	remainder := stakersPortion - distributed
	payments[winner.OperatorAddress] += operatorFeeAmount + remainder

	out := make([]model.Payment, 0, len(payments))

	var sum uint64
	for addr, amt := range payments {
		out = append(out, model.Payment{Address: addr, Amount: amt})
		sum += amt
	}

	if sum != block.Reward {
		return nil, errors.NewConsensusError(errors.ERR_REWARD_SUM_MISMATCH, "reward split sums to %d, want %d", sum, block.Reward)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out, nil
}

// IsGovernancePayment reports whether output matches the governance wallet
// address active at hardForkVersion on the ledger's network.
func (l *Ledger) IsGovernancePayment(output model.CoinbaseOutput, hardForkVersion uint8, deriver model.AddressDeriver) bool {
	govAddress := l.params.GovernanceWalletAddress(hardForkVersion)
	if govAddress == "" {
		return false
	}

	derived, err := deriver(model.Address(govAddress), l.params.AddressBase58Prefix)
	if err != nil {
		return false
	}

	return bytes.Equal(derived, output.PubKeyOrScriptHash)
}

// AddBlock applies block's reward split and payout emission as one
// transaction: height check, calculate_rewards + add_sn_payments,
// get_sn_payments, validate_batch_payment, subtract_sn_payments for amounts
// the coinbase actually paid, save_block_payments, then increment_height.
// Either every step commits or none do.
func (l *Ledger) AddBlock(ctx context.Context, block model.BlockView, winner model.Winner, hardForkVersion uint8, deriver model.AddressDeriver, minimumPayoutThreshold uint64) (err error) {
	ctx, _, done := tracing.StartTracing(ctx, "rewards:AddBlock")
	defer done()

	defer func() {
		if err != nil {
			prometheusLedgerErrors.WithLabelValues("add_block").Inc()
			return
		}

		prometheusLedgerAddBlock.Inc()
	}()

	return l.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		var ledgerHeight uint64

		row := tx.QueryRowContext(ctx, `SELECT height FROM ledger_state WHERE id = 1`)
		if scanErr := row.Scan(&ledgerHeight); scanErr != nil && scanErr != sql.ErrNoRows {
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to read ledger height: %v", scanErr)
		}

		if uint64(block.Height) != ledgerHeight {
			return errors.NewConsensusError(errors.ERR_HEIGHT_MISMATCH, "block height %d does not match ledger height %d", block.Height, ledgerHeight)
		}

		calculated, calcErr := CalculateRewards(block, winner)
		if calcErr != nil {
			return calcErr
		}

		if addErr := l.AddSNPayments(ctx, tx, calculated, uint64(block.Height)); addErr != nil {
			return addErr
		}

		due, dueErr := l.getSNPaymentsTx(ctx, tx, uint64(block.Height), minimumPayoutThreshold)
		if dueErr != nil {
			return dueErr
		}

		hasGovernanceOutput := blockHasGovernanceOutput(block, hardForkVersion, l.params, deriver)

		ok, actuallyPaid, validateErr := validateBatchPayment(block.CoinbaseOutputs, due, hardForkVersion, l.params, deriver, hasGovernanceOutput)
		if validateErr != nil {
			return validateErr
		}

		if !ok {
			return errors.NewConsensusError(errors.ERR_COINBASE_MISMATCH, "coinbase outputs at height %d do not match calculated payouts", block.Height)
		}

		if len(actuallyPaid) > 0 {
			if subErr := l.SubtractSNPayments(ctx, tx, actuallyPaid, uint64(block.Height)); subErr != nil {
				return subErr
			}

			if saveErr := l.saveBlockPayments(ctx, tx, actuallyPaid, uint64(block.Height)); saveErr != nil {
				return saveErr
			}
		}

		if incErr := l.IncrementHeight(ctx, tx); incErr != nil {
			return incErr
		}

		var rowCount uint64
		if countErr := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accruals`).Scan(&rowCount); countErr == nil {
			prometheusAccrualRows.Set(float64(rowCount))
		}

		return nil
	})
}

// PopBlock is the exact inverse of AddBlock: re-add the finalised payments
// recorded for block.Height, subtract the accruals added for block, delete
// the finalised-payment rows, and decrement height. add_block; pop_block
// must be the identity.
func (l *Ledger) PopBlock(ctx context.Context, block model.BlockView, winner model.Winner) (err error) {
	ctx, _, done := tracing.StartTracing(ctx, "rewards:PopBlock")
	defer done()

	defer func() {
		if err != nil {
			prometheusLedgerErrors.WithLabelValues("pop_block").Inc()
			return
		}

		prometheusLedgerPopBlock.Inc()
	}()

	return l.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		finalised, loadErr := l.getBlockPayments(ctx, tx, uint64(block.Height))
		if loadErr != nil {
			return loadErr
		}

		if len(finalised) > 0 {
			if addErr := l.AddSNPayments(ctx, tx, finalised, uint64(block.Height)); addErr != nil {
				return addErr
			}
		}

		calculated, calcErr := CalculateRewards(block, winner)
		if calcErr != nil {
			return calcErr
		}

		if subErr := l.SubtractSNPayments(ctx, tx, calculated, uint64(block.Height)); subErr != nil {
			return subErr
		}

		if delErr := l.deleteBlockPayments(ctx, tx, uint64(block.Height)); delErr != nil {
			return delErr
		}

		return l.DecrementHeight(ctx, tx)
	})
}

func (l *Ledger) getSNPaymentsTx(ctx context.Context, tx *sql.Tx, blockHeight uint64, minimumPayoutThreshold uint64) ([]model.Payment, error) {
	rows, err := tx.QueryContext(ctx, l.bind(`SELECT address, amount_accumulated FROM accruals WHERE amount_accumulated >= ?1`), minimumPayoutThreshold)
	if err != nil {
		return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to query accruals: %v", err)
	}
	defer rows.Close()

	interval := l.payoutIntervalBlocks()

	var out []model.Payment

	for rows.Next() {
		var (
			address string
			amount  uint64
		)

		if scanErr := rows.Scan(&address, &amount); scanErr != nil {
			return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to scan accrual row: %v", scanErr)
		}

		offset := payoutOffset(model.Address(address), interval)
		if interval == 0 || blockHeight%interval == offset {
			out = append(out, model.Payment{Address: model.Address(address), Amount: amount})
		}
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to iterate accrual rows: %v", rowsErr)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out, nil
}

func (l *Ledger) saveBlockPayments(ctx context.Context, tx *sql.Tx, payments []model.Payment, blockHeight uint64) error {
	interval := l.payoutIntervalBlocks()

	for _, p := range payments {
		offset := payoutOffset(p.Address, interval)

		if _, err := tx.ExecContext(ctx, l.bind(`INSERT INTO finalised_payments (address, amount_paid, payout_offset, block_height) VALUES (?1, ?2, ?3, ?4)`),
			string(p.Address), p.Amount, offset, blockHeight); err != nil {
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to save finalised payment for %s at height %d: %v", p.Address, blockHeight, err)
		}
	}

	return nil
}

func (l *Ledger) getBlockPayments(ctx context.Context, tx *sql.Tx, blockHeight uint64) ([]model.Payment, error) {
	rows, err := tx.QueryContext(ctx, l.bind(`SELECT address, amount_paid FROM finalised_payments WHERE block_height = ?1`), blockHeight)
	if err != nil {
		return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to query finalised payments at height %d: %v", blockHeight, err)
	}
	defer rows.Close()

	var out []model.Payment

	for rows.Next() {
		var (
			address string
			amount  uint64
		)

		if scanErr := rows.Scan(&address, &amount); scanErr != nil {
			return nil, errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to scan finalised payment row: %v", scanErr)
		}

		out = append(out, model.Payment{Address: model.Address(address), Amount: amount})
	}

	return out, rows.Err()
}

func (l *Ledger) deleteBlockPayments(ctx context.Context, tx *sql.Tx, blockHeight uint64) error {
	if _, err := tx.ExecContext(ctx, l.bind(`DELETE FROM finalised_payments WHERE block_height = ?1`), blockHeight); err != nil {
		return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to delete finalised payments at height %d: %v", blockHeight, err)
	}

	return nil
}

// validateBatchPayment compares the coinbase's SN-payment outputs against
// calculated by multiset equality of (derived public key, amount) pairs,
// ignoring order,
// skipping outputs that match the active governance wallet. It returns
// which of calculated's payments the coinbase actually paid, for the
// caller's subsequent subtract_sn_payments call.
func validateBatchPayment(outputs []model.CoinbaseOutput, calculated []model.Payment, hardForkVersion uint8, params *chaincfg.Params, deriver model.AddressDeriver, hasGovernanceOutput bool) (ok bool, paid []model.Payment, err error) {
	remaining := make(map[string]map[uint64]int, len(calculated))
	for _, p := range calculated {
		if remaining[string(p.Address)] == nil {
			remaining[string(p.Address)] = make(map[uint64]int)
		}
		remaining[string(p.Address)][p.Amount]++
	}

	derivedToAddress := make(map[string]model.Address, len(calculated))
	for _, p := range calculated {
		derived, derivErr := deriver(p.Address, params.AddressBase58Prefix)
		if derivErr != nil {
			return false, nil, errors.NewInputError(errors.ERR_UNKNOWN_ADDRESS, "failed to derive output key for %s: %v", p.Address, derivErr)
		}

		derivedToAddress[string(derived)] = p.Address
	}

	govAddress := ""
	if hasGovernanceOutput {
		govAddress = params.GovernanceWalletAddress(hardForkVersion)
	}

	for _, out := range outputs {
		if govAddress != "" {
			govDerived, derivErr := deriver(model.Address(govAddress), params.AddressBase58Prefix)
			if derivErr == nil && bytes.Equal(govDerived, out.PubKeyOrScriptHash) {
				continue
			}
		}

		addr, known := derivedToAddress[string(out.PubKeyOrScriptHash)]
		if !known {
			return false, nil, nil
		}

		amounts, exists := remaining[string(addr)]
		if !exists || amounts[out.Amount] == 0 {
			return false, nil, nil
		}

		amounts[out.Amount]--
		paid = append(paid, model.Payment{Address: addr, Amount: out.Amount})
	}

	for _, amounts := range remaining {
		for _, left := range amounts {
			if left != 0 {
				return false, nil, nil
			}
		}
	}

	sort.Slice(paid, func(i, j int) bool { return paid[i].Address < paid[j].Address })

	return true, paid, nil
}

func blockHasGovernanceOutput(block model.BlockView, hardForkVersion uint8, params *chaincfg.Params, deriver model.AddressDeriver) bool {
	govAddress := params.GovernanceWalletAddress(hardForkVersion)
	if govAddress == "" {
		return false
	}

	derived, err := deriver(model.Address(govAddress), params.AddressBase58Prefix)
	if err != nil {
		return false
	}

	for _, out := range block.CoinbaseOutputs {
		if bytes.Equal(derived, out.PubKeyOrScriptHash) {
			return true
		}
	}

	return false
}

func (l *Ledger) payoutIntervalBlocks() uint64 {
	if l.payoutInterval == 0 {
		return 1
	}

	return l.payoutInterval
}

// payoutOffset spreads payouts across the interval so not every operator is
// paid in the same block: offset = addressHash(address) mod interval.
func payoutOffset(address model.Address, interval uint64) uint64 {
	if interval == 0 {
		return 0
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(address))

	return uint64(h.Sum32()) % interval
}

// bind rewrites ?1, ?2, ... placeholders in stmt to the store's engine
// bind-variable style ("$1" for postgres, "?" for sqlite).
func (l *Ledger) bind(stmt string) string {
	pairs := make([]string, 0, 18)

	for n := 1; n <= 9; n++ {
		pairs = append(pairs, fmt.Sprintf("?%d", n), l.store.db.BindVar(n))
	}

	return strings.NewReplacer(pairs...).Replace(stmt)
}

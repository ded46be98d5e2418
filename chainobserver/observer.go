// Package chainobserver is the facade the host blockchain invokes on every
// accepted or detached block. It owns one Batch Ledger and one Checkpoint
// Registry for the active network and keeps them moving in lock-step: a
// block is only ever handed to the registry's cull/store step once the
// ledger has accepted it, and a detach always unwinds both in the same
// call.
package chainobserver

import (
	"context"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/sispop-project/sispopd/chaincfg"
	"github.com/sispop-project/sispopd/checkpoints"
	"github.com/sispop-project/sispopd/errors"
	"github.com/sispop-project/sispopd/model"
	"github.com/sispop-project/sispopd/rewards"
	"github.com/sispop-project/sispopd/settings"
	"github.com/sispop-project/sispopd/store/usql"
	"github.com/sispop-project/sispopd/tracing"
	"github.com/sispop-project/sispopd/ulogger"
)

// ChainObserver couples the Batch Ledger and Checkpoint Registry behind the
// two operations the host's chain-acceptance path actually calls.
type ChainObserver struct {
	ledger   *rewards.Ledger
	registry *checkpoints.Registry
	params   *chaincfg.Params
	settings *settings.Settings
	deriver  model.AddressDeriver
	logger   ulogger.Logger
}

// New opens the durable stores for both components and wires them to
// params's network. deriver is the host's address-to-output-key function;
// the ledger calls back into it only while validating a coinbase.
func New(ctx context.Context, logger ulogger.Logger, cfg *settings.Settings, deriver model.AddressDeriver) (*ChainObserver, error) {
	net, err := chaincfg.ParseNetworkType(cfg.Network)
	if err != nil {
		return nil, errors.NewInputError(errors.ERR_UNKNOWN_NETWORK_TYPE, "unknown network %q: %v", cfg.Network, err)
	}

	params, err := chaincfg.GetParams(net)
	if err != nil {
		return nil, errors.NewInputError(errors.ERR_UNKNOWN_NETWORK_TYPE, "%v", err)
	}

	// The rewards and checkpoints stores are independent durable handles -
	// opening and priming them (the registry's membership-filter scan in
	// particular) doesn't need to be sequential.
	g, gCtx := errgroup.WithContext(ctx)

	var (
		ledger   *rewards.Ledger
		registry *checkpoints.Registry
	)

	g.Go(func() error {
		rewardsStoreURL, err := url.Parse(cfg.Rewards.StoreURL)
		if err != nil {
			return errors.NewInputError(errors.ERR_INVALID_ARGUMENT, "malformed rewards store URL %q: %v", cfg.Rewards.StoreURL, err)
		}

		rewardsDB, err := usql.Open(logger, rewardsStoreURL)
		if err != nil {
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to open rewards store: %v", err)
		}

		rewardsStore, err := rewards.NewStore(gCtx, logger, rewardsDB, cfg.Rewards.DBTimeout)
		if err != nil {
			return err
		}

		ledger = rewards.NewLedger(rewardsStore, params, cfg.Rewards.PayoutIntervalBlocks, logger)

		return nil
	})

	g.Go(func() error {
		checkpointsStoreURL, err := url.Parse(cfg.Checkpoints.StoreURL)
		if err != nil {
			return errors.NewInputError(errors.ERR_INVALID_ARGUMENT, "malformed checkpoints store URL %q: %v", cfg.Checkpoints.StoreURL, err)
		}

		checkpointsDB, err := usql.Open(logger, checkpointsStoreURL)
		if err != nil {
			return errors.NewStorageError(errors.ERR_STORAGE_IO, "failed to open checkpoints store: %v", err)
		}

		checkpointsStore, err := checkpoints.NewStore(gCtx, logger, checkpointsDB, cfg.Checkpoints.DBTimeout)
		if err != nil {
			return err
		}

		registry, err = checkpoints.NewRegistry(gCtx, logger, checkpointsStore, params)

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ChainObserver{
		ledger:   ledger,
		registry: registry,
		params:   params,
		settings: cfg,
		deriver:  deriver,
		logger:   logger,
	}, nil
}

// AddBlock validates and applies block to the Batch Ledger, then runs the
// Checkpoint Registry's cull sweep and stores checkpoint if consensus
// produced one for this height. A ledger failure rejects the block before
// the registry is touched, so a rejected block never advances cull state.
func (o *ChainObserver) AddBlock(ctx context.Context, block model.BlockView, winner model.Winner, checkpoint *model.Checkpoint) error {
	ctx, _, done := tracing.StartTracing(ctx, "ChainObserver:AddBlock")
	defer done()

	if err := o.ledger.AddBlock(ctx, block, winner, block.MajorVersion, o.deriver, o.settings.Rewards.MinimumPayoutThreshold); err != nil {
		return err
	}

	return o.registry.BlockAdded(ctx, block, checkpoint)
}

// PopBlock is the inverse of AddBlock: it unwinds the ledger's accrual for
// block, then rolls the Checkpoint Registry back to before block.Height.
func (o *ChainObserver) PopBlock(ctx context.Context, block model.BlockView, winner model.Winner) error {
	ctx, _, done := tracing.StartTracing(ctx, "ChainObserver:PopBlock")
	defer done()

	if err := o.ledger.PopBlock(ctx, block, winner); err != nil {
		return err
	}

	return o.registry.BlockchainDetached(ctx, uint64(block.Height))
}

// IsAlternativeBlockAllowed reports whether an alternative chain may fork at
// blockHeight, given the main chain's current height chainHeight.
func (o *ChainObserver) IsAlternativeBlockAllowed(ctx context.Context, chainHeight, blockHeight uint64) (bool, bool, error) {
	return o.registry.IsAlternativeBlockAllowed(ctx, chainHeight, blockHeight)
}

// CheckBlock reports whether hash is consistent with any checkpoint stored
// at height.
func (o *ChainObserver) CheckBlock(ctx context.Context, height uint64, hash model.Hash) (ok, isCheckpoint, isServiceNodeCheckpoint bool, err error) {
	return o.registry.CheckBlock(ctx, height, hash)
}

// Params returns the network parameters this observer was built for.
func (o *ChainObserver) Params() *chaincfg.Params {
	return o.params
}

// Close releases background resources held by the observer's components.
func (o *ChainObserver) Close() {
	o.registry.Close()
}

// Ledger exposes the underlying Batch Ledger for read-only tooling such as
// the inspect/export CLI commands. Consensus code should go through
// AddBlock/PopBlock instead.
func (o *ChainObserver) Ledger() *rewards.Ledger {
	return o.ledger
}

// Registry exposes the underlying Checkpoint Registry for read-only tooling
// such as the inspect/export CLI commands. Consensus code should go through
// AddBlock/PopBlock/CheckBlock/IsAlternativeBlockAllowed instead.
func (o *ChainObserver) Registry() *checkpoints.Registry {
	return o.registry
}

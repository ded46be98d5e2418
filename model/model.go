// Package model holds the lightweight domain types shared by the Batch
// Ledger, Checkpoint Registry, and the Chain Observer facade: addresses,
// atomic amounts, block views, contributors, and checkpoints. Block and
// transaction parsing/validation themselves are out of scope; these are the
// view types the host hands in after doing that work itself.
package model

import "github.com/libsv/go-bt/v2/chainhash"

// Hash is a 32-byte block or transaction hash.
type Hash = chainhash.Hash

// Address is the canonical textual encoding of a service-node operator or
// contributor address under the active network's address prefix. It is the
// Batch Ledger's primary key; conversion to the on-chain output public key
// happens only at validation time, via an AddressDeriver.
type Address string

// Payment is an (address, amount) pair in atomic units.
type Payment struct {
	Address Address
	Amount  uint64
}

// Contributor is one stake-holder behind a winning service node, carrying
// its share of the stakers' portion of the block reward.
type Contributor struct {
	Address    Address
	StakeShare uint64 // out of StakeShareTotal across all contributors of the same block
}

// Winner is the service node selected to receive a given block's reward,
// together with its contributors and the operator's fee cut.
type Winner struct {
	OperatorAddress   Address
	OperatorFeeCutPct uint64 // percentage, 0-100, of the stakers' portion
	Contributors      []Contributor
	StakeShareTotal   uint64
}

// CoinbaseOutput is one output of a block's coinbase transaction, as seen by
// the ledger: either a public key hash or a script hash, plus its amount.
type CoinbaseOutput struct {
	PubKeyOrScriptHash []byte
	Amount             uint64
}

// BlockView is the subset of a block's fields the Batch Ledger and
// Checkpoint Registry need: the host is responsible for producing it from
// the real block after consensus validation.
type BlockView struct {
	Height          uint32
	MajorVersion    uint8
	Hash            Hash
	Reward          uint64
	CoinbaseOutputs []CoinbaseOutput
}

// AddressDeriver derives the on-chain output public key (or script hash) an
// address would receive funds at, for the given network. The Batch Ledger
// never derives keys itself; it calls back into this host-supplied function
// only when validating a coinbase.
type AddressDeriver func(address Address, addressPrefix byte) ([]byte, error)

// CheckpointType distinguishes checkpoints seeded from the hardcoded table
// at init from those produced by service-node consensus at runtime.
type CheckpointType uint8

const (
	CheckpointHardcoded CheckpointType = iota
	CheckpointServiceNode
)

// CheckpointSignature is one service-node's vote on a ServiceNode-type
// checkpoint.
type CheckpointSignature struct {
	VoterIndex uint32
	Signature  []byte
}

// Checkpoint is a (height, hash) commitment bounding reorg depth.
// Signatures are populated only for CheckpointServiceNode.
type Checkpoint struct {
	Height     uint64
	Hash       Hash
	Type       CheckpointType
	Signatures []CheckpointSignature
}

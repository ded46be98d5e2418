// Package chaincfg is the read-only network-parameter table consumed by the
// Batch Ledger and Checkpoint Registry. It is a value, not a mutable global:
// callers select a Params by NetworkType and pass it through explicitly.
package chaincfg

import (
	"fmt"

	"github.com/google/uuid"
)

// NetworkType identifies which network a Params describes.
type NetworkType uint8

const (
	Mainnet NetworkType = iota
	Testnet
	Stagenet
	Fakechain
	UndefinedNetwork NetworkType = 255
)

func (n NetworkType) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Stagenet:
		return "stagenet"
	case Fakechain:
		return "fakechain"
	default:
		return "undefined"
	}
}

// Hard-fork version sequence. Consensus behaviour (governance-wallet switch,
// checkpoint eligibility) is gated on these, never on a mutable config flag.
const (
	NetworkVersion7 uint8 = iota + 7
	NetworkVersion8
	NetworkVersion9
	NetworkVersion10
	NetworkVersion11
	NetworkVersion12
	NetworkVersion13
)

// Chain-compat constants, bit-exact with the existing chain.
const (
	// DifficultyTargetV2 is the target block time, in seconds, under PoW
	// difficulty algorithm v2.
	DifficultyTargetV2 = 120

	// Coin is the number of atomic units in one base coin.
	Coin uint64 = 1_000_000_000

	// CheckpointInterval is the height spacing at which checkpoints are
	// stored.
	CheckpointInterval uint64 = 60

	// CheckpointStorePersistentlyInterval retains every Nth checkpoint as a
	// permanent anchor.
	CheckpointStorePersistentlyInterval uint64 = 10000

	// MinCheckpointVersion is the minimum block major version the cull
	// sweep and checkpoint storage apply to.
	MinCheckpointVersion uint8 = 12
)

// GovernanceWallet is one entry in a network's governance-wallet-by-hardfork
// table: Address is active for hard-fork versions in
// [ActiveFromVersion, ActiveUntilVersion].
type GovernanceWallet struct {
	Address           string
	ActiveFromVersion uint8
	ActiveUntilVersion uint8 // 0 means "no upper bound"
}

// Params is the full network-parameter table for one NetworkType.
type Params struct {
	Net                            NetworkType
	Name                           string
	AddressBase58Prefix            byte
	P2PDefaultPort                 uint16
	RPCDefaultPort                 uint16
	ZMQRPCDefaultPort              uint16
	NetworkID                      uuid.UUID
	GenesisTx                      string
	GenesisNonce                   uint32
	GovernanceRewardIntervalBlocks uint64
	GovernanceWallets              []GovernanceWallet
}

// GovernanceWalletAddress returns the governance wallet address active at
// hardForkVersion, or "" if none is configured for that version. This is a
// pure table lookup, not a stateful switch, per the design note that the
// governance-address selection must never mutate shared config.
func (p *Params) GovernanceWalletAddress(hardForkVersion uint8) string {
	for _, w := range p.GovernanceWallets {
		if hardForkVersion >= w.ActiveFromVersion && (w.ActiveUntilVersion == 0 || hardForkVersion <= w.ActiveUntilVersion) {
			return w.Address
		}
	}

	return ""
}

const genesisTxTemplate = "013c01ff0001ffffffffffff03029b2e4c0281c0b02e7c53291a94d1d0cbff8883f8024f5142ee494ffbbd08807121013c086a48c15fb637a96991bc6d53caf77068b5104d9e38" +
	"0d53273b0209c3d91"

var mainnetParams = &Params{
	Net:                            Mainnet,
	Name:                           "mainnet",
	AddressBase58Prefix:            18,
	P2PDefaultPort:                 20000,
	RPCDefaultPort:                 30000,
	ZMQRPCDefaultPort:              4000,
	NetworkID:                      uuid.MustParse("11110000-0002-0003-0004-000500060007"),
	GenesisTx:                      genesisTxTemplate,
	GenesisNonce:                   70,
	GovernanceRewardIntervalBlocks: (60 * 60) / DifficultyTargetV2,
	GovernanceWallets: []GovernanceWallet{
		{Address: "SiSPoP1GovernanceWalletPreV10xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", ActiveFromVersion: NetworkVersion7, ActiveUntilVersion: NetworkVersion10},
		{Address: "SiSPoP1GovernanceWalletPostV10xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", ActiveFromVersion: NetworkVersion11},
	},
}

var testnetParams = &Params{
	Net:                            Testnet,
	Name:                           "testnet",
	AddressBase58Prefix:            156,
	P2PDefaultPort:                 20000,
	RPCDefaultPort:                 30000,
	ZMQRPCDefaultPort:              4000,
	NetworkID:                      uuid.MustParse("22220000-0002-0003-0004-000500060007"),
	GenesisTx:                      genesisTxTemplate,
	GenesisNonce:                   70,
	GovernanceRewardIntervalBlocks: 1000,
	GovernanceWallets: []GovernanceWallet{
		{Address: "TSiSPoP1GovernanceWalletPreV9xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", ActiveFromVersion: NetworkVersion7, ActiveUntilVersion: NetworkVersion9},
		{Address: "TSiSPoP1GovernanceWalletPostV9xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", ActiveFromVersion: NetworkVersion10},
	},
}

var stagenetParams = &Params{
	Net:                            Stagenet,
	Name:                           "stagenet",
	AddressBase58Prefix:            24,
	P2PDefaultPort:                 20000,
	RPCDefaultPort:                 30000,
	ZMQRPCDefaultPort:              4000,
	NetworkID:                      uuid.MustParse("33330000-0002-0003-0004-000500060007"),
	GenesisTx:                      genesisTxTemplate,
	GenesisNonce:                   70,
	GovernanceRewardIntervalBlocks: (60 * 60 * 24 * 7) / DifficultyTargetV2,
	GovernanceWallets: []GovernanceWallet{
		{Address: "ZSiSPoP1GovernanceWalletPreV9xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", ActiveFromVersion: NetworkVersion7, ActiveUntilVersion: NetworkVersion9},
		{Address: "ZSiSPoP1GovernanceWalletPostV9xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", ActiveFromVersion: NetworkVersion10},
	},
}

var fakechainParams = &Params{
	Net:                            Fakechain,
	Name:                           "fakechain",
	AddressBase58Prefix:            24,
	P2PDefaultPort:                 20000,
	RPCDefaultPort:                 30000,
	ZMQRPCDefaultPort:              4000,
	NetworkID:                      uuid.MustParse("44440000-0002-0003-0004-000500060007"),
	GenesisTx:                      genesisTxTemplate,
	GenesisNonce:                   70,
	GovernanceRewardIntervalBlocks: 100,
	GovernanceWallets:              stagenetParams.GovernanceWallets,
}

var registered = map[NetworkType]*Params{
	Mainnet:   mainnetParams,
	Testnet:   testnetParams,
	Stagenet:  stagenetParams,
	Fakechain: fakechainParams,
}

// GetParams returns the registered Params for net.
func GetParams(net NetworkType) (*Params, error) {
	p, ok := registered[net]
	if !ok {
		return nil, fmt.Errorf("unknown network type: %d", net)
	}

	return p, nil
}

// MustGetParams is GetParams but panics on an unknown network; useful at
// process start where an unknown network is a configuration error, not a
// runtime condition to recover from.
func MustGetParams(net NetworkType) *Params {
	p, err := GetParams(net)
	if err != nil {
		panic(err)
	}

	return p
}

// ParseNetworkType maps a config string ("mainnet", "testnet", "stagenet",
// "fakechain") to its NetworkType.
func ParseNetworkType(s string) (NetworkType, error) {
	switch s {
	case "mainnet", "":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "stagenet":
		return Stagenet, nil
	case "fakechain":
		return Fakechain, nil
	default:
		return UndefinedNetwork, fmt.Errorf("unknown network type: %q", s)
	}
}

// Package chainspec describes the chains EDR can run. A chain is a
// RuntimeSpec parameterized by its hardfork enum: it owns the hardfork
// schedules of the networks it knows, decodes its transaction envelopes,
// converts remote JSON-RPC data and supplies the per-transaction hooks
// that differ between L1 and L2 execution.
//
// Three chains are provided in subpackages: l1, op (OP-stack L2s) and
// generic (any chain id, tolerating unknown transaction types).
package chainspec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

// DefaultSafeDepth is the reorg depth assumed for chains without a
// configured one.
const DefaultSafeDepth = 128

// ChainConfig is the static description of a known network.
type ChainConfig[H Hardfork] struct {
	Name        string
	BaseFee     BaseFeeParams[H]
	Activations Activations[H]
	// SafeDepth is how far behind the tip a block must be before its
	// remote data may be cached and used as a default fork point.
	SafeDepth uint64
}

// SafeBlockNumber returns the newest block number considered final given
// the remote tip.
func (c *ChainConfig[H]) SafeBlockNumber(latest uint64) uint64 {
	depth := c.SafeDepth
	if depth == 0 {
		depth = DefaultSafeDepth
	}
	if latest < depth {
		return 0
	}
	return latest - depth
}

// Registry maps chain ids to configurations. It is built once at init and
// never mutated.
type Registry[H Hardfork] map[uint64]*ChainConfig[H]

// Lookup returns the configuration of chainID.
func (r Registry[H]) Lookup(chainID uint64) (*ChainConfig[H], bool) {
	c, ok := r[chainID]
	return c, ok
}

// StateAccess is the slice of the execution database that chain hooks
// need.
type StateAccess interface {
	GetState(addr common.Address, slot common.Hash) common.Hash
	GetBalance(addr common.Address) *uint256.Int
	GetNonce(addr common.Address) uint64
	Credit(addr common.Address, amount *uint256.Int)
	Debit(addr common.Address, amount *uint256.Int) error
}

// TxHooks run around the interpreter for every transaction in a block.
type TxHooks interface {
	// BeforeTransaction runs before validation, e.g. to mint deposits.
	BeforeTransaction(st StateAccess, tx *transaction.Signed) error
	// AfterTransaction runs after execution and returns any L1 fee data
	// for the receipt.
	AfterTransaction(st StateAccess, tx *transaction.Signed, gasUsed uint64) (*receipt.L1Fee, error)
}

// NoHooks is the TxHooks of chains without extra per-transaction work.
type NoHooks struct{}

func (NoHooks) BeforeTransaction(StateAccess, *transaction.Signed) error { return nil }

func (NoHooks) AfterTransaction(StateAccess, *transaction.Signed, uint64) (*receipt.L1Fee, error) {
	return nil, nil
}

// Reward is a block reward credited when a block is finalized.
type Reward struct {
	Address common.Address
	Amount  *big.Int
}

// ReceiptContext is what a chain needs to build an execution receipt.
type ReceiptContext struct {
	Tx            *transaction.Signed
	Success       bool
	CumulativeGas uint64
	Logs          []*types.Log
	PostState     []byte
	// SenderNonce is the sender's nonce before execution.
	SenderNonce uint64
}

// RuntimeSpec binds everything that varies between chains.
type RuntimeSpec[H Hardfork] interface {
	// Name identifies the chain type, e.g. "l1" or "op".
	Name() string
	// DefaultHardfork is used when neither config nor chain id names one.
	DefaultHardfork() H
	ParseHardfork(name string) (H, error)
	// ChainConfig returns the known network with chainID.
	ChainConfig(chainID uint64) (*ChainConfig[H], bool)
	// DefaultBaseFeeParams applies to chain ids without a ChainConfig.
	DefaultBaseFeeParams() BaseFeeParams[H]

	// DecodeTransaction parses a raw envelope submitted by a user.
	DecodeTransaction(raw []byte) (*transaction.Pooled, error)
	// ConvertRPCTransaction converts a transaction fetched from a remote
	// node.
	ConvertRPCTransaction(tx *transaction.RPCTransaction) (*transaction.Signed, error)
	// ValidateTransactionType rejects envelopes the chain cannot execute at h.
	ValidateTransactionType(tx *transaction.Signed, h H) error

	Hooks(h H) TxHooks
	ExecutionReceipt(ctx ReceiptContext, h H) *receipt.Execution
	BlockRewards(h H, coinbase common.Address) []Reward

	CastTransactionError(err error, funds *Funds) error
	CastHaltReason(err error) *FailureReason
}

// HardforkAt resolves the hardfork of (number, timestamp) on chainID,
// returning ErrMissingHardforkActivations for unknown chains.
func HardforkAt[H Hardfork](spec RuntimeSpec[H], chainID, number, timestamp uint64) (H, error) {
	cfg, ok := spec.ChainConfig(chainID)
	if !ok || len(cfg.Activations) == 0 {
		var zero H
		return zero, ErrMissingHardforkActivations
	}
	return cfg.Activations.HardforkAt(number, timestamp)
}

// BaseFeeParamsFor returns the base fee schedule of chainID.
func BaseFeeParamsFor[H Hardfork](spec RuntimeSpec[H], chainID uint64) BaseFeeParams[H] {
	if cfg, ok := spec.ChainConfig(chainID); ok && !cfg.BaseFee.IsZero() {
		return cfg.BaseFee
	}
	return spec.DefaultBaseFeeParams()
}

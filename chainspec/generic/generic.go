// Package generic is the chain specification used for chain ids EDR has
// no dedicated support for. It behaves like L1 but tolerates remote
// transactions of unknown envelope types.
package generic

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/chainspec/l1"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

var logger = log.Module("chainspec")

// Hardfork is the L1 hardfork enum.
type Hardfork = chainspec.SpecID

// Spec is the generic RuntimeSpec.
type Spec struct{}

var _ chainspec.RuntimeSpec[Hardfork] = Spec{}

func (Spec) Name() string { return "generic" }

func (Spec) DefaultHardfork() Hardfork { return chainspec.Prague }

func (Spec) ParseHardfork(name string) (Hardfork, error) { return chainspec.ParseSpecID(name) }

func (Spec) ChainConfig(chainID uint64) (*chainspec.ChainConfig[Hardfork], bool) {
	return l1.Chains.Lookup(chainID)
}

func (Spec) DefaultBaseFeeParams() chainspec.BaseFeeParams[Hardfork] {
	return chainspec.ConstantBaseFee[Hardfork](header.MainnetBaseFeeParams)
}

func (Spec) DecodeTransaction(raw []byte) (*transaction.Pooled, error) {
	return transaction.DecodePooled(raw, false)
}

// ConvertRPCTransaction converts known envelopes exactly and falls back to
// a post-EIP-155 legacy reading for anything else.
func (Spec) ConvertRPCTransaction(tx *transaction.RPCTransaction) (*transaction.Signed, error) {
	typ := uint8(tx.Type)
	if transaction.IsKnownType(typ) {
		return tx.ToSigned()
	}
	logger.Warn("Unsupported transaction type, treating as legacy", "type", typ, "hash", tx.Hash)
	return tx.ToLegacyLoose()
}

func (Spec) ValidateTransactionType(tx *transaction.Signed, h Hardfork) error {
	return chainspec.CheckTransactionType(tx.Type(), h)
}

func (Spec) Hooks(Hardfork) chainspec.TxHooks { return chainspec.NoHooks{} }

func (Spec) ExecutionReceipt(ctx chainspec.ReceiptContext, h Hardfork) *receipt.Execution {
	return l1.ExecutionReceipt(ctx, h)
}

func (Spec) BlockRewards(h Hardfork, coinbase common.Address) []chainspec.Reward {
	return l1.Rewards(h, coinbase)
}

func (Spec) CastTransactionError(err error, funds *chainspec.Funds) error {
	return chainspec.CastTransactionError(err, funds)
}

func (Spec) CastHaltReason(err error) *chainspec.FailureReason {
	return chainspec.CastHaltReason(err)
}

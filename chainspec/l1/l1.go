// Package l1 is the Ethereum mainnet chain specification.
package l1

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

// Hardfork is the L1 hardfork enum, identical to the interpreter's.
type Hardfork = chainspec.SpecID

// Chain ids of the networks with built-in schedules.
const (
	MainnetChainID = 1
	SepoliaChainID = 11155111
	HoleskyChainID = 17000
)

func act(c chainspec.ForkCondition, h Hardfork) chainspec.Activation[Hardfork] {
	return chainspec.Activation[Hardfork]{Condition: c, Hardfork: h}
}

var (
	block = chainspec.AtBlock
	ts    = chainspec.AtTimestamp
)

// Chains holds the known L1 networks.
var Chains = chainspec.Registry[Hardfork]{
	MainnetChainID: {
		Name:    "mainnet",
		BaseFee: chainspec.ConstantBaseFee[Hardfork](header.MainnetBaseFeeParams),
		Activations: chainspec.NewActivations(
			act(block(0), chainspec.Frontier),
			act(block(1_150_000), chainspec.Homestead),
			act(block(1_920_000), chainspec.DaoFork),
			act(block(2_463_000), chainspec.Tangerine),
			act(block(2_675_000), chainspec.SpuriousDragon),
			act(block(4_370_000), chainspec.Byzantium),
			act(block(7_280_000), chainspec.Constantinople),
			act(block(7_280_000), chainspec.Petersburg),
			act(block(9_069_000), chainspec.Istanbul),
			act(block(9_200_000), chainspec.MuirGlacier),
			act(block(12_244_000), chainspec.Berlin),
			act(block(12_965_000), chainspec.London),
			act(block(13_773_000), chainspec.ArrowGlacier),
			act(block(15_050_000), chainspec.GrayGlacier),
			act(block(15_537_394), chainspec.Merge),
			act(ts(1_681_338_455), chainspec.Shanghai),
			act(ts(1_710_338_135), chainspec.Cancun),
			act(ts(1_746_612_311), chainspec.Prague),
			act(ts(1_764_798_551), chainspec.Osaka),
		),
		SafeDepth: 64,
	},
	SepoliaChainID: {
		Name:    "sepolia",
		BaseFee: chainspec.ConstantBaseFee[Hardfork](header.MainnetBaseFeeParams),
		Activations: chainspec.NewActivations(
			act(block(0), chainspec.London),
			act(block(1_735_371), chainspec.Merge),
			act(ts(1_677_557_088), chainspec.Shanghai),
			act(ts(1_706_655_072), chainspec.Cancun),
			act(ts(1_741_159_776), chainspec.Prague),
			act(ts(1_760_427_360), chainspec.Osaka),
		),
		SafeDepth: 64,
	},
	HoleskyChainID: {
		Name:    "holesky",
		BaseFee: chainspec.ConstantBaseFee[Hardfork](header.MainnetBaseFeeParams),
		Activations: chainspec.NewActivations(
			act(block(0), chainspec.Merge),
			act(ts(1_696_000_704), chainspec.Shanghai),
			act(ts(1_707_305_664), chainspec.Cancun),
			act(ts(1_740_434_112), chainspec.Prague),
			act(ts(1_759_308_480), chainspec.Osaka),
		),
		SafeDepth: 64,
	},
}

// Spec is the L1 RuntimeSpec.
type Spec struct{}

var _ chainspec.RuntimeSpec[Hardfork] = Spec{}

func (Spec) Name() string { return "l1" }

func (Spec) DefaultHardfork() Hardfork { return chainspec.Prague }

func (Spec) ParseHardfork(name string) (Hardfork, error) { return chainspec.ParseSpecID(name) }

func (Spec) ChainConfig(chainID uint64) (*chainspec.ChainConfig[Hardfork], bool) {
	return Chains.Lookup(chainID)
}

func (Spec) DefaultBaseFeeParams() chainspec.BaseFeeParams[Hardfork] {
	return chainspec.ConstantBaseFee[Hardfork](header.MainnetBaseFeeParams)
}

// DecodeTransaction parses a user-submitted envelope. Deposits are rejected.
func (Spec) DecodeTransaction(raw []byte) (*transaction.Pooled, error) {
	return transaction.DecodePooled(raw, false)
}

func (Spec) ConvertRPCTransaction(tx *transaction.RPCTransaction) (*transaction.Signed, error) {
	if uint8(tx.Type) == transaction.DepositType {
		return nil, chainspec.ErrUnsupportedTransactionType
	}
	return tx.ToSigned()
}

func (Spec) ValidateTransactionType(tx *transaction.Signed, h Hardfork) error {
	return chainspec.CheckTransactionType(tx.Type(), h)
}

func (Spec) Hooks(Hardfork) chainspec.TxHooks { return chainspec.NoHooks{} }

// ExecutionReceipt builds the EIP-658 receipt, or a state-root receipt
// before Byzantium.
func (Spec) ExecutionReceipt(ctx chainspec.ReceiptContext, h Hardfork) *receipt.Execution {
	return ExecutionReceipt(ctx, h)
}

// ExecutionReceipt is the L1 receipt construction, shared with chains that
// extend it.
func ExecutionReceipt(ctx chainspec.ReceiptContext, h chainspec.SpecID) *receipt.Execution {
	var post []byte
	if h < chainspec.Byzantium {
		post = ctx.PostState
	}
	return receipt.NewExecution(ctx.Tx.Type(), ctx.Success, ctx.CumulativeGas, ctx.Logs, post)
}

// BlockRewards returns the proof-of-work miner reward. Proof-of-stake
// blocks pay none.
func (Spec) BlockRewards(h Hardfork, coinbase common.Address) []chainspec.Reward {
	return Rewards(h, coinbase)
}

// Rewards returns the miner reward for a block at spec h.
func Rewards(h chainspec.SpecID, coinbase common.Address) []chainspec.Reward {
	var wei *big.Int
	switch {
	case h >= chainspec.Merge:
		return nil
	case h >= chainspec.Constantinople:
		wei = new(big.Int).Mul(big.NewInt(2), big.NewInt(params.Ether))
	case h >= chainspec.Byzantium:
		wei = new(big.Int).Mul(big.NewInt(3), big.NewInt(params.Ether))
	default:
		wei = new(big.Int).Mul(big.NewInt(5), big.NewInt(params.Ether))
	}
	return []chainspec.Reward{{Address: coinbase, Amount: wei}}
}

func (Spec) CastTransactionError(err error, funds *chainspec.Funds) error {
	return chainspec.CastTransactionError(err, funds)
}

func (Spec) CastHaltReason(err error) *chainspec.FailureReason {
	return chainspec.CastHaltReason(err)
}

// Package op is the OP-stack chain specification: deposit transactions,
// L1 data fees and per-hardfork EIP-1559 parameters.
package op

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/chainspec/l1"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

// Chain ids of the networks with built-in schedules.
const (
	MainnetChainID     = 10
	SepoliaChainID     = 11155420
	BaseChainID        = 8453
	BaseSepoliaChainID = 84532
)

var (
	bedrockParams = header.BaseFeeParams{MaxChangeDenominator: 50, ElasticityMultiplier: 6}
	canyonParams  = header.BaseFeeParams{MaxChangeDenominator: 250, ElasticityMultiplier: 6}
)

// DefaultBaseFeeParams is the Bedrock/Canyon schedule shared by OP chains.
func DefaultBaseFeeParams() chainspec.BaseFeeParams[Hardfork] {
	return chainspec.DynamicBaseFee(
		chainspec.ForHardfork(Bedrock, bedrockParams),
		chainspec.ForHardfork(Canyon, canyonParams),
	)
}

func act(c chainspec.ForkCondition, h Hardfork) chainspec.Activation[Hardfork] {
	return chainspec.Activation[Hardfork]{Condition: c, Hardfork: h}
}

// superchain returns a schedule whose post-Canyon forks share timestamps
// across chains.
func superchain(genesis chainspec.Activation[Hardfork], regolith chainspec.ForkCondition, times [6]uint64) chainspec.Activations[Hardfork] {
	ts := chainspec.AtTimestamp
	return chainspec.NewActivations(
		genesis,
		act(regolith, Regolith),
		act(ts(times[0]), Canyon),
		act(ts(times[1]), Ecotone),
		act(ts(times[2]), Fjord),
		act(ts(times[3]), Granite),
		act(ts(times[4]), Holocene),
		act(ts(times[5]), Isthmus),
	)
}

var (
	mainnetTimes = [6]uint64{1_704_992_401, 1_710_374_401, 1_720_627_201, 1_726_070_401, 1_736_445_601, 1_746_806_401}
	sepoliaTimes = [6]uint64{1_699_981_200, 1_708_534_800, 1_716_998_400, 1_723_478_400, 1_732_633_200, 1_744_905_600}
)

// Chains holds the known OP-stack networks.
var Chains = chainspec.Registry[Hardfork]{
	MainnetChainID: {
		Name:        "OP Mainnet",
		BaseFee:     DefaultBaseFeeParams(),
		Activations: superchain(act(chainspec.AtBlock(105_235_063), Bedrock), chainspec.AtBlock(105_235_063), mainnetTimes),
		SafeDepth:   128,
	},
	SepoliaChainID: {
		Name:        "OP Sepolia",
		BaseFee:     DefaultBaseFeeParams(),
		Activations: superchain(act(chainspec.AtBlock(0), Bedrock), chainspec.AtTimestamp(0), sepoliaTimes),
		SafeDepth:   128,
	},
	BaseChainID: {
		Name:        "Base",
		BaseFee:     DefaultBaseFeeParams(),
		Activations: superchain(act(chainspec.AtBlock(0), Bedrock), chainspec.AtTimestamp(0), mainnetTimes),
		SafeDepth:   128,
	},
	BaseSepoliaChainID: {
		Name:        "Base Sepolia",
		BaseFee:     DefaultBaseFeeParams(),
		Activations: superchain(act(chainspec.AtBlock(0), Bedrock), chainspec.AtTimestamp(0), sepoliaTimes),
		SafeDepth:   128,
	},
}

// Spec is the OP-stack RuntimeSpec.
type Spec struct{}

var _ chainspec.RuntimeSpec[Hardfork] = Spec{}

func (Spec) Name() string { return "op" }

func (Spec) DefaultHardfork() Hardfork { return Isthmus }

func (Spec) ParseHardfork(name string) (Hardfork, error) { return ParseHardfork(name) }

func (Spec) ChainConfig(chainID uint64) (*chainspec.ChainConfig[Hardfork], bool) {
	return Chains.Lookup(chainID)
}

func (Spec) DefaultBaseFeeParams() chainspec.BaseFeeParams[Hardfork] { return DefaultBaseFeeParams() }

// DecodeTransaction parses a user-submitted envelope. Deposits only enter
// through derivation, never through the RPC.
func (Spec) DecodeTransaction(raw []byte) (*transaction.Pooled, error) {
	return transaction.DecodePooled(raw, false)
}

func (Spec) ConvertRPCTransaction(tx *transaction.RPCTransaction) (*transaction.Signed, error) {
	return tx.ToSigned()
}

// ValidateTransactionType rejects blob transactions, which OP chains do
// not accept.
func (Spec) ValidateTransactionType(tx *transaction.Signed, h Hardfork) error {
	switch tx.Type() {
	case transaction.DepositType:
		return nil
	case transaction.BlobType:
		return chainspec.ErrUnsupportedTransactionType
	}
	return chainspec.CheckTransactionType(tx.Type(), h.SpecID())
}

func (Spec) Hooks(h Hardfork) chainspec.TxHooks { return hooks{hardfork: h} }

// ExecutionReceipt adds the deposit nonce (Regolith+) and receipt version
// (Canyon+) to deposit receipts.
func (Spec) ExecutionReceipt(ctx chainspec.ReceiptContext, h Hardfork) *receipt.Execution {
	r := l1.ExecutionReceipt(ctx, h.SpecID())
	if ctx.Tx.IsDeposit() {
		if h >= Regolith {
			nonce := ctx.SenderNonce
			r.DepositNonce = &nonce
		}
		if h >= Canyon {
			version := uint64(receipt.DepositReceiptVersion)
			r.DepositReceiptVersion = &version
		}
	}
	return r
}

func (Spec) BlockRewards(Hardfork, common.Address) []chainspec.Reward { return nil }

func (Spec) CastTransactionError(err error, funds *chainspec.Funds) error {
	return chainspec.CastTransactionError(err, funds)
}

func (Spec) CastHaltReason(err error) *chainspec.FailureReason {
	return chainspec.CastHaltReason(err)
}

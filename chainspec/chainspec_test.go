package chainspec

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/header"
)

func bigInt(v int64) *big.Int { return big.NewInt(v) }

func TestActivationsHardforkAt(t *testing.T) {
	acts := NewActivations(
		Activation[SpecID]{Condition: AtTimestamp(1000), Hardfork: Shanghai},
		Activation[SpecID]{Condition: AtBlock(0), Hardfork: London},
		Activation[SpecID]{Condition: AtBlock(100), Hardfork: Merge},
		Activation[SpecID]{Condition: AtTimestamp(2000), Hardfork: Cancun},
	)

	tests := []struct {
		number, timestamp uint64
		want              SpecID
	}{
		{0, 0, London},
		{99, 5000, Cancun},
		{100, 10, Merge},
		{150, 1000, Shanghai},
		{150, 1999, Shanghai},
		{150, 2000, Cancun},
	}
	for _, tt := range tests {
		got, err := acts.HardforkAt(tt.number, tt.timestamp)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "block %d ts %d", tt.number, tt.timestamp)
	}

	latest, ok := acts.Latest()
	require.True(t, ok)
	assert.Equal(t, Cancun, latest)

	cond, ok := acts.ConditionOf(Merge)
	require.True(t, ok)
	assert.Equal(t, AtBlock(100), cond)
}

func TestActivationsUnknownBlock(t *testing.T) {
	acts := NewActivations(Activation[SpecID]{Condition: AtBlock(10), Hardfork: Berlin})
	_, err := acts.HardforkAt(5, 0)

	var unknown *UnknownBlockSpecError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, uint64(5), unknown.BlockNumber)
	assert.Contains(t, err.Error(), "berlin@block 10")
}

func TestBaseFeeAtCondition(t *testing.T) {
	a := header.BaseFeeParams{MaxChangeDenominator: 50, ElasticityMultiplier: 6}
	b := header.BaseFeeParams{MaxChangeDenominator: 250, ElasticityMultiplier: 6}
	c := header.BaseFeeParams{MaxChangeDenominator: 100, ElasticityMultiplier: 4}

	params := DynamicBaseFee(
		ForHardfork(London, a),
		ForHardfork(Shanghai, b),
		ForBlock[SpecID](500, c),
	)

	got, ok := params.AtCondition(London, 10)
	require.True(t, ok)
	assert.Equal(t, a, got)

	got, ok = params.AtCondition(Cancun, 10)
	require.True(t, ok)
	assert.Equal(t, b, got)

	// A satisfied block activation wins over hardfork activations.
	got, ok = params.AtCondition(Cancun, 500)
	require.True(t, ok)
	assert.Equal(t, c, got)

	_, ok = params.AtCondition(Berlin, 10)
	assert.False(t, ok)

	constant := ConstantBaseFee[SpecID](header.MainnetBaseFeeParams)
	got, ok = constant.AtCondition(Frontier, 0)
	require.True(t, ok)
	assert.Equal(t, header.MainnetBaseFeeParams, got)
	assert.False(t, constant.IsZero())
	assert.True(t, BaseFeeParams[SpecID]{}.IsZero())
}

func TestParseSpecID(t *testing.T) {
	for id := Frontier; id <= LatestSpecID; id++ {
		got, err := ParseSpecID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	got, err := ParseSpecID("Paris")
	require.NoError(t, err)
	assert.Equal(t, Merge, got)

	got, err = ParseSpecID("TANGERINEWHISTLE")
	require.NoError(t, err)
	assert.Equal(t, Tangerine, got)

	_, err = ParseSpecID("glacier")
	assert.ErrorIs(t, err, ErrUnknownHardfork)
}

func TestCheckTransactionType(t *testing.T) {
	assert.NoError(t, CheckTransactionType(0, Frontier))
	assert.NoError(t, CheckTransactionType(2, London))
	assert.NoError(t, CheckTransactionType(4, Osaka))

	err := CheckTransactionType(3, Shanghai)
	var typeErr *TransactionTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, Cancun, typeErr.Required)

	assert.ErrorIs(t, CheckTransactionType(0x7e, Osaka), ErrUnsupportedTransactionType)
}

func TestHeaderRules(t *testing.T) {
	r := HeaderRules(Cancun, header.MainnetBaseFeeParams)
	assert.True(t, r.London)
	assert.True(t, r.Cancun)
	assert.False(t, r.Prague)
	assert.Equal(t, header.CancunBlobParams, r.Blob)

	assert.Equal(t, header.BlobParams{}, BlobParamsFor(Shanghai))
	assert.Equal(t, header.PragueBlobParams, BlobParamsFor(Osaka))
}

func TestSafeBlockNumber(t *testing.T) {
	cfg := &ChainConfig[SpecID]{}
	assert.Equal(t, uint64(0), cfg.SafeBlockNumber(100))
	assert.Equal(t, uint64(72), cfg.SafeBlockNumber(200))

	cfg.SafeDepth = 64
	assert.Equal(t, uint64(136), cfg.SafeBlockNumber(200))
}

func TestCastTransactionError(t *testing.T) {
	assert.NoError(t, CastTransactionError(nil, nil))

	funds := &Funds{Required: bigInt(100), Available: bigInt(5)}
	err := CastTransactionError(core.ErrInsufficientFunds, funds)
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "100", insufficient.Required.String())
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "max upfront cost is: 100")

	err = CastTransactionError(core.ErrNonceTooLow, nil)
	var invalid *InvalidTransactionError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, core.ErrNonceTooLow)

	// Already cast errors pass through.
	assert.Same(t, invalid, CastTransactionError(err, nil))
}

func TestCastHaltReason(t *testing.T) {
	assert.Nil(t, CastHaltReason(nil))
	assert.Nil(t, CastHaltReason(vm.ErrExecutionReverted))

	assert.Equal(t, FailureOutOfGas, CastHaltReason(vm.ErrOutOfGas).Kind)
	assert.Equal(t, FailureCreateContractSizeLimit, CastHaltReason(vm.ErrMaxCodeSizeExceeded).Kind)
	assert.Equal(t, FailureOpcodeNotFound, CastHaltReason(&vm.ErrInvalidOpCode{}).Kind)

	other := errors.New("stack underflow")
	reason := CastHaltReason(other)
	assert.Equal(t, FailureInner, reason.Kind)
	assert.ErrorIs(t, reason, other)
}

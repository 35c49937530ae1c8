package generic

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/chainspec/l1"
	"github.com/edrgo/edr/transaction"
)

func TestUnknownTypeFallsBackToLegacy(t *testing.T) {
	to := common.HexToAddress("0x01")
	remoteHash := common.HexToHash("0xabcdef")
	gas := hexutil.Uint64(21000)
	tx := &transaction.RPCTransaction{
		Type:     0x64,
		Hash:     remoteHash,
		From:     common.HexToAddress("0x02"),
		To:       &to,
		Gas:      gas,
		GasPrice: (*hexutil.Big)(big.NewInt(7)),
		Value:    (*hexutil.Big)(big.NewInt(0)),
		ChainID:  (*hexutil.Big)(big.NewInt(42161)),
		V:        (*hexutil.Big)(big.NewInt(0)),
		R:        (*hexutil.Big)(big.NewInt(1)),
		S:        (*hexutil.Big)(big.NewInt(1)),
	}

	signed, err := Spec{}.ConvertRPCTransaction(tx)
	require.NoError(t, err)
	assert.Equal(t, uint8(transaction.LegacyType), signed.Type())
	assert.Equal(t, remoteHash, signed.Hash())
	assert.Equal(t, tx.From, signed.Caller())

	_, err = l1.Spec{}.ConvertRPCTransaction(&transaction.RPCTransaction{Type: transaction.DepositType})
	assert.ErrorIs(t, err, chainspec.ErrUnsupportedTransactionType)
}

func TestKnownChainsShareL1Schedules(t *testing.T) {
	cfg, ok := Spec{}.ChainConfig(l1.MainnetChainID)
	require.True(t, ok)
	h, err := cfg.Activations.HardforkAt(15_537_394, 0)
	require.NoError(t, err)
	assert.Equal(t, chainspec.Merge, h)

	_, err = chainspec.HardforkAt[Hardfork](Spec{}, 42161, 1, 1)
	assert.ErrorIs(t, err, chainspec.ErrMissingHardforkActivations)

	params := chainspec.BaseFeeParamsFor[Hardfork](Spec{}, 42161)
	assert.False(t, params.IsZero())
}

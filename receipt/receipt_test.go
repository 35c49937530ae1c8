package receipt

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func sampleLogs(n int) []*types.Log {
	logs := make([]*types.Log, n)
	for i := range logs {
		logs[i] = &types.Log{
			Address:     common.BigToAddress(big.NewInt(int64(i + 1))),
			Topics:      []common.Hash{common.BigToHash(big.NewInt(int64(i)))},
			Data:        []byte{byte(i)},
			BlockNumber: 99,
			Index:       42,
		}
	}
	return logs
}

func TestNewExecutionStripsMetadata(t *testing.T) {
	r := NewExecution(types.DynamicFeeTxType, true, 21000, sampleLogs(2), nil)
	require.True(t, r.Succeeded())
	for _, l := range r.Logs {
		require.Zero(t, l.BlockNumber)
		require.Zero(t, l.Index)
	}
	require.True(t, r.Bloom.Test(common.BigToAddress(big.NewInt(1)).Bytes()))

	failed := NewExecution(types.LegacyTxType, false, 21000, nil, nil)
	require.False(t, failed.Succeeded())
}

func TestMapReceiptLogsIndicesIncrease(t *testing.T) {
	txs := []*Transaction{
		{Execution: NewExecution(0, true, 1, sampleLogs(2), nil), TxHash: common.Hash{1}, TxIndex: 0},
		{Execution: NewExecution(0, true, 2, nil, nil), TxHash: common.Hash{2}, TxIndex: 1},
		{Execution: NewExecution(0, true, 3, sampleLogs(3), nil), TxHash: common.Hash{3}, TxIndex: 2},
	}
	blocks := MapReceiptLogs(txs, common.Hash{0xbb}, 7, 1000)

	var want uint
	for i, b := range blocks {
		require.Equal(t, uint64(7), b.BlockNumber)
		for _, l := range b.Logs {
			require.Equal(t, want, l.Index)
			require.Equal(t, txs[i].TxHash, l.TxHash)
			require.Equal(t, common.Hash{0xbb}, l.BlockHash)
			want++
		}
	}
	require.Equal(t, uint(5), want)

	// Filter log back to execution log keeps the payload only.
	filter := blocks[2].Logs[1]
	exec := ExecutionLog(filter)
	require.Equal(t, filter.Address, exec.Address)
	require.Equal(t, filter.Topics, exec.Topics)
	require.Equal(t, filter.Data, exec.Data)
	require.Zero(t, exec.Index)
	require.Equal(t, common.Hash{}, exec.BlockHash)
}

func TestEncodingMatchesGeth(t *testing.T) {
	r := NewExecution(types.DynamicFeeTxType, true, 50000, sampleLogs(1), nil)
	enc, err := r.MarshalBinary()
	require.NoError(t, err)

	geth := &types.Receipt{Type: types.DynamicFeeTxType, Status: 1, CumulativeGasUsed: 50000, Logs: r.Logs}
	geth.Bloom = types.CreateBloom(geth)
	want, err := geth.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, want, enc)

	back, err := UnmarshalExecution(enc)
	require.NoError(t, err)
	require.Equal(t, r.CumulativeGasUsed, back.CumulativeGasUsed)
	require.True(t, back.Succeeded())
}

func TestDepositReceiptEncoding(t *testing.T) {
	nonce, version := uint64(9), uint64(DepositReceiptVersion)
	r := NewExecution(DepositType, true, 60000, sampleLogs(1), nil)
	r.DepositNonce, r.DepositReceiptVersion = &nonce, &version

	enc, err := r.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, byte(DepositType), enc[0])

	back, err := UnmarshalExecution(enc)
	require.NoError(t, err)
	require.Equal(t, uint64(9), *back.DepositNonce)
	require.Equal(t, uint64(1), *back.DepositReceiptVersion)
	require.True(t, back.Succeeded())
}

func TestRootAndBloom(t *testing.T) {
	empty, err := Root(nil)
	require.NoError(t, err)
	require.Equal(t, types.EmptyReceiptsHash, empty)

	a := NewExecution(0, true, 1, sampleLogs(1), nil)
	b := NewExecution(0, true, 2, sampleLogs(2)[1:], nil)
	bloom := Bloom([]*Execution{a, b})
	require.True(t, bloom.Test(common.BigToAddress(big.NewInt(1)).Bytes()))
	require.True(t, bloom.Test(common.BigToAddress(big.NewInt(2)).Bytes()))
}

func TestRPCReceiptRoundTrip(t *testing.T) {
	to := common.HexToAddress("0x01")
	tx := &Transaction{
		Execution:         NewExecution(types.DynamicFeeTxType, true, 21000, sampleLogs(1), nil),
		TxHash:            common.Hash{5},
		From:              common.HexToAddress("0x02"),
		To:                &to,
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(7),
		L1:                &L1Fee{GasUsed: 1600, GasPrice: big.NewInt(3), Fee: big.NewInt(11)},
	}
	blocks := MapReceiptLogs([]*Transaction{tx}, common.Hash{9}, 3, 12)

	enc, err := json.Marshal(NewRPCReceipt(blocks[0]))
	require.NoError(t, err)
	var decoded RPCReceipt
	require.NoError(t, json.Unmarshal(enc, &decoded))
	back := decoded.ToBlock()

	require.Equal(t, blocks[0].TxHash, back.TxHash)
	require.Equal(t, blocks[0].BlockHash, back.BlockHash)
	require.Equal(t, uint64(3), back.BlockNumber)
	require.Equal(t, uint64(21000), back.GasUsed)
	require.True(t, back.Succeeded())
	require.Equal(t, int64(11), back.L1.Fee.Int64())
	require.Len(t, back.Logs, 1)
	require.Equal(t, uint64(12), back.Timestamp)
}

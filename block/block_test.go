package block

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/rpcclient"
	"github.com/edrgo/edr/transaction"
)

var recipient = common.HexToAddress("0x00000000000000000000000000000000000000bb")

func testHeader(n uint64) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(n),
		Difficulty: big.NewInt(2),
		GasLimit:   30_000_000,
		Time:       1_700_000_000 + n,
		Extra:      []byte{},
	}
}

func signedTx(t *testing.T, nonce uint64) *transaction.Signed {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := (&transaction.Request{
		Type: transaction.DynamicFeeType, ChainID: big.NewInt(1), Nonce: nonce,
		GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2e9), Gas: 21000, To: &recipient, Value: big.NewInt(1),
	}).Sign(key)
	require.NoError(t, err)
	return tx
}

func txReceipt(tx *transaction.Signed, idx uint64, logs int) *receipt.Transaction {
	ls := make([]*types.Log, logs)
	for i := range ls {
		ls[i] = &types.Log{Address: recipient, Topics: []common.Hash{{byte(i)}}}
	}
	return &receipt.Transaction{
		Execution: receipt.NewExecution(tx.Type(), true, 21000*(idx+1), ls, nil),
		TxHash:    tx.Hash(),
		TxIndex:   idx,
		From:      tx.Caller(),
		To:        tx.To(),
		GasUsed:   21000,
	}
}

func TestLocalBlockIndexesLogs(t *testing.T) {
	txs := []*transaction.Signed{signedTx(t, 0), signedTx(t, 0)}
	b := NewLocal(testHeader(7), txs, []*receipt.Transaction{txReceipt(txs[0], 0, 2), txReceipt(txs[1], 1, 1)}, nil)

	assert.Equal(t, uint64(7), b.Number())
	assert.Equal(t, b.Header().Hash(), b.Hash())
	rs, err := b.Receipts()
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, b.Hash(), rs[1].BlockHash)
	assert.Equal(t, uint(2), rs[1].Logs[0].Index, "log indices run across the block")
	assert.Equal(t, uint64(7), rs[0].Logs[1].BlockNumber)
	assert.NotZero(t, b.Size())
	assert.Greater(t, b.Size(), NewEmpty(testHeader(7), nil).Size())
}

func TestReservedBlockKeepsGivenHash(t *testing.T) {
	hash := common.Hash{0x42}
	b := NewReserved(testHeader(9), []*types.Withdrawal{}, hash)
	assert.Equal(t, hash, b.Hash())
	assert.Equal(t, uint64(9), b.Number())
	assert.Empty(t, b.Transactions())
	assert.NotNil(t, b.Withdrawals())
	rs, err := b.Receipts()
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestTotalDifficulty(t *testing.T) {
	b := NewEmpty(testHeader(1), nil)
	assert.Equal(t, big.NewInt(12), TotalDifficulty(big.NewInt(10), b))
	assert.Equal(t, big.NewInt(2), TotalDifficulty(nil, b))
}

type receiptsEth struct {
	receipts map[common.Hash]*receipt.RPCReceipt
	calls    atomic.Int32
}

func (r *receiptsEth) ChainId() hexutil.Uint64 { return 1 }

func (r *receiptsEth) BlockNumber() hexutil.Uint64 { return 1000 }

func (r *receiptsEth) GetTransactionReceipt(hash common.Hash) *receipt.RPCReceipt {
	r.calls.Add(1)
	return r.receipts[hash]
}

func TestRemoteReceiptsFallBackPerTransaction(t *testing.T) {
	txs := []*transaction.Signed{signedTx(t, 0), signedTx(t, 3)}
	local := NewLocal(testHeader(10), txs, []*receipt.Transaction{txReceipt(txs[0], 0, 1), txReceipt(txs[1], 1, 0)}, nil)
	localReceipts, _ := local.Receipts()

	svc := &receiptsEth{receipts: make(map[common.Hash]*receipt.RPCReceipt)}
	rb := &rpcclient.Block{
		Hash:       local.Hash(),
		Number:     10,
		Difficulty: (*hexutil.Big)(big.NewInt(2)),
		GasLimit:   30_000_000,
		Timestamp:  hexutil.Uint64(local.Header().Time),
		Size:       123,
	}
	for i, tx := range txs {
		svc.receipts[tx.Hash()] = receipt.NewRPCReceipt(localReceipts[i])
		rb.Transactions = append(rb.Transactions, transaction.NewRPCTransaction(tx, &transaction.BlockPosition{
			Hash: local.Hash(), Number: 10, Index: uint64(i),
		}))
	}

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", svc))
	t.Cleanup(srv.Stop)
	client, err := rpcclient.New(context.Background(), rpc.DialInProc(srv), rpcclient.Config{URL: "inproc://receipts"})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	remote, err := NewRemote(context.Background(), rb, client, (*transaction.RPCTransaction).ToSigned)
	require.NoError(t, err)
	assert.Equal(t, local.Hash(), remote.Hash())
	assert.Equal(t, uint64(123), remote.Size())
	require.Len(t, remote.Transactions(), 2)
	assert.Equal(t, txs[1].Hash(), remote.Transactions()[1].Hash())

	for range 2 {
		rs, err := remote.Receipts()
		require.NoError(t, err)
		require.Len(t, rs, 2)
		assert.Equal(t, txs[0].Hash(), rs[0].TxHash)
		assert.Len(t, rs[0].Logs, 1)
	}
	assert.Equal(t, int32(2), svc.calls.Load(), "receipts are fetched once")
}

package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

func header(n uint64, parent common.Hash) *types.Header {
	return &types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(n),
		Difficulty: new(big.Int),
		GasLimit:   30_000_000,
		Time:       1000 + n,
		BaseFee:    big.NewInt(7),
		Extra:      []byte{},
	}
}

func blockWithTx(t *testing.T, n uint64, parent common.Hash) (*block.Local, *transaction.Signed) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.Address{0xbb}
	tx, err := (&transaction.Request{
		Type: transaction.DynamicFeeType, ChainID: big.NewInt(1),
		GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2e9), Gas: 21000, To: &to,
	}).Sign(key)
	require.NoError(t, err)
	r := &receipt.Transaction{
		Execution: receipt.NewExecution(tx.Type(), true, 21000, nil, nil),
		TxHash:    tx.Hash(),
		From:      tx.Caller(),
		To:        tx.To(),
		GasUsed:   21000,
	}
	return block.NewLocal(header(n, parent), []*transaction.Signed{tx}, []*receipt.Transaction{r}, nil), tx
}

func stores() map[string]Storage {
	return map[string]Storage{
		"contiguous": NewContiguous(),
		"sparse":     NewSparse(0, primitives.NewHashGenerator([]byte("seed"))),
	}
}

func TestInsertAndLookup(t *testing.T) {
	for name, s := range stores() {
		t.Run(name, func(t *testing.T) {
			genesis := block.NewEmpty(header(0, common.Hash{}), nil)
			require.NoError(t, s.InsertBlock(genesis, big.NewInt(1)))
			b1, tx := blockWithTx(t, 1, genesis.Hash())
			require.NoError(t, s.InsertBlock(b1, big.NewInt(1)))

			assert.Equal(t, uint64(1), s.LastBlockNumber())
			assert.Same(t, b1, s.BlockByNumber(1))
			assert.Same(t, b1, s.BlockByHash(b1.Hash()))
			assert.Same(t, b1, s.BlockByTransaction(tx.Hash()))
			require.NotNil(t, s.Receipt(tx.Hash()))
			assert.Equal(t, b1.Hash(), s.Receipt(tx.Hash()).BlockHash)
			assert.Equal(t, big.NewInt(1), s.TotalDifficulty(b1.Hash()))
			assert.Nil(t, s.BlockByNumber(2))

			var dupBlock *DuplicateBlockError
			assert.ErrorAs(t, s.InsertBlock(b1, big.NewInt(1)), &dupBlock)

			dupTx := block.NewLocal(header(2, b1.Hash()), b1.Transactions(), nil, nil)
			var dupTxErr *DuplicateTransactionError
			require.ErrorAs(t, s.InsertBlock(dupTx, big.NewInt(1)), &dupTxErr)
			assert.Equal(t, tx.Hash(), dupTxErr.Hash)
		})
	}
}

func TestRevertToBlock(t *testing.T) {
	for name, s := range stores() {
		t.Run(name, func(t *testing.T) {
			genesis := block.NewEmpty(header(0, common.Hash{}), nil)
			require.NoError(t, s.InsertBlock(genesis, new(big.Int)))
			b1, tx := blockWithTx(t, 1, genesis.Hash())
			require.NoError(t, s.InsertBlock(b1, new(big.Int)))

			assert.False(t, s.RevertToBlock(5))
			assert.True(t, s.RevertToBlock(0))
			assert.Equal(t, uint64(0), s.LastBlockNumber())
			assert.Nil(t, s.BlockByHash(b1.Hash()))
			assert.Nil(t, s.BlockByTransaction(tx.Hash()))
			assert.Nil(t, s.Receipt(tx.Hash()))

			require.NoError(t, s.InsertBlock(b1, new(big.Int)), "reverted blocks can be re-inserted")
		})
	}
}

func TestContiguousRejectsGaps(t *testing.T) {
	s := NewContiguous()
	assert.Error(t, s.InsertBlock(block.NewEmpty(header(3, common.Hash{}), nil), new(big.Int)))
}

func TestSparseReservation(t *testing.T) {
	s := NewSparse(0, primitives.NewHashGenerator([]byte("seed")))
	genesis := block.NewEmpty(header(0, common.Hash{}), nil)
	require.NoError(t, s.InsertBlock(genesis, new(big.Int)))

	assert.ErrorIs(t, s.Reserve(3, 12, block.NewEmpty(header(5, common.Hash{}), nil), new(big.Int)), ErrReservationParent)
	require.NoError(t, s.Reserve(1_000_000, 12, genesis, new(big.Int)))
	assert.Equal(t, uint64(1_000_000), s.LastBlockNumber())
	assert.True(t, s.IsReserved(500))

	b := s.BlockByNumber(500)
	require.NotNil(t, b)
	assert.False(t, s.IsReserved(500))
	assert.Equal(t, genesis.Header().Time+500*12, b.Header().Time)
	assert.Equal(t, genesis.Header().Root, b.Header().Root)
	assert.Equal(t, types.EmptyTxsHash, b.Header().TxHash)
	assert.Same(t, b, s.BlockByNumber(500))
	assert.Same(t, b, s.BlockByHash(b.Hash()))

	next := s.BlockByNumber(501)
	assert.Equal(t, b.Hash(), next.Header().ParentHash, "the upper range chains onto built blocks")
	assert.Equal(t, b.Header().Time+12, next.Header().Time)

	first := s.BlockByNumber(1)
	assert.Equal(t, genesis.Hash(), first.Header().ParentHash)
	assert.NotEqual(t, first.Header().MixDigest, b.Header().MixDigest)

	assert.True(t, s.RevertToBlock(700))
	assert.Equal(t, uint64(700), s.LastBlockNumber())
	assert.True(t, s.IsReserved(700))
	assert.False(t, s.IsReserved(701))
	assert.NotNil(t, s.BlockByNumber(501))

	mined := block.NewEmpty(header(701, s.BlockByNumber(700).Hash()), nil)
	require.NoError(t, s.InsertBlock(mined, new(big.Int)))
	assert.Equal(t, uint64(701), s.LastBlockNumber())
}

func TestSparseInsertSplitsReservation(t *testing.T) {
	s := NewSparse(10, primitives.NewHashGenerator(nil))
	require.NoError(t, s.Reserve(10, 1, block.NewEmpty(header(10, common.Hash{}), nil), big.NewInt(100)))

	b := block.NewEmpty(header(15, common.Hash{1}), nil)
	require.NoError(t, s.InsertBlock(b, big.NewInt(100)))
	assert.True(t, s.IsReserved(14))
	assert.False(t, s.IsReserved(15))
	assert.True(t, s.IsReserved(16))
	assert.Equal(t, b.Hash(), s.BlockByNumber(16).Header().ParentHash)
	assert.Equal(t, uint64(20), s.LastBlockNumber())
}

func TestSparseReservedBlocksIndependentOfLookupOrder(t *testing.T) {
	build := func(order ...uint64) *Sparse {
		s := NewSparse(0, primitives.NewHashGenerator([]byte("seed")))
		genesis := block.NewEmpty(header(0, common.Hash{}), nil)
		require.NoError(t, s.InsertBlock(genesis, new(big.Int)))
		require.NoError(t, s.Reserve(10, 12, genesis, new(big.Int)))
		for _, n := range order {
			require.NotNil(t, s.BlockByNumber(n))
		}
		return s
	}
	ascending := build(2, 3)
	descending := build(3, 2)
	untouched := build()

	for n := uint64(1); n <= 10; n++ {
		a, d, u := ascending.BlockByNumber(n), descending.BlockByNumber(n), untouched.BlockByNumber(n)
		assert.Equal(t, a.Hash(), d.Hash(), "block %d", n)
		assert.Equal(t, a.Hash(), u.Hash(), "block %d", n)
		assert.Equal(t, a.Header().ParentHash, d.Header().ParentHash, "block %d", n)
		assert.Equal(t, ascending.BlockByNumber(n-1).Hash(), a.Header().ParentHash, "block %d", n)
		assert.Equal(t, descending.BlockByNumber(n-1).Hash(), d.Header().ParentHash, "block %d", n)
	}
}

func TestSparseReservationAfterReservation(t *testing.T) {
	s := NewSparse(0, primitives.NewHashGenerator([]byte("seed")))
	genesis := block.NewEmpty(header(0, common.Hash{}), nil)
	require.NoError(t, s.InsertBlock(genesis, new(big.Int)))
	require.NoError(t, s.Reserve(5, 1, genesis, new(big.Int)))
	last := s.BlockByNumber(5)
	require.NoError(t, s.Reserve(5, 1, last, new(big.Int)))

	assert.Equal(t, last.Hash(), s.BlockByNumber(6).Header().ParentHash)
	assert.Equal(t, s.BlockByNumber(9).Hash(), s.BlockByNumber(10).Header().ParentHash)
}

package primitives

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestOrderedTrieRootMatchesDeriveSha(t *testing.T) {
	txs := types.Transactions{
		types.NewTx(&types.LegacyTx{Nonce: 0, Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(1)}),
		types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 21000, GasPrice: big.NewInt(2), Value: big.NewInt(3)}),
	}
	items := make([][]byte, len(txs))
	for i, tx := range txs {
		enc, err := tx.MarshalBinary()
		require.NoError(t, err)
		items[i] = enc
	}
	require.Equal(t, types.DeriveSha(txs, trie.NewStackTrie(nil)), OrderedTrieRoot(items))
	require.Equal(t, EmptyRoot, OrderedTrieRoot(nil))
}

func TestKeccak256(t *testing.T) {
	require.Equal(t, KeccakEmpty, Keccak256())
	require.Equal(t, crypto.Keccak256Hash([]byte("hello world")), Keccak256([]byte("hello "), []byte("world")))
}

func TestLogsBloomAndOr(t *testing.T) {
	a := &types.Log{Address: common.HexToAddress("0x01"), Topics: []common.Hash{common.HexToHash("0xaa")}}
	b := &types.Log{Address: common.HexToAddress("0x02")}

	ba := LogsBloom([]*types.Log{a})
	bb := LogsBloom([]*types.Log{b})
	both := LogsBloom([]*types.Log{a, b})
	require.Equal(t, both, BloomOr(ba, bb))
	require.True(t, types.BloomLookup(both, common.HexToHash("0xaa")))
}

func TestU256Saturates(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	require.Equal(t, new(uint256.Int).SetAllOne(), U256(huge))
	require.True(t, U256(nil).IsZero())
	require.True(t, U256(big.NewInt(-1)).IsZero())
	require.Equal(t, big.NewInt(5), Big(uint256.NewInt(5)))
}

func TestBlockSpecJSON(t *testing.T) {
	tests := []struct {
		in   string
		want BlockSpec
	}{
		{`"latest"`, BlockSpec{Tag: TagLatest}},
		{`"pending"`, BlockSpec{Tag: TagPending}},
		{`"0x10"`, AtNumber(16)},
		{`{"blockNumber":"0x2"}`, AtNumber(2)},
	}
	for _, tt := range tests {
		var got BlockSpec
		require.NoError(t, json.Unmarshal([]byte(tt.in), &got), tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	h := common.HexToHash("0x1234")
	var got BlockSpec
	require.NoError(t, json.Unmarshal([]byte(`{"blockHash":"`+h.Hex()+`","requireCanonical":true}`), &got))
	require.Equal(t, h, *got.Hash)
	require.True(t, got.RequireCanonical)

	require.Error(t, json.Unmarshal([]byte(`"nonsense"`), &got))
	require.Error(t, json.Unmarshal([]byte(`{}`), &got))
}

func TestHashGeneratorDeterministic(t *testing.T) {
	a := NewHashGenerator([]byte("seed"))
	b := NewHashGenerator([]byte("seed"))
	first := a.Next()
	require.Equal(t, first, b.Next())
	require.Equal(t, Keccak256(first[:]), a.Next())

	c := a.Clone()
	require.Equal(t, a.Next(), c.Next())
	require.Equal(t, a.At(7), b.At(7))
	require.NotEqual(t, a.At(7), a.At(8))
}

func TestRLPOfEmptyListIsOmmersHash(t *testing.T) {
	enc, err := rlp.EncodeToBytes([]*types.Header{})
	require.NoError(t, err)
	require.Equal(t, EmptyOmmersHash, Keccak256(enc))
}

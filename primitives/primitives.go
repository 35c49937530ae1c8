// Package primitives holds the value types and hashing helpers shared by
// every EDR package: block specifiers, ordered-trie roots, bloom helpers,
// seeded hash generation and 256-bit conversions. Addresses, hashes and
// RLP come from go-ethereum; 256-bit words from holiman/uint256.
package primitives

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

var (
	// KeccakEmpty is keccak256 of the empty byte string, the code hash of
	// accounts without code.
	KeccakEmpty = types.EmptyCodeHash

	// EmptyRoot is the root of an empty Merkle-Patricia trie.
	EmptyRoot = types.EmptyRootHash

	// EmptyOmmersHash is keccak256(rlp([])).
	EmptyOmmersHash = types.EmptyUncleHash
)

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) (h common.Hash) {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(h[:0])
	return h
}

// U256 converts b to a uint256, saturating at the maximum value. A nil b
// yields zero.
func U256(b *big.Int) *uint256.Int {
	if b == nil || b.Sign() <= 0 {
		return new(uint256.Int)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return u
}

// Big converts u to a big.Int. A nil u yields zero.
func Big(u *uint256.Int) *big.Int {
	if u == nil {
		return new(big.Int)
	}
	return u.ToBig()
}

// BigOrZero returns b, or a fresh zero when b is nil.
func BigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

// rawList adapts pre-encoded items to types.DerivableList.
type rawList [][]byte

func (l rawList) Len() int { return len(l) }

func (l rawList) EncodeIndex(i int, w *bytes.Buffer) { w.Write(l[i]) }

// OrderedTrieRoot returns the root of the trie mapping rlp(index) to each
// pre-encoded item, the construction used for transaction, receipt and
// withdrawal roots.
func OrderedTrieRoot(items [][]byte) common.Hash {
	return types.DeriveSha(rawList(items), trie.NewStackTrie(nil))
}

// LogsBloom accumulates the bloom of logs.
func LogsBloom(logs []*types.Log) types.Bloom {
	var b types.Bloom
	for _, l := range logs {
		b.Add(l.Address.Bytes())
		for _, t := range l.Topics {
			b.Add(t.Bytes())
		}
	}
	return b
}

// BloomOr returns the bitwise OR of blooms.
func BloomOr(blooms ...types.Bloom) types.Bloom {
	var out types.Bloom
	for _, b := range blooms {
		for i := range out {
			out[i] |= b[i]
		}
	}
	return out
}

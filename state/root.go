package state

import (
	"bytes"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
)

type trieEntry struct {
	key   []byte
	value []byte
}

func stackRoot(entries []trieEntry) common.Hash {
	if len(entries) == 0 {
		return types.EmptyRootHash
	}
	slices.SortFunc(entries, func(a, b trieEntry) int { return bytes.Compare(a.key, b.key) })
	st := trie.NewStackTrie(nil)
	for _, e := range entries {
		st.Update(e.key, e.value)
	}
	return st.Hash()
}

// storageRoot returns the secure-trie root of storage, skipping zero slots.
func storageRoot(storage map[common.Hash]common.Hash) common.Hash {
	entries := make([]trieEntry, 0, len(storage))
	for slot, value := range storage {
		if value == (common.Hash{}) {
			continue
		}
		enc, _ := rlp.EncodeToBytes(common.TrimLeftZeroes(value[:]))
		entries = append(entries, trieEntry{key: crypto.Keccak256(slot[:]), value: enc})
	}
	return stackRoot(entries)
}

// Root computes the state root of a full state held in d, such as the
// overlay diff of a chain that was not forked.
func Root(d *Diff) common.Hash {
	entries := make([]trieEntry, 0, len(d.Accounts))
	for addr, entry := range d.Accounts {
		if entry.Info == nil && (entry.Deleted || !hasNonZero(entry.Storage)) {
			continue
		}
		info := entry.Info
		if info == nil {
			info = NewAccount()
		}
		codeHash := info.CodeHash
		if codeHash == (common.Hash{}) {
			codeHash = types.EmptyCodeHash
		}
		enc, _ := rlp.EncodeToBytes(&types.StateAccount{
			Nonce:    info.Nonce,
			Balance:  info.Balance,
			Root:     storageRoot(entry.Storage),
			CodeHash: codeHash.Bytes(),
		})
		entries = append(entries, trieEntry{key: crypto.Keccak256(addr[:]), value: enc})
	}
	return stackRoot(entries)
}

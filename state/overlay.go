package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Overlay is a Reader presenting an in-memory diff on top of an immutable
// base. It is not safe for concurrent mutation; the blockchain serialises
// writers.
type Overlay struct {
	base Reader
	diff *Diff
}

// NewOverlay returns an overlay over base with no changes.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{base: base, diff: NewDiff()}
}

// Base returns the layer below the overlay.
func (o *Overlay) Base() Reader { return o.base }

// Diff returns the accumulated changes. The result must not be modified.
func (o *Overlay) Diff() *Diff { return o.diff }

// Apply folds d into the overlay.
func (o *Overlay) Apply(d *Diff) { o.diff.Apply(d) }

// Clone returns an overlay sharing the base with a copy of the diff.
func (o *Overlay) Clone() *Overlay {
	return &Overlay{base: o.base, diff: o.diff.Clone()}
}

// Basic returns the account at addr. StorageRoot is exact for accounts
// whose storage lives entirely in the diff and is carried over from the
// base otherwise.
func (o *Overlay) Basic(addr common.Address) (*Account, error) {
	entry, ok := o.diff.Accounts[addr]
	if !ok {
		acc, err := o.base.Basic(addr)
		return acc.Copy(), err
	}
	if entry.Info == nil && entry.Deleted {
		return nil, nil
	}
	base, err := o.base.Basic(addr)
	if err != nil {
		return nil, err
	}
	var acc *Account
	switch {
	case entry.Info != nil:
		acc = entry.Info.Copy()
	case base != nil:
		acc = base.Copy()
	case hasNonZero(entry.Storage):
		acc = NewAccount()
	default:
		return nil, nil
	}
	if entry.StorageCleared || base == nil || base.StorageRoot == (common.Hash{}) || base.StorageRoot == types.EmptyRootHash {
		acc.StorageRoot = storageRoot(entry.Storage)
	} else {
		acc.StorageRoot = base.StorageRoot
	}
	return acc, nil
}

func (o *Overlay) CodeByHash(hash common.Hash) ([]byte, error) {
	if code, ok := o.diff.Codes[hash]; ok {
		return code, nil
	}
	if hash == types.EmptyCodeHash {
		return nil, nil
	}
	return o.base.CodeByHash(hash)
}

func (o *Overlay) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	if entry, ok := o.diff.Accounts[addr]; ok {
		if v, ok := entry.Storage[slot]; ok {
			return v, nil
		}
		if entry.Deleted || entry.StorageCleared {
			return common.Hash{}, nil
		}
	}
	return o.base.Storage(addr, slot)
}

func hasNonZero(storage map[common.Hash]common.Hash) bool {
	for _, v := range storage {
		if v != (common.Hash{}) {
			return true
		}
	}
	return false
}

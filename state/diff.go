package state

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountDiff is the change applied to one account.
type AccountDiff struct {
	// Info is the new account record; nil leaves it unchanged.
	Info *Account
	// Deleted removes the account and its storage.
	Deleted bool
	// StorageCleared hides every base slot not listed in Storage.
	StorageCleared bool
	Storage        map[common.Hash]common.Hash
}

func (a *AccountDiff) copy() *AccountDiff {
	return &AccountDiff{
		Info:           a.Info.Copy(),
		Deleted:        a.Deleted,
		StorageCleared: a.StorageCleared,
		Storage:        maps.Clone(a.Storage),
	}
}

// Diff is a set of account, storage and code changes. Genesis allocations,
// mined blocks and state overrides are all expressed as diffs.
type Diff struct {
	Accounts map[common.Address]*AccountDiff
	Codes    map[common.Hash][]byte
}

// NewDiff returns an empty diff.
func NewDiff() *Diff {
	return &Diff{Accounts: make(map[common.Address]*AccountDiff), Codes: make(map[common.Hash][]byte)}
}

// Clone returns a deep copy of d.
func (d *Diff) Clone() *Diff {
	cp := NewDiff()
	for addr, a := range d.Accounts {
		cp.Accounts[addr] = a.copy()
	}
	maps.Copy(cp.Codes, d.Codes)
	return cp
}

// IsEmpty reports whether d changes nothing.
func (d *Diff) IsEmpty() bool { return len(d.Accounts) == 0 }

func (d *Diff) entry(addr common.Address) *AccountDiff {
	a, ok := d.Accounts[addr]
	if !ok {
		a = &AccountDiff{}
		d.Accounts[addr] = a
	}
	return a
}

// SetAccount records the new record of addr.
func (d *Diff) SetAccount(addr common.Address, info *Account) {
	a := d.entry(addr)
	a.Info = info.Copy()
	a.Deleted = false
}

// SetCode stores code and returns its hash. The account record must be
// updated separately.
func (d *Diff) SetCode(code []byte) common.Hash {
	hash := crypto.Keccak256Hash(code)
	d.Codes[hash] = common.CopyBytes(code)
	return hash
}

// SetStorage records a slot write.
func (d *Diff) SetStorage(addr common.Address, slot, value common.Hash) {
	a := d.entry(addr)
	if a.Storage == nil {
		a.Storage = make(map[common.Hash]common.Hash)
	}
	a.Storage[slot] = value
}

// Delete removes addr.
func (d *Diff) Delete(addr common.Address) {
	d.Accounts[addr] = &AccountDiff{Deleted: true, StorageCleared: true}
}

// Apply folds o on top of d.
func (d *Diff) Apply(o *Diff) {
	for addr, next := range o.Accounts {
		cur, ok := d.Accounts[addr]
		if !ok || next.Deleted || next.StorageCleared {
			d.Accounts[addr] = next.copy()
			continue
		}
		if next.Info != nil {
			cur.Info = next.Info.Copy()
			cur.Deleted = false
		}
		if len(next.Storage) > 0 && cur.Storage == nil {
			cur.Storage = make(map[common.Hash]common.Hash, len(next.Storage))
		}
		maps.Copy(cur.Storage, next.Storage)
	}
	maps.Copy(d.Codes, o.Codes)
}

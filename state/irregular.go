package state

import (
	"maps"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountOverride is a partial account change made outside of transaction
// execution. Nil fields are left as they were.
type AccountOverride struct {
	Balance *uint256.Int
	Nonce   *uint64
	// Code replaces the code when non-nil; an empty slice clears it.
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// Merge applies n on top of o.
func (o *AccountOverride) Merge(n *AccountOverride) {
	if n.Balance != nil {
		o.Balance = new(uint256.Int).Set(n.Balance)
	}
	if n.Nonce != nil {
		nonce := *n.Nonce
		o.Nonce = &nonce
	}
	if n.Code != nil {
		o.Code = common.CopyBytes(n.Code)
		if o.Code == nil {
			o.Code = []byte{}
		}
	}
	if len(n.Storage) > 0 && o.Storage == nil {
		o.Storage = make(map[common.Hash]common.Hash, len(n.Storage))
	}
	maps.Copy(o.Storage, n.Storage)
}

func (o *AccountOverride) copy() *AccountOverride {
	cp := &AccountOverride{}
	cp.Merge(o)
	return cp
}

// ApplyTo writes the override of addr into d, reading fields it leaves
// unchanged from r.
func (o *AccountOverride) ApplyTo(d *Diff, r Reader, addr common.Address) error {
	if o.Balance != nil || o.Nonce != nil || o.Code != nil {
		acc, err := r.Basic(addr)
		if err != nil {
			return err
		}
		if acc == nil {
			acc = NewAccount()
		}
		if o.Balance != nil {
			acc.Balance = new(uint256.Int).Set(o.Balance)
		}
		if o.Nonce != nil {
			acc.Nonce = *o.Nonce
		}
		if o.Code != nil {
			acc.CodeHash = d.SetCode(o.Code)
		}
		d.SetAccount(addr, acc)
	}
	for slot, value := range o.Storage {
		d.SetStorage(addr, slot, value)
	}
	return nil
}

// Irregular records state changes made outside of transactions, keyed by
// the block whose post-state they modify.
type Irregular struct {
	mu     sync.RWMutex
	blocks map[uint64]map[common.Address]*AccountOverride
}

// NewIrregular returns an empty store.
func NewIrregular() *Irregular {
	return &Irregular{blocks: make(map[uint64]map[common.Address]*AccountOverride)}
}

// Set merges override into the record for addr at block.
func (s *Irregular) Set(block uint64, addr common.Address, override *AccountOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, ok := s.blocks[block]
	if !ok {
		accounts = make(map[common.Address]*AccountOverride)
		s.blocks[block] = accounts
	}
	if cur, ok := accounts[addr]; ok {
		cur.Merge(override)
		return
	}
	accounts[addr] = override.copy()
}

// At returns a copy of the overrides recorded for block.
func (s *Irregular) At(block uint64) map[common.Address]*AccountOverride {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Address]*AccountOverride, len(s.blocks[block]))
	for addr, o := range s.blocks[block] {
		out[addr] = o.copy()
	}
	return out
}

// Has reports whether any override was recorded for block.
func (s *Irregular) Has(block uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks[block]) > 0
}

// BlocksUpTo returns the blocks at or below n carrying overrides, ascending.
func (s *Irregular) BlocksUpTo(n uint64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint64
	for b := range s.blocks {
		if b <= n {
			out = append(out, b)
		}
	}
	slices.Sort(out)
	return out
}

// Apply writes the overrides recorded for block into d.
func (s *Irregular) Apply(d *Diff, r Reader, block uint64) error {
	overrides := s.At(block)
	addrs := slices.SortedFunc(maps.Keys(overrides), func(a, b common.Address) int { return a.Cmp(b) })
	for _, addr := range addrs {
		if err := overrides[addr].ApplyTo(d, r, addr); err != nil {
			return err
		}
	}
	return nil
}

// TruncateAfter drops overrides of every block above n.
func (s *Irregular) TruncateAfter(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for b := range s.blocks {
		if b > n {
			delete(s.blocks, b)
		}
	}
}

// Clone returns a deep copy of s.
func (s *Irregular) Clone() *Irregular {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := NewIrregular()
	for b, accounts := range s.blocks {
		m := make(map[common.Address]*AccountOverride, len(accounts))
		for addr, o := range accounts {
			m[addr] = o.copy()
		}
		cp.blocks[b] = m
	}
	return cp
}

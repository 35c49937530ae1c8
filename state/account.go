// Package state implements EDR's layered world state.
//
// Every layer is a Reader. An Overlay puts an in-memory Diff on top of a
// base (Empty for local chains, a Remote or CachedRemote for forks). The
// Irregular store records hardhat_set* and cheatcode overrides per block so
// historical views can be rebuilt. DB is the journaled database the
// interpreter executes against; its Diff is folded back into the Overlay
// when a block is committed.
package state

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

var (
	// ErrInvalidCodeHash is returned when code is requested by a hash the
	// layer has never seen.
	ErrInvalidCodeHash = errors.New("invalid code hash")
)

// Account is the basic record of an account.
type Account struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	// StorageRoot is the storage trie root when the layer knows it, zero
	// otherwise.
	StorageRoot common.Hash
}

// NewAccount returns an account with zero balance and no code.
func NewAccount() *Account {
	return &Account{Balance: new(uint256.Int), CodeHash: types.EmptyCodeHash}
}

// Copy returns a deep copy of a.
func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Balance != nil {
		cp.Balance = new(uint256.Int).Set(a.Balance)
	} else {
		cp.Balance = new(uint256.Int)
	}
	return &cp
}

// IsEmpty reports whether a is empty per EIP-161.
func (a *Account) IsEmpty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.IsZero()) &&
		(a.CodeHash == types.EmptyCodeHash || a.CodeHash == common.Hash{})
}

// Reader is the read side shared by every state layer.
type Reader interface {
	// Basic returns the account at addr, or nil if it does not exist.
	Basic(addr common.Address) (*Account, error)
	// CodeByHash returns the bytecode with the given hash.
	CodeByHash(hash common.Hash) ([]byte, error)
	// Storage returns the value of slot in addr's storage.
	Storage(addr common.Address, slot common.Hash) (common.Hash, error)
}

// Empty is the base of a chain without prior state.
type Empty struct{}

func (Empty) Basic(common.Address) (*Account, error) { return nil, nil }

func (Empty) CodeByHash(hash common.Hash) ([]byte, error) {
	if hash == types.EmptyCodeHash {
		return nil, nil
	}
	return nil, ErrInvalidCodeHash
}

func (Empty) Storage(common.Address, common.Hash) (common.Hash, error) { return common.Hash{}, nil }

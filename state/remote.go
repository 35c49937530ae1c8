package state

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/rpcclient"
)

// Remote reads the state of a remote chain at a fixed block. Every read is
// a network call; code can only be fetched by address, so CodeByHash fails.
type Remote struct {
	ctx    context.Context
	client *rpcclient.Client
	block  uint64
}

// NewRemote returns a reader of client's state at block. ctx bounds every
// read made through it.
func NewRemote(ctx context.Context, client *rpcclient.Client, block uint64) *Remote {
	return &Remote{ctx: ctx, client: client, block: block}
}

// Block returns the block the reader is pinned to.
func (r *Remote) Block() uint64 { return r.block }

// Account returns the account at addr with its code inline.
func (r *Remote) Account(addr common.Address) (*Account, []byte, error) {
	proof, err := r.client.Proof(r.ctx, addr, nil, r.block)
	if err != nil {
		return nil, nil, err
	}
	acc := &Account{
		Balance:     new(uint256.Int),
		Nonce:       uint64(proof.Nonce),
		CodeHash:    proof.CodeHash,
		StorageRoot: proof.StorageHash,
	}
	if proof.Balance != nil {
		acc.Balance, _ = uint256.FromBig(proof.Balance.ToInt())
	}
	if acc.CodeHash == (common.Hash{}) {
		acc.CodeHash = types.EmptyCodeHash
	}
	noStorage := acc.StorageRoot == (common.Hash{}) || acc.StorageRoot == types.EmptyRootHash
	if acc.IsEmpty() && noStorage {
		return nil, nil, nil
	}
	if acc.CodeHash == types.EmptyCodeHash {
		return acc, nil, nil
	}
	code, err := r.client.CodeAt(r.ctx, addr, r.block)
	if err != nil {
		return nil, nil, err
	}
	return acc, code, nil
}

func (r *Remote) Basic(addr common.Address) (*Account, error) {
	acc, _, err := r.Account(addr)
	return acc, err
}

func (r *Remote) CodeByHash(hash common.Hash) ([]byte, error) {
	if hash == types.EmptyCodeHash {
		return nil, nil
	}
	return nil, ErrInvalidCodeHash
}

func (r *Remote) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	return r.client.StorageAt(r.ctx, addr, slot, r.block)
}

type accountKey struct {
	block uint64
	addr  common.Address
}

type slotKey struct {
	block uint64
	addr  common.Address
	slot  common.Hash
}

// RemoteCache memoizes remote reads of every block a forked chain touches.
// Code is keyed by hash and never evicted.
type RemoteCache struct {
	accounts *lru.Cache[accountKey, *Account]
	storage  *lru.Cache[slotKey, common.Hash]

	mu    sync.RWMutex
	codes map[common.Hash][]byte
}

// NewRemoteCache returns a cache holding up to size accounts and size
// storage slots.
func NewRemoteCache(size int) *RemoteCache {
	return &RemoteCache{
		accounts: lru.NewCache[accountKey, *Account](size),
		storage:  lru.NewCache[slotKey, common.Hash](size),
		codes:    make(map[common.Hash][]byte),
	}
}

// Clear drops every entry, as needed when the fork is reset.
func (c *RemoteCache) Clear() {
	c.accounts.Purge()
	c.storage.Purge()
	c.mu.Lock()
	clear(c.codes)
	c.mu.Unlock()
}

// CachedRemote is a Remote whose reads go through a RemoteCache. It is the
// base layer of forked state.
type CachedRemote struct {
	remote *Remote
	cache  *RemoteCache
}

// NewCachedRemote returns a cached reader of remote.
func NewCachedRemote(remote *Remote, cache *RemoteCache) *CachedRemote {
	return &CachedRemote{remote: remote, cache: cache}
}

// Block returns the block the reader is pinned to.
func (c *CachedRemote) Block() uint64 { return c.remote.block }

func (c *CachedRemote) Basic(addr common.Address) (*Account, error) {
	key := accountKey{c.remote.block, addr}
	if acc, ok := c.cache.accounts.Get(key); ok {
		return acc.Copy(), nil
	}
	acc, code, err := c.remote.Account(addr)
	if err != nil {
		return nil, err
	}
	if acc != nil && len(code) > 0 {
		c.cache.mu.Lock()
		c.cache.codes[acc.CodeHash] = code
		c.cache.mu.Unlock()
	}
	c.cache.accounts.Add(key, acc.Copy())
	return acc, nil
}

func (c *CachedRemote) CodeByHash(hash common.Hash) ([]byte, error) {
	if hash == types.EmptyCodeHash {
		return nil, nil
	}
	c.cache.mu.RLock()
	code, ok := c.cache.codes[hash]
	c.cache.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCodeHash
	}
	return code, nil
}

func (c *CachedRemote) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	key := slotKey{c.remote.block, addr, slot}
	if v, ok := c.cache.storage.Get(key); ok {
		return v, nil
	}
	v, err := c.remote.Storage(addr, slot)
	if err != nil {
		return common.Hash{}, err
	}
	c.cache.storage.Add(key, v)
	return v, nil
}

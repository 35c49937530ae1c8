package storage

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/receipt"
)

// Contiguous stores a gapless chain starting at genesis.
type Contiguous struct {
	mu     sync.RWMutex
	blocks []*block.Local
	index
}

// NewContiguous returns an empty store.
func NewContiguous() *Contiguous {
	return &Contiguous{index: newIndex()}
}

func (s *Contiguous) BlockByHash(hash common.Hash) *block.Local {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byHash[hash]
}

func (s *Contiguous) BlockByNumber(n uint64) *block.Local {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n >= uint64(len(s.blocks)) {
		return nil
	}
	return s.blocks[n]
}

func (s *Contiguous) BlockByTransaction(txHash common.Hash) *block.Local {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byTx[txHash]
}

func (s *Contiguous) Receipt(txHash common.Hash) *receipt.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipts[txHash]
}

func (s *Contiguous) TotalDifficulty(hash common.Hash) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalDifficulty(hash)
}

// LastBlockNumber returns the number of the newest block. It panics on an
// empty store; every chain is created with its genesis block.
func (s *Contiguous) LastBlockNumber() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		panic("storage: no blocks")
	}
	return uint64(len(s.blocks) - 1)
}

func (s *Contiguous) InsertBlock(b *block.Local, td *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.blocks)); b.Number() != want {
		if b.Number() < want {
			return &DuplicateBlockError{Hash: b.Hash(), Number: b.Number()}
		}
		return fmt.Errorf("block %d inserted into a contiguous store expecting %d", b.Number(), want)
	}
	if err := s.check(b); err != nil {
		return err
	}
	s.blocks = append(s.blocks, b)
	s.add(b, td)
	return nil
}

func (s *Contiguous) RevertToBlock(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= uint64(len(s.blocks)) {
		return false
	}
	for _, b := range s.blocks[n+1:] {
		s.remove(b)
	}
	clear(s.blocks[n+1:])
	s.blocks = s.blocks[:n+1]
	return true
}

// Package storage keeps the blocks mined by a blockchain together with the
// indices needed to serve JSON-RPC lookups: by number, by hash and by the
// hash of a contained transaction.
package storage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/receipt"
)

// DuplicateBlockError is returned when inserting a block whose hash or
// number is already stored.
type DuplicateBlockError struct {
	Hash   common.Hash
	Number uint64
}

func (e *DuplicateBlockError) Error() string {
	return fmt.Sprintf("block %d with hash %s already exists", e.Number, e.Hash)
}

// DuplicateTransactionError is returned when a block contains a
// transaction already included in a stored block.
type DuplicateTransactionError struct {
	Hash common.Hash
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s already exists", e.Hash)
}

// Storage is implemented by the contiguous and the sparse stores. Lookups
// return nil when nothing matches.
type Storage interface {
	BlockByHash(hash common.Hash) *block.Local
	BlockByNumber(n uint64) *block.Local
	BlockByTransaction(txHash common.Hash) *block.Local
	Receipt(txHash common.Hash) *receipt.Block
	TotalDifficulty(hash common.Hash) *big.Int
	LastBlockNumber() uint64
	// InsertBlock stores b, whose total difficulty is td.
	InsertBlock(b *block.Local, td *big.Int) error
	// RevertToBlock drops every block above n. It returns false if n is
	// beyond the last block.
	RevertToBlock(n uint64) bool
}

// index holds the hash-keyed lookups shared by both stores.
type index struct {
	byHash   map[common.Hash]*block.Local
	byTx     map[common.Hash]*block.Local
	receipts map[common.Hash]*receipt.Block
	td       map[common.Hash]*big.Int
}

func newIndex() index {
	return index{
		byHash:   make(map[common.Hash]*block.Local),
		byTx:     make(map[common.Hash]*block.Local),
		receipts: make(map[common.Hash]*receipt.Block),
		td:       make(map[common.Hash]*big.Int),
	}
}

func (ix *index) check(b *block.Local) error {
	if _, ok := ix.byHash[b.Hash()]; ok {
		return &DuplicateBlockError{Hash: b.Hash(), Number: b.Number()}
	}
	for _, tx := range b.Transactions() {
		if _, ok := ix.byTx[tx.Hash()]; ok {
			return &DuplicateTransactionError{Hash: tx.Hash()}
		}
	}
	return nil
}

func (ix *index) add(b *block.Local, td *big.Int) {
	ix.byHash[b.Hash()] = b
	ix.td[b.Hash()] = new(big.Int).Set(td)
	for _, tx := range b.Transactions() {
		ix.byTx[tx.Hash()] = b
	}
	for _, r := range b.TransactionReceipts() {
		ix.receipts[r.TxHash] = r
	}
}

func (ix *index) remove(b *block.Local) {
	delete(ix.byHash, b.Hash())
	delete(ix.td, b.Hash())
	for _, tx := range b.Transactions() {
		delete(ix.byTx, tx.Hash())
		delete(ix.receipts, tx.Hash())
	}
}

func (ix *index) totalDifficulty(hash common.Hash) *big.Int {
	td, ok := ix.td[hash]
	if !ok {
		return nil
	}
	return new(big.Int).Set(td)
}

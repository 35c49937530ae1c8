package builder

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/transaction"
)

// Candidates yields transactions in inclusion order, at most one per
// sender at a time.
type Candidates interface {
	// Peek returns the next transaction, or nil when exhausted.
	Peek() *transaction.Signed
	// Shift replaces the current transaction with the sender's next one.
	Shift()
	// Pop drops the current sender's remaining transactions.
	Pop()
}

// Fill adds candidates until the block is full or the candidates run out.
// A sender whose transaction is rejected is skipped for the rest of the
// block; the rejections are returned by transaction hash.
func (b *Builder[H]) Fill(c Candidates) map[common.Hash]error {
	rejected := make(map[common.Hash]error)
	for {
		if b.GasRemaining() < params.TxGas {
			logger.Trace("Block is full", "remaining", b.GasRemaining())
			return rejected
		}
		tx := c.Peek()
		if tx == nil {
			return rejected
		}
		if _, err := b.AddTransaction(tx); err != nil {
			if !errors.Is(err, ErrExceedsBlockGasLimit) && !errors.Is(err, ErrExceedsBlockBlobGasLimit) {
				rejected[tx.Hash()] = err
			}
			logger.Debug("Skipping transaction", "hash", tx.Hash(), "sender", tx.Caller(), "err", err)
			c.Pop()
			continue
		}
		c.Shift()
	}
}

package mempool

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrExceedsBlockGasLimit is returned for a transaction that could never
	// fit in a block.
	ErrExceedsBlockGasLimit = errors.New("transaction gas limit exceeds the block gas limit")
	// ErrAlreadyKnown is returned when the exact transaction is already
	// pooled.
	ErrAlreadyKnown = errors.New("known transaction")
)

// NonceTooLowError is returned for a transaction whose nonce was already
// used on chain.
type NonceTooLowError struct {
	Nonce      uint64
	StateNonce uint64
}

func (e *NonceTooLowError) Error() string {
	return fmt.Sprintf("nonce too low. Expected nonce to be at least %d but got %d", e.StateNonce, e.Nonce)
}

// ReplacementUnderpricedError is returned when a transaction replacing one
// with the same sender and nonce does not bump its price enough.
type ReplacementUnderpricedError struct {
	// MinGasPrice is set for legacy-priced replacements.
	MinGasPrice *big.Int
	// MinFeeCap and MinTipCap are set for EIP-1559-priced replacements.
	MinFeeCap *big.Int
	MinTipCap *big.Int
}

func (e *ReplacementUnderpricedError) Error() string {
	if e.MinGasPrice != nil {
		return fmt.Sprintf("replacement transaction underpriced. Gas price must be at least %s", e.MinGasPrice)
	}
	return fmt.Sprintf("replacement transaction underpriced. maxFeePerGas must be at least %s and maxPriorityFeePerGas at least %s",
		e.MinFeeCap, e.MinTipCap)
}

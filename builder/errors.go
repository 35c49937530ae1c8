package builder

import "errors"

var (
	// ErrExceedsBlockGasLimit is returned for a transaction whose gas limit
	// is above the gas left in the block.
	ErrExceedsBlockGasLimit = errors.New("transaction gas limit exceeds the remaining block gas")
	// ErrExceedsBlockBlobGasLimit is the blob gas equivalent.
	ErrExceedsBlockBlobGasLimit = errors.New("transaction blob gas exceeds the remaining block blob gas")
	// ErrFinalized is returned when a finalized builder is reused.
	ErrFinalized = errors.New("block already finalized")
)

package blockchain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownBlockNumber is returned for numbers beyond the last block.
	ErrUnknownBlockNumber = errors.New("unknown block number")
	// ErrCannotDeleteRemote is returned when reverting below the fork block.
	ErrCannotDeleteRemote = errors.New("cannot delete remote blocks of a forked chain")
	// ErrReservationsUnsupported is returned by chains on dense storage.
	ErrReservationsUnsupported = errors.New("block reservations are not supported by this chain")
)

// InvalidBlockError reports a block that does not extend the chain.
type InvalidBlockError struct {
	Number uint64
	Reason string
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block %d: %s", e.Number, e.Reason)
}

func invalidParent(n uint64, want, got common.Hash) error {
	return &InvalidBlockError{Number: n, Reason: fmt.Sprintf("parent hash %s does not match head %s", got, want)}
}

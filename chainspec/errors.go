package chainspec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/vm"
)

// Funds is the (required, available) pair reported for underfunded senders.
type Funds struct {
	Required  *big.Int
	Available *big.Int
}

// InsufficientFundsError is returned when a sender cannot pay
// gas_limit*max_fee + value (+ blob gas).
type InsufficientFundsError struct {
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("sender doesn't have enough funds to send tx. The max upfront cost is: %s and the sender's balance is: %s",
		e.Required, e.Available)
}

// Unwrap lets callers match core.ErrInsufficientFunds.
func (e *InsufficientFundsError) Unwrap() error { return core.ErrInsufficientFunds }

// ExceedsTransactionGasCapError is returned for a transaction above the
// configured per-transaction gas cap (EIP-7825).
type ExceedsTransactionGasCapError struct {
	Cap      uint64
	GasLimit uint64
}

func (e *ExceedsTransactionGasCapError) Error() string {
	return fmt.Sprintf("transaction gas limit %d exceeds the transaction gas cap %d", e.GasLimit, e.Cap)
}

// InvalidTransactionError wraps a validation failure reported by the
// interpreter. It never commits state.
type InvalidTransactionError struct {
	Err error
}

func (e *InvalidTransactionError) Error() string { return "invalid transaction: " + e.Err.Error() }

func (e *InvalidTransactionError) Unwrap() error { return e.Err }

// CastTransactionError lifts interpreter validation errors. Lack of funds
// for the maximum fee becomes an InsufficientFundsError carrying funds.
func CastTransactionError(err error, funds *Funds) error {
	if err == nil {
		return nil
	}
	if (errors.Is(err, core.ErrInsufficientFunds) || errors.Is(err, core.ErrInsufficientFundsForTransfer)) && funds != nil {
		return &InsufficientFundsError{Required: funds.Required, Available: funds.Available}
	}
	var ite *InvalidTransactionError
	if errors.As(err, &ite) {
		return err
	}
	return &InvalidTransactionError{Err: err}
}

// FailureKind classifies an exceptional halt.
type FailureKind uint8

const (
	FailureInner FailureKind = iota
	FailureOutOfGas
	FailureCreateContractSizeLimit
	FailureOpcodeNotFound
)

// FailureReason is a halt classified for error presentation.
type FailureReason struct {
	Kind  FailureKind
	Inner error
}

func (f *FailureReason) Error() string {
	switch f.Kind {
	case FailureOutOfGas:
		return "Transaction ran out of gas"
	case FailureCreateContractSizeLimit:
		return "Transaction reverted: trying to deploy a contract whose code is too large"
	case FailureOpcodeNotFound:
		return "Transaction failed: invalid opcode"
	}
	return fmt.Sprintf("Transaction halted: %v", f.Inner)
}

func (f *FailureReason) Unwrap() error { return f.Inner }

// CastHaltReason classifies an execution error. Reverts and successes
// return nil.
func CastHaltReason(err error) *FailureReason {
	if err == nil || errors.Is(err, vm.ErrExecutionReverted) {
		return nil
	}
	var invalid *vm.ErrInvalidOpCode
	switch {
	case errors.Is(err, vm.ErrOutOfGas), errors.Is(err, vm.ErrCodeStoreOutOfGas):
		return &FailureReason{Kind: FailureOutOfGas, Inner: err}
	case errors.Is(err, vm.ErrMaxCodeSizeExceeded), errors.Is(err, vm.ErrMaxInitCodeSizeExceeded):
		return &FailureReason{Kind: FailureCreateContractSizeLimit, Inner: err}
	case errors.As(err, &invalid):
		return &FailureReason{Kind: FailureOpcodeNotFound, Inner: err}
	}
	return &FailureReason{Kind: FailureInner, Inner: err}
}

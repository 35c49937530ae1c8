// Package geth adapts EDR's chain, block and transaction types to
// go-ethereum's interpreter. It builds the interpreter's chain config and
// block context from a hardfork, converts transactions to messages, runs
// them against a state.DB and classifies their results.
package geth

import (
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
)

// OutcomeKind is how an execution ended.
type OutcomeKind uint8

const (
	Success OutcomeKind = iota
	Revert
	Halt
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Revert:
		return "revert"
	}
	return "halt"
}

// Outcome is the result of a transaction that passed validation.
type Outcome struct {
	Kind        OutcomeKind
	GasUsed     uint64
	GasRefunded uint64
	// Output is the return data, or the revert payload.
	Output []byte
	Logs   []*types.Log
	// ContractAddress is set for successful creations.
	ContractAddress *common.Address
	// Err is the halt or revert error reported by the interpreter.
	Err error
}

func newOutcome(res *core.ExecutionResult, logs []*types.Log, created *common.Address) *Outcome {
	o := &Outcome{
		GasUsed:     res.UsedGas,
		GasRefunded: res.RefundedGas,
		Output:      res.ReturnData,
		Err:         res.Err,
	}
	switch {
	case res.Err == nil:
		o.Kind = Success
		o.Logs = logs
		o.ContractAddress = created
	case errors.Is(res.Err, vm.ErrExecutionReverted):
		o.Kind = Revert
	default:
		o.Kind = Halt
		o.Output = nil
	}
	return o
}

// Succeeded reports whether execution neither reverted nor halted.
func (o *Outcome) Succeeded() bool { return o.Kind == Success }

// RevertReason decodes an Error(string) or Panic(uint256) revert payload.
func (o *Outcome) RevertReason() (string, bool) {
	if o.Kind != Revert || len(o.Output) < 4 {
		return "", false
	}
	reason, err := abi.UnpackRevert(o.Output)
	if err != nil {
		return "", false
	}
	return reason, true
}

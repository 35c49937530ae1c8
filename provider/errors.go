package provider

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"

	"github.com/edrgo/edr/blockchain"
	"github.com/edrgo/edr/builder"
	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/mempool"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/stacktrace"
	"github.com/edrgo/edr/transaction"
)

// JSON-RPC error codes.
const (
	CodeInvalidInput   = -32000
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeReverted       = 3
)

var (
	// ErrUnknownAccount is returned when signing for an address that is
	// neither owned nor impersonated.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrUnsupportedDebugTraceType is returned when tracing a block that
	// contains transactions the tracer cannot replay.
	ErrUnsupportedDebugTraceType = errors.New("transaction type is not supported by debug traces")
	// ErrClosed is returned by a provider after Close.
	ErrClosed = errors.New("provider closed")
)

var (
	errorSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}
	panicSelector = [4]byte{0x4e, 0x48, 0x7b, 0x71}
)

// Error is a failure with a JSON-RPC error code.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string { return e.Message }

// ErrorCode returns the JSON-RPC error code.
func (e *Error) ErrorCode() int { return e.Code }

// ErrorData returns the error's data member, or nil.
func (e *Error) ErrorData() any { return e.Data }

func invalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func methodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method %s is not supported", method)}
}

// TransactionFailedError reports a mined transaction that reverted or
// halted. The block containing it stays mined.
type TransactionFailedError struct {
	TxHash  common.Hash
	Outcome *geth.Outcome
}

func (e *TransactionFailedError) Error() string { return failureMessage(e.Outcome) }

func (e *TransactionFailedError) ErrorCode() int { return CodeInternal }

func (e *TransactionFailedError) ErrorData() any {
	return map[string]any{
		"message": failureMessage(e.Outcome),
		"txHash":  e.TxHash,
		"data":    hexutil.Bytes(e.Outcome.Output),
	}
}

// CallFailedError reports an eth_call or eth_estimateGas execution that
// reverted or halted.
type CallFailedError struct {
	Outcome *geth.Outcome
}

func (e *CallFailedError) Error() string { return failureMessage(e.Outcome) }

func (e *CallFailedError) ErrorCode() int {
	if e.Outcome.Kind == geth.Revert {
		return CodeReverted
	}
	return CodeInternal
}

func (e *CallFailedError) ErrorData() any {
	if e.Outcome.Kind != geth.Revert {
		return nil
	}
	return hexutil.Bytes(e.Outcome.Output)
}

// failureMessage renders a failed execution the way Hardhat reports it.
func failureMessage(out *geth.Outcome) string {
	if out.Kind == geth.Halt {
		if reason := chainspec.CastHaltReason(out.Err); reason != nil {
			return reason.Error()
		}
		return "Transaction halted"
	}
	data := out.Output
	switch {
	case len(data) == 0:
		return "Transaction reverted without a reason string"
	case len(data) >= 4 && bytes.Equal(data[:4], errorSelector[:]):
		if reason, ok := out.RevertReason(); ok {
			return fmt.Sprintf("VM Exception while processing transaction: reverted with reason string '%s'", reason)
		}
	case len(data) == 36 && bytes.Equal(data[:4], panicSelector[:]):
		code := new(big.Int).SetBytes(data[4:])
		return fmt.Sprintf("VM Exception while processing transaction: reverted with panic code %#x (%s)", code, stacktrace.PanicMessage(code))
	}
	return fmt.Sprintf("VM Exception while processing transaction: reverted with an unrecognized custom error (return data: %s)", hexutil.Encode(data))
}

// toRPCError maps the validation errors of the lower layers to invalid
// input errors. Other errors pass through and surface as internal errors.
func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	var (
		rpcErr    *Error
		funds     *chainspec.InsufficientFundsError
		nonceLow  *mempool.NonceTooLowError
		underpr   *mempool.ReplacementUnderpricedError
		gasCap    *chainspec.ExceedsTransactionGasCapError
		invalidTx *chainspec.InvalidTransactionError
		txType    *chainspec.TransactionTypeError
		badBlock  *blockchain.InvalidBlockError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &funds), errors.As(err, &nonceLow), errors.As(err, &underpr),
		errors.As(err, &gasCap), errors.As(err, &invalidTx), errors.As(err, &txType),
		errors.As(err, &badBlock):
		return invalidInput("%s", err.Error())
	case errors.Is(err, mempool.ErrExceedsBlockGasLimit), errors.Is(err, builder.ErrExceedsBlockGasLimit):
		return invalidInput("Transaction gas limit is greater than block gas limit")
	case errors.Is(err, mempool.ErrAlreadyKnown):
		return invalidInput("Known transaction")
	case errors.Is(err, core.ErrIntrinsicGas), errors.Is(err, core.ErrNonceTooHigh),
		errors.Is(err, core.ErrFeeCapTooLow), errors.Is(err, core.ErrTipAboveFeeCap):
		return invalidInput("%s", err.Error())
	case errors.Is(err, transaction.ErrInvalidSender), errors.Is(err, transaction.ErrUnsupportedType),
		errors.Is(err, transaction.ErrEmptyInput), errors.Is(err, transaction.ErrCreateNotAllowed),
		errors.Is(err, transaction.ErrMissingSidecar), errors.Is(err, transaction.ErrBlobCountMismatch):
		return invalidInput("%s", err.Error())
	case errors.Is(err, primitives.ErrInvalidBlockSpec):
		return invalidParams("%s", err.Error())
	case errors.Is(err, blockchain.ErrUnknownBlockNumber), errors.Is(err, blockchain.ErrCannotDeleteRemote),
		errors.Is(err, chainspec.ErrMissingHardforkActivations):
		return invalidInput("%s", err.Error())
	}
	return err
}

// EstimateGasFailureError reports a gas estimation whose execution at the
// gas cap already failed. Trace is the call tree of that execution.
type EstimateGasFailureError struct {
	Outcome *geth.Outcome
	Trace   *inspector.Node
}

func (e *EstimateGasFailureError) Error() string { return failureMessage(e.Outcome) }

func (e *EstimateGasFailureError) ErrorCode() int {
	return (&CallFailedError{Outcome: e.Outcome}).ErrorCode()
}

func (e *EstimateGasFailureError) ErrorData() any {
	return (&CallFailedError{Outcome: e.Outcome}).ErrorData()
}

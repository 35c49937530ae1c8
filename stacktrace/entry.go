package stacktrace

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind classifies a stack trace entry.
type Kind uint8

const (
	// KindCallstack is a frame that made the failing call.
	KindCallstack Kind = iota
	KindUnrecognizedCreateCallstack
	KindUnrecognizedContractCallstack
	KindPrecompileError
	KindRevertError
	KindPanicError
	KindCustomError
	KindUnmappedSolc063Revert
	KindFunctionNotPayable
	KindInvalidParams
	KindFallbackNotPayable
	KindMissingFallbackOrReceive
	KindUnrecognizedFunctionWithoutFallback
	KindReturndataSizeError
	KindNonContractAccountCalled
	KindCallFailed
	KindDirectLibraryCall
	KindUnrecognizedCreateError
	KindUnrecognizedContractError
	KindOtherExecutionError
	KindContractTooLarge
	KindOutOfGas
	KindCheatcodeError
	// KindUnclassifiedRevert is a revert without data that no heuristic
	// could explain.
	KindUnclassifiedRevert
)

var kindNames = [...]string{
	KindCallstack:                           "CallstackEntry",
	KindUnrecognizedCreateCallstack:         "UnrecognizedCreateCallstackEntry",
	KindUnrecognizedContractCallstack:       "UnrecognizedContractCallstackEntry",
	KindPrecompileError:                     "PrecompileError",
	KindRevertError:                         "RevertError",
	KindPanicError:                          "PanicError",
	KindCustomError:                         "CustomError",
	KindUnmappedSolc063Revert:               "UnmappedSolc063RevertError",
	KindFunctionNotPayable:                  "FunctionNotPayableError",
	KindInvalidParams:                       "InvalidParamsError",
	KindFallbackNotPayable:                  "FallbackNotPayableError",
	KindMissingFallbackOrReceive:            "MissingFallbackOrReceiveError",
	KindUnrecognizedFunctionWithoutFallback: "UnrecognizedFunctionWithoutFallbackError",
	KindReturndataSizeError:                 "ReturndataSizeError",
	KindNonContractAccountCalled:            "NoncontractAccountCalledError",
	KindCallFailed:                          "CallFailedError",
	KindDirectLibraryCall:                   "DirectLibraryCallError",
	KindUnrecognizedCreateError:             "UnrecognizedCreateError",
	KindUnrecognizedContractError:           "UnrecognizedContractError",
	KindOtherExecutionError:                 "OtherExecutionError",
	KindContractTooLarge:                    "ContractTooLargeError",
	KindOutOfGas:                            "ContractCallRunOutOfGasError",
	KindCheatcodeError:                      "CheatcodeError",
	KindUnclassifiedRevert:                  "UnclassifiedRevertError",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsError reports whether the entry describes the failure rather than a
// frame leading to it.
func (k Kind) IsError() bool {
	switch k {
	case KindCallstack, KindUnrecognizedCreateCallstack, KindUnrecognizedContractCallstack:
		return false
	}
	return true
}

// SourceReference points into a source file.
type SourceReference struct {
	SourceName string `json:"sourceName"`
	Contract   string `json:"contract,omitempty"`
	Function   string `json:"function,omitempty"`
	// Line is 1-based; zero when the source content is unavailable.
	Line  int    `json:"line"`
	Range [2]int `json:"range"`
}

func (r *SourceReference) String() string {
	name := r.Contract
	if r.Function != "" {
		name += "." + r.Function
	}
	if r.Line == 0 {
		return fmt.Sprintf("%s (%s)", name, r.SourceName)
	}
	return fmt.Sprintf("%s (%s:%d)", name, r.SourceName, r.Line)
}

// Entry is one element of a stack trace.
type Entry struct {
	Kind            Kind             `json:"type"`
	SourceReference *SourceReference `json:"sourceReference,omitempty"`
	Message         string           `json:"message,omitempty"`
	ReturnData      hexutil.Bytes    `json:"returnData,omitempty"`
	Address         *common.Address  `json:"address,omitempty"`
	PanicCode       *big.Int         `json:"panicCode,omitempty"`
	Value           *big.Int         `json:"value,omitempty"`
}

// Describe is a one-line description of an error entry.
func (e *Entry) Describe() string {
	switch e.Kind {
	case KindRevertError:
		switch {
		case e.Message != "":
			return "reverted with reason string '" + e.Message + "'"
		case len(e.ReturnData) > 0:
			return "reverted with an unrecognized custom error (return data: " + e.ReturnData.String() + ")"
		}
		return "reverted without a reason"
	case KindPanicError:
		return fmt.Sprintf("reverted with panic code %#x (%s)", e.PanicCode, e.Message)
	case KindCustomError:
		return "reverted with custom error '" + e.Message + "'"
	case KindFunctionNotPayable:
		return "non-payable function was called with value " + e.Value.String()
	case KindInvalidParams:
		return "invalid arguments were passed"
	case KindFallbackNotPayable:
		return "fallback function is not payable and was called with value " + e.Value.String()
	case KindMissingFallbackOrReceive:
		return "there's no receive function, fallback function is not payable and was called with value " + e.Value.String()
	case KindUnrecognizedFunctionWithoutFallback:
		return "function selector was not recognized and there's no fallback function"
	case KindReturndataSizeError:
		return "function returned an unexpected amount of data"
	case KindNonContractAccountCalled:
		return "function call to a non-contract account"
	case KindCallFailed:
		return "function call failed to execute"
	case KindDirectLibraryCall:
		return "library was called directly"
	case KindUnrecognizedCreateError, KindUnrecognizedContractError:
		if e.Message != "" {
			return "reverted with reason string '" + e.Message + "'"
		}
		return "reverted without a reason"
	case KindContractTooLarge:
		return "trying to deploy a contract whose code is too large"
	case KindOutOfGas:
		return "out of gas"
	case KindUnmappedSolc063Revert:
		return "reverted without a reason (unmapped revert, solc < 0.6.3)"
	case KindUnclassifiedRevert:
		return "reverted without a reason"
	case KindCheatcodeError, KindPrecompileError, KindOtherExecutionError:
		if e.Message != "" {
			return e.Message
		}
	}
	return e.Kind.String()
}

// Format renders a trace the way test reports print it: the error first,
// then the frames from innermost to outermost.
func Format(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	last := entries[len(entries)-1]
	b.WriteString(last.Describe())
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		b.WriteString("\n    at ")
		switch {
		case e.SourceReference != nil:
			b.WriteString(e.SourceReference.String())
		case e.Address != nil:
			b.WriteString("<unrecognized contract> (" + e.Address.Hex() + ")")
		default:
			b.WriteString("<unknown>")
		}
	}
	return b.String()
}

package stacktrace

import (
	"math/big"

	"github.com/blang/semver/v4"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/edrgo/edr/inspector"
)

// Compiler versions whose code generation changes what the heuristics can
// rely on.
var (
	// solc063 is the first version that maps every revert to a source
	// location.
	solc063 = semver.MustParse("0.6.3")
	// solc069 is the first version whose checks run close to the revert,
	// so only the tail of the frame needs inspecting.
	solc069 = semver.MustParse("0.6.9")

	latestSolc = semver.MustParse("0.8.30")
)

// windowSize is how many of a frame's last steps are searched for the
// opcodes that explain a revert.
const windowSize = 20

func window(f *frame) []inspector.Step {
	steps := f.node.Steps
	if f.version.GTE(solc069) && len(steps) > windowSize {
		return steps[len(steps)-windowSize:]
	}
	return steps
}

// lastIndex returns the position of the last step in steps running one of
// ops, or -1.
func lastIndex(steps []inspector.Step, ops ...vm.OpCode) int {
	for i := len(steps) - 1; i >= 0; i-- {
		for _, op := range ops {
			if steps[i].Op == op {
				return i
			}
		}
	}
	return -1
}

func isDynamic(t abi.Type) bool {
	switch t.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy:
		return true
	case abi.ArrayTy:
		return isDynamic(*t.Elem)
	case abi.TupleTy:
		for _, e := range t.TupleElems {
			if isDynamic(*e) {
				return true
			}
		}
	}
	return false
}

// headSize is the encoded size of t in the head of an argument list.
func headSize(t abi.Type) int {
	if isDynamic(t) {
		return 32
	}
	switch t.T {
	case abi.ArrayTy:
		return t.Size * headSize(*t.Elem)
	case abi.TupleTy:
		n := 0
		for _, e := range t.TupleElems {
			n += headSize(*e)
		}
		return n
	}
	return 32
}

func argumentsSize(args abi.Arguments) int {
	n := 0
	for _, a := range args {
		n += headSize(a.Type)
	}
	return n
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

// heuristics explains a revert without return data from the shape of the
// call and the last opcodes the frame executed. When nothing matches the
// revert is reported as unclassified rather than guessed.
func (d *Decoder) heuristics(f *frame, ref *SourceReference, loc *Location) Entry {
	n := f.node
	contract := f.code.Contract
	frameRef := d.reference(f, nil)

	if contract.IsLibrary() && n.Kind == vm.CALL {
		return Entry{Kind: KindDirectLibraryCall, SourceReference: frameRef}
	}

	if n.IsCreate() {
		ctor := contract.ABI.Constructor
		if positive(n.Value) && !ctor.IsPayable() {
			return Entry{Kind: KindFunctionNotPayable, SourceReference: frameRef, Value: n.Value}
		}
		if len(n.Input) < len(f.code.Normalized)+argumentsSize(ctor.Inputs) {
			return Entry{Kind: KindInvalidParams, SourceReference: frameRef}
		}
	} else {
		switch {
		case f.method == nil && len(n.Input) == 0 && positive(n.Value) && !contract.ABI.HasReceive() &&
			(!contract.ABI.HasFallback() || !contract.ABI.Fallback.IsPayable()):
			return Entry{Kind: KindMissingFallbackOrReceive, SourceReference: frameRef, Value: n.Value}
		case f.method == nil && !contract.ABI.HasFallback() && !(len(n.Input) == 0 && contract.ABI.HasReceive()):
			return Entry{Kind: KindUnrecognizedFunctionWithoutFallback, SourceReference: frameRef}
		case f.method == nil && f.function == "fallback" && positive(n.Value) && !contract.ABI.Fallback.IsPayable():
			return Entry{Kind: KindFallbackNotPayable, SourceReference: frameRef, Value: n.Value}
		case f.method != nil && positive(n.Value) && !f.method.IsPayable():
			return Entry{Kind: KindFunctionNotPayable, SourceReference: frameRef, Value: n.Value}
		case f.method != nil && len(n.Input)-4 < argumentsSize(f.method.Inputs):
			return Entry{Kind: KindInvalidParams, SourceReference: frameRef}
		}
	}

	steps := window(f)
	calls := lastIndex(steps, vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL, vm.CREATE, vm.CREATE2)
	if i := lastIndex(steps, vm.EXTCODESIZE); i >= 0 && calls < i {
		return Entry{Kind: KindNonContractAccountCalled, SourceReference: ref}
	}
	if len(n.Children) > 0 {
		last := n.Children[len(n.Children)-1]
		if last.Succeeded() {
			if i := lastIndex(steps, vm.RETURNDATASIZE); i >= 0 && i > calls {
				return Entry{Kind: KindReturndataSizeError, SourceReference: ref}
			}
		} else if calls >= 0 {
			return Entry{Kind: KindCallFailed, SourceReference: ref}
		}
	}

	if loc == nil {
		if f.version.LT(solc063) {
			return Entry{Kind: KindUnmappedSolc063Revert, SourceReference: frameRef}
		}
		return Entry{Kind: KindUnclassifiedRevert, SourceReference: frameRef}
	}
	if len(n.Steps) > 0 && n.Steps[len(n.Steps)-1].Op == vm.REVERT {
		return Entry{Kind: KindRevertError, SourceReference: ref}
	}
	return Entry{Kind: KindUnclassifiedRevert, SourceReference: ref}
}

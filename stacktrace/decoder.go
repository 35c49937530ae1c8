package stacktrace

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/solidity/artifact"
)

var logger = log.Module("stacktrace")

var (
	errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71}
)

// PanicMessage describes a Solidity panic code.
func PanicMessage(code *big.Int) string {
	if !code.IsUint64() {
		return "Unknown panic code"
	}
	switch code.Uint64() {
	case 0x00:
		return "Generic compiler panic"
	case 0x01:
		return "Assertion error"
	case 0x11:
		return "Arithmetic operation overflowed outside of an unchecked block"
	case 0x12:
		return "Division or modulo division by zero"
	case 0x21:
		return "Tried to convert a value into an enum, but the value was too big or negative"
	case 0x22:
		return "Incorrectly encoded storage byte array"
	case 0x31:
		return ".pop() was called on an empty array"
	case 0x32:
		return "Array accessed at an out-of-bounds or negative index"
	case 0x41:
		return "Too much memory was allocated, or an array was created that is too large"
	case 0x51:
		return "Called a zero-initialized variable of internal function type"
	}
	return "Unknown panic code"
}

// CodeSource supplies the code that ran in a traced execution, such as an
// inspector.BytecodeCollector.
type CodeSource interface {
	Code(addr common.Address) ([]byte, bool)
	CreationCode(addr common.Address) ([]byte, bool)
}

// Decoder builds stack traces for the contracts of a project.
type Decoder struct {
	project    *artifact.Project
	trie       *Trie
	cheatcodes common.Address
}

// NewDecoder indexes the code of every deployable contract in p. Calls to
// cheatcodes are reported as cheatcode errors.
func NewDecoder(p *artifact.Project, cheatcodes common.Address) *Decoder {
	d := &Decoder{project: p, trie: NewTrie(), cheatcodes: cheatcodes}
	for _, a := range p.Artifacts {
		for _, deployment := range []bool{true, false} {
			b, err := NewContractBytecode(a, deployment)
			if err != nil {
				if !errors.Is(err, artifact.ErrNoBytecode) {
					logger.Debug("Skipping contract", "contract", a.ID, "err", err)
				}
				continue
			}
			d.trie.Add(b)
		}
	}
	return d
}

// Identify returns the contract whose code is code, nil when unknown.
func (d *Decoder) Identify(code []byte, deployment bool) *ContractBytecode {
	if len(code) == 0 {
		return nil
	}
	return d.trie.Search(code, deployment)
}

// frame is a traced call frame with the contract that ran in it.
type frame struct {
	node     *inspector.Node
	code     *ContractBytecode
	function string
	method   *abi.Method
	version  semver.Version
}

func (d *Decoder) frame(n *inspector.Node, codes CodeSource) *frame {
	f := &frame{node: n}
	var code []byte
	if n.IsCreate() {
		code, _ = codes.CreationCode(n.To)
		if len(code) == 0 {
			code = n.Input
		}
	} else {
		code, _ = codes.Code(n.To)
	}
	f.code = d.Identify(code, n.IsCreate())
	if f.code == nil {
		return f
	}
	contract := f.code.Contract
	if v, ok := contract.Version(); ok {
		f.version = v
	} else {
		f.version = latestSolc
	}
	switch {
	case n.IsCreate():
		f.function = "constructor"
	case len(n.Input) >= 4:
		if m, err := contract.ABI.MethodById(n.Input[:4]); err == nil {
			f.method = m
			f.function = m.Name
			break
		}
		if contract.ABI.HasFallback() {
			f.function = "fallback"
		}
	case len(n.Input) == 0 && contract.ABI.HasReceive():
		f.function = "receive"
	case contract.ABI.HasFallback():
		f.function = "fallback"
	}
	return f
}

// unwrap skips the placeholder frames of intercepted calls, which run no
// code of their own and forward to the same address.
func unwrap(n *inspector.Node) *inspector.Node {
	for len(n.Steps) == 0 && len(n.Children) == 1 && !n.IsCreate() && n.Children[0].To == n.To {
		n = n.Children[0]
	}
	return n
}

// propagated returns the failed child call a reverting frame re-raised,
// and its index among the frame's calls.
func propagated(n *inspector.Node) (*inspector.Node, int) {
	if len(n.Children) == 0 || !errors.Is(n.Err, vm.ErrExecutionReverted) {
		return nil, -1
	}
	k := len(n.Children) - 1
	c := n.Children[k]
	if c.Succeeded() || !bytes.Equal(c.Output, n.Output) {
		return nil, -1
	}
	return c, k
}

func isCallOp(op vm.OpCode) bool {
	switch op {
	case vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL, vm.CREATE, vm.CREATE2:
		return true
	}
	return false
}

func isPrecompile(addr common.Address) bool {
	for _, b := range addr[:18] {
		if b != 0 {
			return false
		}
	}
	n := int(addr[18])<<8 | int(addr[19])
	return n > 0 && n <= 0x100
}

// StackTrace reconstructs the stack trace of a failed execution. It
// returns nil when root succeeded.
func (d *Decoder) StackTrace(root *inspector.Node, codes CodeSource) []Entry {
	if root == nil || root.Succeeded() {
		return nil
	}
	var entries []Entry
	node := root
	for {
		node = unwrap(node)
		if node.To == d.cheatcodes && !node.IsCreate() {
			entries = append(entries, Entry{Kind: KindCheatcodeError, Message: revertMessage(node.Output), ReturnData: node.Output})
			return entries
		}
		if isPrecompile(node.To) && !node.IsCreate() {
			to := node.To
			entries = append(entries, Entry{Kind: KindPrecompileError, Message: fmt.Sprintf("precompile %s failed", to.Hex()), Address: &to})
			return entries
		}
		f := d.frame(node, codes)
		if child, k := propagated(node); child != nil {
			entries = append(entries, d.callstackEntry(f, k))
			node = child
			continue
		}
		entries = append(entries, d.classify(f))
		return entries
	}
}

func (d *Decoder) callstackEntry(f *frame, call int) Entry {
	if f.code == nil {
		to := f.node.To
		kind := KindUnrecognizedContractCallstack
		if f.node.IsCreate() {
			kind = KindUnrecognizedCreateCallstack
		}
		return Entry{Kind: kind, Address: &to}
	}
	var loc *Location
	seen := 0
	for _, s := range f.node.Steps {
		if !isCallOp(s.Op) {
			continue
		}
		if seen == call {
			if ins, ok := f.code.InstructionAt(s.PC); ok {
				loc = ins.Location
			}
			break
		}
		seen++
	}
	return Entry{Kind: KindCallstack, SourceReference: d.reference(f, loc)}
}

func (d *Decoder) reference(f *frame, loc *Location) *SourceReference {
	contract := f.code.Contract
	ref := &SourceReference{SourceName: contract.ID.Source, Contract: contract.ID.Name, Function: f.function}
	if loc == nil {
		return ref
	}
	ref.Range = [2]int{loc.Offset, loc.Offset + loc.Length}
	if src, ok := d.project.Sources[loc.File]; ok {
		ref.SourceName = src.Path
		if src.Content != "" {
			ref.Line, _ = src.Position(loc.Offset)
		}
	}
	return ref
}

// lastLocation returns the source location of the last mapped
// instruction the frame executed.
func lastLocation(f *frame) *Location {
	steps := f.node.Steps
	for i := len(steps) - 1; i >= 0; i-- {
		if ins, ok := f.code.InstructionAt(steps[i].PC); ok && ins.Location != nil {
			return ins.Location
		}
	}
	return nil
}

func (d *Decoder) classify(f *frame) Entry {
	n := f.node
	if f.code == nil {
		to := n.To
		kind := KindUnrecognizedContractError
		if n.IsCreate() {
			kind = KindUnrecognizedCreateError
		}
		e := Entry{Kind: kind, Address: &to, ReturnData: n.Output}
		if errors.Is(n.Err, vm.ErrExecutionReverted) {
			e.Message = revertMessage(n.Output)
		} else if n.Err != nil {
			e.Message = n.Err.Error()
		}
		return e
	}

	var ref *SourceReference
	loc := lastLocation(f)
	if loc != nil {
		ref = d.reference(f, loc)
	}
	var invalid *vm.ErrInvalidOpCode
	switch {
	case errors.Is(n.Err, vm.ErrExecutionReverted):
		if e, ok := d.decodeRevert(f, n.Output); ok {
			e.SourceReference = ref
			return e
		}
		return d.heuristics(f, ref, loc)
	case errors.Is(n.Err, vm.ErrOutOfGas), errors.Is(n.Err, vm.ErrCodeStoreOutOfGas):
		return Entry{Kind: KindOutOfGas, SourceReference: ref}
	case errors.Is(n.Err, vm.ErrMaxCodeSizeExceeded):
		return Entry{Kind: KindContractTooLarge, SourceReference: d.reference(f, nil)}
	case errors.As(n.Err, &invalid):
		return Entry{Kind: KindOtherExecutionError, Message: "invalid opcode", SourceReference: ref}
	}
	msg := ""
	if n.Err != nil {
		msg = n.Err.Error()
	}
	return Entry{Kind: KindOtherExecutionError, Message: msg, SourceReference: ref}
}

// revertMessage decodes an Error(string) payload, empty for anything else.
func revertMessage(data []byte) string {
	if len(data) < 4 || !bytes.Equal(data[:4], errorSelector) {
		return ""
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}

func (d *Decoder) decodeRevert(f *frame, data []byte) (Entry, bool) {
	if len(data) == 0 {
		return Entry{}, false
	}
	if len(data) >= 4 && bytes.Equal(data[:4], errorSelector) {
		if reason, err := abi.UnpackRevert(data); err == nil {
			return Entry{Kind: KindRevertError, Message: reason, ReturnData: data}, true
		}
	}
	if len(data) == 36 && bytes.Equal(data[:4], panicSelector) {
		code := new(big.Int).SetBytes(data[4:])
		return Entry{Kind: KindPanicError, PanicCode: code, Message: PanicMessage(code), ReturnData: data}, true
	}
	if len(data) >= 4 {
		if msg, ok := d.customError(f.code.Contract, data); ok {
			return Entry{Kind: KindCustomError, Message: msg, ReturnData: data}, true
		}
	}
	return Entry{Kind: KindRevertError, ReturnData: data}, true
}

// customError formats data as a custom error of the contract, or of any
// contract in the project when the error came from elsewhere.
func (d *Decoder) customError(contract *artifact.Artifact, data []byte) (string, bool) {
	if msg, ok := formatCustomError(contract.ABI, data); ok {
		return msg, true
	}
	for _, a := range d.project.Artifacts {
		if msg, ok := formatCustomError(a.ABI, data); ok {
			return msg, true
		}
	}
	return "", false
}

func formatCustomError(a abi.ABI, data []byte) (string, bool) {
	for _, e := range a.Errors {
		if !bytes.Equal(e.ID[:4], data[:4]) {
			continue
		}
		values, err := e.Inputs.Unpack(data[4:])
		if err != nil {
			continue
		}
		args := make([]string, len(values))
		for i, v := range values {
			args[i] = formatValue(v)
		}
		return e.Name + "(" + strings.Join(args, ", ") + ")", true
	}
	return "", false
}

func formatValue(v any) string {
	switch v := v.(type) {
	case common.Address:
		return v.Hex()
	case *big.Int:
		return v.String()
	case string:
		return strconv.Quote(v)
	case []byte:
		return hexutil.Encode(v)
	case bool:
		return strconv.FormatBool(v)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return hexutil.Encode(b)
	}
	return fmt.Sprint(v)
}

// Package inspector holds the execution observers and call interceptors
// installed on the interpreter: a call-tree tracer, a coverage collector,
// the console.log decoder, a bytecode collector, call mocking and the
// Interceptor that lets cheatcodes take over calls.
//
// Observers are plain tracing.Hooks. Hooks cannot change what a call
// returns, so everything that must alter execution goes through an
// Interceptor, which swaps a one-shot precompile in at the callee address.
package inspector

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
)

// Step is one executed opcode.
type Step struct {
	PC    uint64
	Op    vm.OpCode
	Gas   uint64
	Cost  uint64
	Depth int
	// Stack holds the top of the stack before the opcode, top last, when
	// stack capture is enabled.
	Stack []common.Hash
	Err   error
}

// StorageAccess is an SLOAD or SSTORE observed in a frame.
type StorageAccess struct {
	Slot  common.Hash
	Value common.Hash
	Write bool
}

// Node is one call frame of a traced execution.
type Node struct {
	Kind  vm.OpCode
	Depth int
	From  common.Address
	// To is the callee, or the created address for CREATE frames.
	To       common.Address
	Input    []byte
	Value    *big.Int
	Gas      uint64
	GasUsed  uint64
	Output   []byte
	Err      error
	Reverted bool

	Logs     []*types.Log
	Storage  []StorageAccess
	Steps    []Step
	Children []*Node

	parent *Node
}

// IsCreate reports whether the frame deploys code.
func (n *Node) IsCreate() bool { return n.Kind == vm.CREATE || n.Kind == vm.CREATE2 }

// Succeeded reports whether the frame returned normally.
func (n *Node) Succeeded() bool { return n.Err == nil }

// Walk visits n and its descendants depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// TracerConfig selects how much a Tracer records.
type TracerConfig struct {
	Steps bool
	// StackDepth is the number of stack items kept per step; zero keeps
	// none.
	StackDepth int
}

// Tracer builds the call tree of an execution.
type Tracer struct {
	cfg   TracerConfig
	roots []*Node
	cur   *Node
}

// NewTracer returns a tracer recording per cfg.
func NewTracer(cfg TracerConfig) *Tracer { return &Tracer{cfg: cfg} }

// Hooks returns the tracer's interpreter hooks.
func (t *Tracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter:  t.onEnter,
		OnExit:   t.onExit,
		OnLog:    t.onLog,
		OnOpcode: t.onOpcode,
		OnFault:  t.onFault,
	}
}

// Root returns the last top-level frame, nil before any execution.
func (t *Tracer) Root() *Node {
	if len(t.roots) == 0 {
		return nil
	}
	return t.roots[len(t.roots)-1]
}

// Roots returns every top-level frame in execution order.
func (t *Tracer) Roots() []*Node { return t.roots }

// Reset forgets everything recorded.
func (t *Tracer) Reset() {
	t.roots = nil
	t.cur = nil
}

func (t *Tracer) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	n := &Node{
		Kind:   vm.OpCode(typ),
		Depth:  depth,
		From:   from,
		To:     to,
		Input:  common.CopyBytes(input),
		Gas:    gas,
		parent: t.cur,
	}
	if value != nil {
		n.Value = new(big.Int).Set(value)
	}
	if t.cur == nil {
		t.roots = append(t.roots, n)
	} else {
		t.cur.Children = append(t.cur.Children, n)
	}
	t.cur = n
}

func (t *Tracer) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	n := t.cur
	if n == nil {
		return
	}
	n.Output = common.CopyBytes(output)
	n.GasUsed = gasUsed
	n.Err = err
	n.Reverted = reverted
	if reverted {
		// Logs of reverted frames never reach the receipt.
		n.Logs = nil
	}
	t.cur = n.parent
}

func (t *Tracer) onLog(l *types.Log) {
	if t.cur != nil {
		t.cur.Logs = append(t.cur.Logs, l)
	}
}

func stackTop(scope tracing.OpContext, n int) []common.Hash {
	data := scope.StackData()
	if n > len(data) {
		n = len(data)
	}
	out := make([]common.Hash, n)
	for i, v := range data[len(data)-n:] {
		out[i] = v.Bytes32()
	}
	return out
}

func (t *Tracer) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, _ []byte, depth int, err error) {
	n := t.cur
	if n == nil {
		return
	}
	opcode := vm.OpCode(op)
	switch opcode {
	case vm.SLOAD:
		if s := stackTop(scope, 1); len(s) == 1 {
			n.Storage = append(n.Storage, StorageAccess{Slot: s[0]})
		}
	case vm.SSTORE:
		if s := stackTop(scope, 2); len(s) == 2 {
			n.Storage = append(n.Storage, StorageAccess{Slot: s[1], Value: s[0], Write: true})
		}
	}
	if !t.cfg.Steps {
		return
	}
	step := Step{PC: pc, Op: opcode, Gas: gas, Cost: cost, Depth: depth, Err: err}
	if t.cfg.StackDepth > 0 {
		step.Stack = stackTop(scope, t.cfg.StackDepth)
	}
	n.Steps = append(n.Steps, step)
}

func (t *Tracer) onFault(pc uint64, op byte, _, _ uint64, _ tracing.OpContext, _ int, err error) {
	n := t.cur
	if n == nil || len(n.Steps) == 0 {
		return
	}
	if last := &n.Steps[len(n.Steps)-1]; last.PC == pc && last.Op == vm.OpCode(op) {
		last.Err = err
	}
}

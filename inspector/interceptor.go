package inspector

import (
	"errors"
	"maps"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// errNotIntercepted is returned if the interpreter runs a one-shot
// precompile without pricing it first.
var errNotIntercepted = errors.New("intercepted call ran without an action")

// Call is a CALL or STATICCALL about to execute.
type Call struct {
	Depth int
	Kind  vm.OpCode
	From  common.Address
	To    common.Address
	Input []byte
	Gas   uint64
	Value *big.Int
}

// Result is what an intercepted call returns to its caller. Err is
// vm.ErrExecutionReverted for reverts; any other error consumes all the
// gas of the call.
type Result struct {
	Output  []byte
	GasUsed uint64
	Err     error
}

// Revert returns a reverting result carrying data.
func Revert(data []byte) Result { return Result{Output: data, Err: vm.ErrExecutionReverted} }

// Action executes an intercepted call in place of the callee's code.
type Action func(evm *vm.EVM, c *Call) Result

// Handler decides whether to take over a call. Intercept returns nil to
// let the call run normally.
type Handler interface {
	Intercept(c *Call) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Call) Action

func (f HandlerFunc) Intercept(c *Call) Action { return f(c) }

// Interceptor lets handlers replace calls. When a handler claims a call,
// the interceptor installs a one-shot precompile at the callee before the
// interpreter looks the callee up; the precompile runs the action while
// being priced, charges the gas the action reports and removes itself.
//
// The precompile set returned by Precompiles must be the one the
// interpreter uses, and Bind must be called with that interpreter before
// execution.
type Interceptor struct {
	precompiles vm.PrecompiledContracts
	handlers    []Handler
	evm         *vm.EVM
	frames      []*oneShot
}

// NewInterceptor returns an interceptor layered over base, which is copied.
func NewInterceptor(base vm.PrecompiledContracts) *Interceptor {
	set := make(vm.PrecompiledContracts, len(base))
	maps.Copy(set, base)
	return &Interceptor{precompiles: set}
}

// Precompiles returns the live precompile set to hand to the interpreter.
func (i *Interceptor) Precompiles() vm.PrecompiledContracts { return i.precompiles }

// Add appends h. Earlier handlers take precedence.
func (i *Interceptor) Add(h Handler) { i.handlers = append(i.handlers, h) }

// Bind attaches the interpreter actions run against.
func (i *Interceptor) Bind(evm *vm.EVM) { i.evm = evm }

// Hooks returns the interceptor's interpreter hooks.
func (i *Interceptor) Hooks() *tracing.Hooks {
	return &tracing.Hooks{OnEnter: i.onEnter, OnExit: i.onExit}
}

func (i *Interceptor) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	var shot *oneShot
	op := vm.OpCode(typ)
	if i.evm != nil && (op == vm.CALL || op == vm.STATICCALL) {
		c := &Call{Depth: depth, Kind: op, From: from, To: to, Input: common.CopyBytes(input), Gas: gas, Value: new(big.Int)}
		if value != nil {
			c.Value.Set(value)
		}
		for _, h := range i.handlers {
			if action := h.Intercept(c); action != nil {
				shot = i.install(c, action)
				break
			}
		}
	}
	i.frames = append(i.frames, shot)
}

func (i *Interceptor) onExit(int, []byte, uint64, error, bool) {
	n := len(i.frames)
	if n == 0 {
		return
	}
	shot := i.frames[n-1]
	i.frames = i.frames[:n-1]
	if shot != nil && !shot.restored {
		// The call failed before reaching the callee.
		shot.restore()
	}
}

func (i *Interceptor) install(c *Call, action Action) *oneShot {
	prev, had := i.precompiles[c.To]
	shot := &oneShot{i: i, call: c, action: action, prev: prev, hadPrev: had}
	i.precompiles[c.To] = shot
	return shot
}

// oneShot is the precompile standing in for one intercepted call.
type oneShot struct {
	i        *Interceptor
	call     *Call
	action   Action
	prev     vm.PrecompiledContract
	hadPrev  bool
	restored bool
	result   *Result
}

func (o *oneShot) restore() {
	if o.restored {
		return
	}
	o.restored = true
	if o.hadPrev {
		o.i.precompiles[o.call.To] = o.prev
	} else {
		delete(o.i.precompiles, o.call.To)
	}
}

// RequiredGas runs the action; the interpreter prices a precompile before
// running it, and only the action knows its cost.
func (o *oneShot) RequiredGas([]byte) uint64 {
	if o.result == nil {
		o.restore()
		r := o.action(o.i.evm, o.call)
		o.result = &r
	}
	return o.result.GasUsed
}

func (o *oneShot) Run([]byte) ([]byte, error) {
	if o.result == nil {
		return nil, errNotIntercepted
	}
	return o.result.Output, o.result.Err
}

func (o *oneShot) Name() string { return "INTERCEPTED" }

// Forward executes c against the callee's real code with from as the
// caller, as a prank does. The value of c was already moved from c.From
// to the callee; it is moved back and resent by from.
func Forward(evm *vm.EVM, c *Call, from common.Address) Result {
	if c.Kind == vm.STATICCALL {
		ret, left, err := evm.StaticCall(from, c.To, c.Input, c.Gas)
		return Result{Output: ret, GasUsed: c.Gas - left, Err: err}
	}
	value := new(uint256.Int)
	if c.Value != nil && c.Value.Sign() > 0 {
		value, _ = uint256.FromBig(c.Value)
		evm.Context.Transfer(evm.StateDB, c.To, c.From, value)
	}
	ret, left, err := evm.Call(from, c.To, c.Input, c.Gas, value)
	return Result{Output: ret, GasUsed: c.Gas - left, Err: err}
}

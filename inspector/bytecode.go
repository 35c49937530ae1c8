package inspector

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
)

type collectorFrame struct {
	addr   common.Address
	create bool
	seen   bool
}

// BytecodeCollector records the code that ran at each address, so traces
// can be decoded when the code is no longer in state.
type BytecodeCollector struct {
	runtime  map[common.Address][]byte
	creation map[common.Address][]byte
	frames   []collectorFrame
}

// NewBytecodeCollector returns an empty collector.
func NewBytecodeCollector() *BytecodeCollector {
	return &BytecodeCollector{
		runtime:  make(map[common.Address][]byte),
		creation: make(map[common.Address][]byte),
	}
}

// Hooks returns the collector's interpreter hooks.
func (b *BytecodeCollector) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: func(_ int, typ byte, _, to common.Address, _ []byte, _ uint64, _ *big.Int) {
			op := vm.OpCode(typ)
			b.frames = append(b.frames, collectorFrame{addr: to, create: op == vm.CREATE || op == vm.CREATE2})
		},
		OnExit: func(_ int, output []byte, _ uint64, err error, _ bool) {
			n := len(b.frames)
			if n == 0 {
				return
			}
			f := b.frames[n-1]
			b.frames = b.frames[:n-1]
			if f.create && err == nil {
				b.runtime[f.addr] = common.CopyBytes(output)
			}
		},
		OnOpcode: func(_ uint64, _ byte, _, _ uint64, scope tracing.OpContext, _ []byte, _ int, _ error) {
			n := len(b.frames)
			if n == 0 || b.frames[n-1].seen {
				return
			}
			f := &b.frames[n-1]
			f.seen = true
			code := common.CopyBytes(scope.ContractCode())
			if f.create {
				b.creation[f.addr] = code
				return
			}
			// For delegate calls the frame address is the code address.
			b.runtime[f.addr] = code
		},
	}
}

// Code returns the runtime code observed at addr.
func (b *BytecodeCollector) Code(addr common.Address) ([]byte, bool) {
	code, ok := b.runtime[addr]
	return code, ok
}

// CreationCode returns the init code that deployed addr.
func (b *BytecodeCollector) CreationCode(addr common.Address) ([]byte, bool) {
	code, ok := b.creation[addr]
	return code, ok
}

// Addresses returns every address with recorded runtime code.
func (b *BytecodeCollector) Addresses() []common.Address {
	out := make([]common.Address, 0, len(b.runtime))
	for addr := range b.runtime {
		out = append(out, addr)
	}
	return out
}

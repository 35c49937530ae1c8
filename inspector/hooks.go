package inspector

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
)

// Mux fans every hook out to hooks in order. Nil entries are skipped.
func Mux(hooks ...*tracing.Hooks) *tracing.Hooks {
	var hs []*tracing.Hooks
	for _, h := range hooks {
		if h != nil {
			hs = append(hs, h)
		}
	}
	switch len(hs) {
	case 0:
		return nil
	case 1:
		return hs[0]
	}
	return &tracing.Hooks{
		OnTxStart: func(env *tracing.VMContext, tx *types.Transaction, from common.Address) {
			for _, h := range hs {
				if h.OnTxStart != nil {
					h.OnTxStart(env, tx, from)
				}
			}
		},
		OnTxEnd: func(receipt *types.Receipt, err error) {
			for _, h := range hs {
				if h.OnTxEnd != nil {
					h.OnTxEnd(receipt, err)
				}
			}
		},
		OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
			for _, h := range hs {
				if h.OnEnter != nil {
					h.OnEnter(depth, typ, from, to, input, gas, value)
				}
			}
		},
		OnExit: func(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
			for _, h := range hs {
				if h.OnExit != nil {
					h.OnExit(depth, output, gasUsed, err, reverted)
				}
			}
		},
		OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
			for _, h := range hs {
				if h.OnOpcode != nil {
					h.OnOpcode(pc, op, gas, cost, scope, rData, depth, err)
				}
			}
		},
		OnFault: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, depth int, err error) {
			for _, h := range hs {
				if h.OnFault != nil {
					h.OnFault(pc, op, gas, cost, scope, depth, err)
				}
			}
		},
		OnGasChange: func(old, new uint64, reason tracing.GasChangeReason) {
			for _, h := range hs {
				if h.OnGasChange != nil {
					h.OnGasChange(old, new, reason)
				}
			}
		},
		OnBalanceChange: func(addr common.Address, prev, new *big.Int, reason tracing.BalanceChangeReason) {
			for _, h := range hs {
				if h.OnBalanceChange != nil {
					h.OnBalanceChange(addr, prev, new, reason)
				}
			}
		},
		OnNonceChange: func(addr common.Address, prev, new uint64) {
			for _, h := range hs {
				if h.OnNonceChange != nil {
					h.OnNonceChange(addr, prev, new)
				}
			}
		},
		OnCodeChange: func(addr common.Address, prevCodeHash common.Hash, prevCode []byte, codeHash common.Hash, code []byte) {
			for _, h := range hs {
				if h.OnCodeChange != nil {
					h.OnCodeChange(addr, prevCodeHash, prevCode, codeHash, code)
				}
			}
		},
		OnStorageChange: func(addr common.Address, slot, prev, new common.Hash) {
			for _, h := range hs {
				if h.OnStorageChange != nil {
					h.OnStorageChange(addr, slot, prev, new)
				}
			}
		},
		OnLog: func(log *types.Log) {
			for _, h := range hs {
				if h.OnLog != nil {
					h.OnLog(log)
				}
			}
		},
	}
}

// Dual composes an observer with an inspector that may alter execution,
// such as an Interceptor. The observer sees every event first, so it
// records calls as issued before the mutator takes them over.
func Dual(observer, mutator *tracing.Hooks) *tracing.Hooks {
	return Mux(observer, mutator)
}

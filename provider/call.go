package provider

import (
	"errors"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

// callContext is the block and state a call executes in.
type callContext struct {
	header *types.Header
	spec   chainspec.SpecID
	state  *state.Overlay
}

// callContextAt resolves bs. The latest and pending tags execute in the
// context of the next block, on top of the last or the pending state.
func (d *Data[H]) callContextAt(bs primitives.BlockSpec, overrides StateOverride) (*callContext, error) {
	n, pending, err := d.resolveBlock(bs)
	if err != nil {
		return nil, err
	}
	cc := new(callContext)
	if pending || n == d.chain.LastBlockNumber() {
		partial, spec, err := d.nextPartial()
		if err != nil {
			return nil, err
		}
		cc.header, cc.spec = partial.Seal(header.Body{}), spec
		if pending {
			res, err := d.pendingBlock()
			if err != nil {
				return nil, err
			}
			cc.state = res.State
		} else if cc.state, err = d.headState(); err != nil {
			return nil, err
		}
	} else {
		b, err := d.chain.BlockByNumber(n)
		if err != nil {
			return nil, err
		}
		cc.header = b.Header()
		h, err := d.hardforkAt(n, cc.header.Time)
		if err != nil {
			return nil, err
		}
		cc.spec = h.SpecID()
		if cc.state, err = d.chain.StateAt(d.ctx, n, d.irregular); err != nil {
			return nil, err
		}
	}
	if len(overrides) > 0 {
		cc.state = cc.state.Clone()
		if err := overrides.apply(cc.state); err != nil {
			return nil, err
		}
	}
	return cc, nil
}

// defaultSender is the sender of calls without a from field.
func (d *Data[H]) defaultSender() common.Address {
	if len(d.accounts) > 0 {
		return d.accounts[0]
	}
	return common.Address{}
}

// callGasCap bounds the gas of calls without a gas field.
func (d *Data[H]) callGasCap(cc *callContext) uint64 {
	limit := cc.header.GasLimit
	if c := d.cfg.TransactionGasCap; c > 0 && c < limit {
		limit = c
	}
	return limit
}

// execute runs r from sender in cc without committing anything.
func (d *Data[H]) execute(cc *callContext, r *transaction.Request, from common.Address, gasCap uint64, tracer *tracing.Hooks) (*geth.Outcome, error) {
	db := state.NewDB(cc.state)
	msg := geth.CallMessage(r, from, geth.CallOptions{Nonce: db.GetNonce(from), GasCap: gasCap})
	n := cc.header.Number.Uint64()
	exec := geth.NewExecutor(db, geth.Env{
		ChainID:     d.chain.ChainID(),
		Spec:        cc.spec,
		Header:      cc.header,
		GetHash:     d.blockHash,
		Precompiles: d.precompiles(cc.spec, n, cc.header.Time),
		Tracer:      tracer,
	})
	out, err := exec.Call(msg, new(core.GasPool).AddGas(math.MaxUint64))
	if err != nil {
		return nil, d.spec.CastTransactionError(err, nil)
	}
	return out, nil
}

func (d *Data[H]) callRequest(args *CallArgs) (*transaction.Request, common.Address, error) {
	r, err := args.request()
	if err != nil {
		return nil, common.Address{}, err
	}
	from := d.defaultSender()
	if args.From != nil {
		from = *args.From
	}
	return r, from, nil
}

// call implements eth_call. With bail-on-call-failure off, failed calls
// return their output instead of an error.
func (d *Data[H]) call(args *CallArgs, bs primitives.BlockSpec, overrides StateOverride) ([]byte, error) {
	r, from, err := d.callRequest(args)
	if err != nil {
		return nil, err
	}
	cc, err := d.callContextAt(bs, overrides)
	if err != nil {
		return nil, err
	}
	out, err := d.execute(cc, r, from, d.callGasCap(cc), d.console.Hooks())
	if err != nil {
		return nil, toRPCError(err)
	}
	if !out.Succeeded() && d.cfg.BailOnCallFailure {
		return nil, &CallFailedError{Outcome: out}
	}
	return out.Output, nil
}

// estimateGas implements eth_estimateGas: one execution at the cap, an
// optimistic guess from its gas usage, then a binary search down to the
// smallest limit that succeeds.
func (d *Data[H]) estimateGas(args *CallArgs, bs primitives.BlockSpec) (uint64, error) {
	r, from, err := d.callRequest(args)
	if err != nil {
		return 0, err
	}
	cc, err := d.callContextAt(bs, nil)
	if err != nil {
		return 0, err
	}
	hi := d.callGasCap(cc)
	if r.Gas >= params.TxGas && r.Gas < hi {
		hi = r.Gas
	}

	tracer := inspector.NewTracer(inspector.TracerConfig{})
	r.Gas = hi
	out, err := d.execute(cc, r, from, hi, tracer.Hooks())
	if err != nil {
		return 0, toRPCError(err)
	}
	if !out.Succeeded() {
		return 0, &EstimateGasFailureError{Outcome: out, Trace: tracer.Root()}
	}

	if r.To != nil && len(r.Data) == 0 && len(r.AuthList) == 0 && state.NewDB(cc.state).GetCodeSize(*r.To) == 0 {
		return params.TxGas, nil
	}

	// run reports whether the request fits in gas.
	run := func(gas uint64) (bool, error) {
		r.Gas = gas
		out, err := d.execute(cc, r, from, gas, nil)
		if err != nil {
			if errors.Is(err, core.ErrIntrinsicGas) || errors.Is(err, core.ErrFloorDataGas) {
				return false, nil
			}
			return false, toRPCError(err)
		}
		return out.Succeeded(), nil
	}

	lo := out.GasUsed - 1
	optimistic := (out.GasUsed + out.GasRefunded + params.CallStipend) * 64 / 63
	if optimistic < hi {
		ok, err := run(optimistic)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = optimistic
		} else {
			lo = optimistic
		}
	}
	for lo+1 < hi {
		mid := (hi + lo) / 2
		if mid > lo*2 {
			mid = lo * 2
		}
		ok, err := run(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

package provider

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/eth/tracers/logger"

	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/state"
)

// TraceConfig are the options of debug_traceTransaction and
// debug_traceCall. Both the geth and the Hardhat spellings of the memory
// switch are accepted.
type TraceConfig struct {
	Tracer           *string `json:"tracer"`
	EnableMemory     bool    `json:"enableMemory"`
	DisableMemory    *bool   `json:"disableMemory"`
	DisableStack     bool    `json:"disableStack"`
	DisableStorage   bool    `json:"disableStorage"`
	EnableReturnData bool    `json:"enableReturnData"`
	Limit            int     `json:"limit"`
}

func (c *TraceConfig) structLogger() (*logger.StructLogger, error) {
	if c == nil {
		c = new(TraceConfig)
	}
	if c.Tracer != nil && *c.Tracer != "" {
		return nil, invalidParams("tracer %q is not supported, only the default struct logger is", *c.Tracer)
	}
	enableMemory := c.EnableMemory
	if c.DisableMemory != nil {
		enableMemory = !*c.DisableMemory
	}
	return logger.NewStructLogger(&logger.Config{
		EnableMemory:     enableMemory,
		DisableStack:     c.DisableStack,
		DisableStorage:   c.DisableStorage,
		EnableReturnData: c.EnableReturnData,
		Limit:            c.Limit,
	}), nil
}

// traceTransaction implements debug_traceTransaction by replaying the
// transaction's block up to it.
func (d *Data[H]) traceTransaction(hash common.Hash, cfg *TraceConfig) (json.RawMessage, error) {
	sl, err := cfg.structLogger()
	if err != nil {
		return nil, err
	}
	b, err := d.chain.BlockByTransaction(hash)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, invalidInput("Unable to find a block containing transaction %s", hash)
	}
	txs := b.Transactions()
	idx := -1
	for i, tx := range txs {
		if tx.IsDeposit() {
			return nil, invalidInput("%s", ErrUnsupportedDebugTraceType)
		}
		if tx.Hash() == hash {
			idx = i
		}
	}
	if idx < 0 {
		return nil, invalidInput("Unable to find transaction %s in block %d", hash, b.Number())
	}
	h := b.Header()
	hardfork, err := d.hardforkAt(b.Number(), h.Time)
	if err != nil {
		return nil, err
	}
	spec := hardfork.SpecID()
	parentState, err := d.chain.StateAt(d.ctx, b.Number()-1, d.irregular)
	if err != nil {
		return nil, err
	}
	env := geth.Env{
		ChainID:     d.chain.ChainID(),
		Spec:        spec,
		Header:      h,
		GetHash:     d.blockHash,
		Precompiles: d.precompiles(spec, b.Number(), h.Time),
	}
	if _, err := geth.Replay(state.NewDB(parentState), env, txs, idx, sl.Hooks()); err != nil {
		return nil, err
	}
	return sl.GetResult()
}

// traceCall implements debug_traceCall.
func (d *Data[H]) traceCall(args *CallArgs, bs primitives.BlockSpec, cfg *TraceConfig) (json.RawMessage, error) {
	sl, err := cfg.structLogger()
	if err != nil {
		return nil, err
	}
	r, from, err := d.callRequest(args)
	if err != nil {
		return nil, err
	}
	cc, err := d.callContextAt(bs, nil)
	if err != nil {
		return nil, err
	}
	if _, err := d.execute(cc, r, from, d.callGasCap(cc), sl.Hooks()); err != nil {
		return nil, toRPCError(err)
	}
	return sl.GetResult()
}

package geth

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

// Env is the block-level input of execution.
type Env struct {
	ChainID uint64
	Spec    chainspec.SpecID
	// Header supplies number, time, coinbase, gas limit, base fee, excess
	// blob gas, prevrandao and parent roots. Its body fields are ignored.
	Header  *types.Header
	GetHash vm.GetHashFunc
	// Precompiles replaces the hardfork's precompile set when non-nil.
	Precompiles vm.PrecompiledContracts
	Tracer      *tracing.Hooks
}

// BlockContext builds the interpreter's view of a block. Post-merge blocks
// expose their mix hash as prevrandao.
func BlockContext(h *types.Header, spec chainspec.SpecID, getHash vm.GetHashFunc) vm.BlockContext {
	ctx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     getHash,
		Coinbase:    h.Coinbase,
		BlockNumber: new(big.Int).Set(h.Number),
		Time:        h.Time,
		Difficulty:  new(big.Int),
		GasLimit:    h.GasLimit,
	}
	if h.Difficulty != nil {
		ctx.Difficulty.Set(h.Difficulty)
	}
	if h.BaseFee != nil {
		ctx.BaseFee = new(big.Int).Set(h.BaseFee)
	} else if spec >= chainspec.London {
		ctx.BaseFee = new(big.Int)
	}
	if spec >= chainspec.Merge {
		random := h.MixDigest
		ctx.Random = &random
		ctx.Difficulty = new(big.Int)
	}
	if spec >= chainspec.Cancun {
		var excess uint64
		if h.ExcessBlobGas != nil {
			excess = *h.ExcessBlobGas
		}
		ctx.BlobBaseFee = header.BlobGasPrice(excess, chainspec.BlobParamsFor(spec))
	}
	return ctx
}

// Executor runs transactions of one block against a state.DB. It is not
// safe for concurrent use.
type Executor struct {
	env    Env
	db     *state.DB
	evm    *vm.EVM
	rules  params.Rules
	origin *common.Address
}

// NewExecutor prepares an interpreter for env on top of db. The
// interpreter gets a private copy of the chain config, so its chain id may
// be changed during execution.
func NewExecutor(db *state.DB, env Env) *Executor {
	config := *ChainConfig(env.ChainID, env.Spec)
	config.ChainID = new(big.Int).SetUint64(env.ChainID)
	evm := vm.NewEVM(BlockContext(env.Header, env.Spec, env.GetHash), db, &config, vm.Config{Tracer: env.Tracer})
	if env.Precompiles != nil {
		evm.SetPrecompiles(env.Precompiles)
	}
	db.SetHooks(env.Tracer)
	return &Executor{
		env:   env,
		db:    db,
		evm:   evm,
		rules: Rules(env.ChainID, env.Spec, env.Header.Number.Uint64(), env.Header.Time),
	}
}

// EVM exposes the underlying interpreter.
func (e *Executor) EVM() *vm.EVM { return e.evm }

// DB returns the database transactions write to.
func (e *Executor) DB() *state.DB { return e.db }

// Rules returns the interpreter rules of the block.
func (e *Executor) Rules() params.Rules { return e.rules }

// SetOrigin makes later executions see origin as tx.origin instead of
// their sender.
func (e *Executor) SetOrigin(origin common.Address) { e.origin = &origin }

// ApplySystemCalls performs the pre-transaction system contract writes:
// the parent beacon root (EIP-4788) and the parent hash (EIP-2935). The
// history write is skipped unless the canonical contract is deployed.
func (e *Executor) ApplySystemCalls() {
	h := e.env.Header
	if e.env.Spec >= chainspec.Cancun && h.ParentBeaconRoot != nil {
		core.ProcessBeaconBlockRoot(*h.ParentBeaconRoot, e.evm)
	}
	if e.env.Spec >= chainspec.Prague && bytes.Equal(e.db.GetCode(params.HistoryStorageAddress), params.HistoryStorageCode) {
		core.ProcessParentBlockHash(h.ParentHash, e.evm)
	}
}

// ApplyTransaction executes tx as the index-th transaction of the block.
// A validation error leaves the state untouched.
func (e *Executor) ApplyTransaction(tx *transaction.Signed, index int, gp *core.GasPool) (*Outcome, error) {
	msg := ToMessage(tx, e.env.Header.BaseFee)
	inner := tx.Inner()
	if inner == nil {
		inner = messageTx(msg)
	}
	return e.apply(msg, tx.Hash(), index, gp, inner)
}

// Call executes msg outside of any transaction envelope, as eth_call and
// gas estimation do.
func (e *Executor) Call(msg *core.Message, gp *core.GasPool) (*Outcome, error) {
	return e.apply(msg, common.Hash{}, 0, gp, messageTx(msg))
}

func (e *Executor) apply(msg *core.Message, txHash common.Hash, index int, gp *core.GasPool, tx *types.Transaction) (*Outcome, error) {
	e.db.SetTxContext(txHash, index)
	e.evm.Config.NoBaseFee = IsFeeless(msg)
	txCtx := core.NewEVMTxContext(msg)
	if e.origin != nil {
		txCtx.Origin = *e.origin
	}
	e.evm.SetTxContext(txCtx)

	hooks := e.env.Tracer
	if hooks != nil && hooks.OnTxStart != nil {
		hooks.OnTxStart(e.evm.GetVMContext(), tx, msg.From)
	}
	snap := e.db.Snapshot()
	res, err := core.ApplyMessage(e.evm, msg, gp)
	if err == nil {
		err = e.db.Error()
	}
	if err != nil {
		e.db.RevertToSnapshot(snap)
		if hooks != nil && hooks.OnTxEnd != nil {
			hooks.OnTxEnd(nil, err)
		}
		return nil, err
	}

	var created *common.Address
	if msg.To == nil && res.Err == nil {
		addr := crypto.CreateAddress(msg.From, msg.Nonce)
		created = &addr
	}
	logs := e.db.GetLogs(txHash, e.env.Header.Number.Uint64(), common.Hash{})
	e.db.Finalise(e.rules.IsEIP158)

	if hooks != nil && hooks.OnTxEnd != nil {
		status := types.ReceiptStatusSuccessful
		if res.Failed() {
			status = types.ReceiptStatusFailed
		}
		hooks.OnTxEnd(&types.Receipt{Status: status, GasUsed: res.UsedGas, TxHash: txHash, Logs: logs}, nil)
	}
	return newOutcome(res, logs, created), nil
}

// messageTx is the envelope tracers see for executions without one.
func messageTx(msg *core.Message) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    msg.Nonce,
		GasPrice: msg.GasPrice,
		Gas:      msg.GasLimit,
		To:       msg.To,
		Value:    msg.Value,
		Data:     msg.Data,
	})
}

// Replay re-executes txs[:upTo+1] in order. trace, when non-nil, is
// installed only for transaction upTo; the earlier ones run untraced to
// rebuild the state it saw.
func Replay(db *state.DB, env Env, txs []*transaction.Signed, upTo int, trace *tracing.Hooks) (*Outcome, error) {
	if upTo < 0 || upTo >= len(txs) {
		return nil, fmt.Errorf("transaction index %d out of range [0, %d)", upTo, len(txs))
	}
	env.Tracer = nil
	gp := new(core.GasPool).AddGas(env.Header.GasLimit)
	exec := NewExecutor(db, env)
	exec.ApplySystemCalls()
	for i, tx := range txs[:upTo] {
		if _, err := exec.ApplyTransaction(tx, i, gp); err != nil {
			return nil, fmt.Errorf("tx %d [%v]: %w", i, tx.Hash(), err)
		}
	}
	env.Tracer = trace
	traced := NewExecutor(db, env)
	return traced.ApplyTransaction(txs[upTo], upTo, gp)
}

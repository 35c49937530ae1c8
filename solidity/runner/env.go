package runner

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/solidity"
	"github.com/edrgo/edr/solidity/cheatcode"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

// failedSlot is where assertions of ds-test record a failure in the
// storage of the cheatcode address.
var failedSlot = crypto.Keccak256Hash([]byte("failed"))

// cheatcodeStub is the code placed at the cheatcode address so calls to
// it pass the extcodesize check of high-level calls.
var cheatcodeStub = []byte{0x00}

// blockEnv is the block the tests of a suite run in.
type blockEnv struct {
	header  *types.Header
	chainID uint64
}

// captureEnv reads the block environment back from the interpreter, so
// changes made by cheatcodes during setUp carry over to the tests.
func captureEnv(evm *vm.EVM, gasLimit uint64) blockEnv {
	ctx := evm.Context
	h := &types.Header{
		Number:     new(big.Int).Set(ctx.BlockNumber),
		Time:       ctx.Time,
		Coinbase:   ctx.Coinbase,
		GasLimit:   gasLimit,
		Difficulty: new(big.Int).Set(ctx.Difficulty),
	}
	if ctx.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(ctx.BaseFee)
	}
	if ctx.Random != nil {
		h.MixDigest = *ctx.Random
	}
	return blockEnv{header: h, chainID: evm.ChainConfig().ChainID.Uint64()}
}

// initialEnv is the block environment configured for the runner.
func initialEnv(cfg *solidity.Config) blockEnv {
	return blockEnv{
		header: &types.Header{
			Number:     new(big.Int).SetUint64(cfg.BlockNumber),
			Time:       cfg.Timestamp,
			Coinbase:   cfg.Coinbase,
			GasLimit:   cfg.GasLimit,
			Difficulty: new(big.Int),
			BaseFee:    new(big.Int),
		},
		chainID: cfg.ChainID,
	}
}

// env is one isolated execution: a state, the cheatcodes of the test and
// an interpreter observing both.
type env struct {
	cfg     *solidity.Config
	db      *state.DB
	exec    *geth.Executor
	cheats  *cheatcode.Cheats
	console *inspector.Console
	logs    []*types.Log

	// Set only on replays.
	tracer *inspector.Tracer
	codes  *inspector.BytecodeCollector
}

type envOptions struct {
	forker   cheatcode.Forker
	coverage *inspector.Coverage
	trace    bool
}

func newEnv(cfg *solidity.Config, overlay *state.Overlay, block blockEnv, opts envOptions) *env {
	db := state.NewDB(overlay)
	e := &env{
		cfg:     cfg,
		db:      db,
		cheats:  cheatcode.New(cfg, db, opts.forker),
		console: new(inspector.Console),
	}
	spec := cfg.Spec()
	rules := geth.Rules(block.chainID, spec, block.header.Number.Uint64(), block.header.Time)
	ic := inspector.NewInterceptor(vm.ActivePrecompiledContracts(rules))
	e.cheats.Install(ic)

	hooks := []*tracing.Hooks{ic.Hooks(), e.cheats.Hooks(), e.console.Hooks()}
	if opts.coverage != nil {
		hooks = append(hooks, opts.coverage.Hooks())
	}
	if opts.trace {
		e.tracer = inspector.NewTracer(inspector.TracerConfig{Steps: true})
		e.codes = inspector.NewBytecodeCollector()
		hooks = append(hooks, e.tracer.Hooks(), e.codes.Hooks())
	}
	e.exec = geth.NewExecutor(db, geth.Env{
		ChainID: block.chainID,
		Spec:    spec,
		Header:  block.header,
		GetHash: func(n uint64) common.Hash {
			return crypto.Keccak256Hash(new(big.Int).SetUint64(n).Bytes())
		},
		Precompiles: ic.Precompiles(),
		Tracer:      inspector.Mux(hooks...),
	})
	e.exec.SetOrigin(cfg.TxOrigin)
	ic.Bind(e.exec.EVM())
	return e
}

func (e *env) close() { e.cheats.Close() }

// call executes a call from sender and keeps its logs.
func (e *env) call(from common.Address, to *common.Address, data []byte, value *big.Int) (*geth.Outcome, error) {
	req := &transaction.Request{To: to, Data: data, Value: value}
	msg := geth.CallMessage(req, from, geth.CallOptions{Nonce: e.db.GetNonce(from), GasCap: e.cfg.GasLimit})
	out, err := e.exec.Call(msg, new(core.GasPool).AddGas(e.cfg.GasLimit))
	if err != nil {
		return nil, err
	}
	e.logs = append(e.logs, out.Logs...)
	return out, nil
}

// view calls a function expecting it to succeed and decodes its outputs.
func (e *env) view(from, to common.Address, m abi.Method) ([]any, error) {
	out, err := e.call(from, &to, m.ID, nil)
	if err != nil {
		return nil, err
	}
	if !out.Succeeded() {
		return nil, fmt.Errorf("%s reverted: %s", m.Sig, decodeReason(out.Output))
	}
	return m.Outputs.Unpack(out.Output)
}

// deploy creates a contract from sender.
func (e *env) deploy(from common.Address, code []byte) (common.Address, error) {
	out, err := e.call(from, nil, code, nil)
	if err != nil {
		return common.Address{}, err
	}
	if !out.Succeeded() || out.ContractAddress == nil {
		return common.Address{}, fmt.Errorf("deployment failed: %s", describeOutcome(out))
	}
	return *out.ContractAddress, nil
}

// failed reports whether a ds-test assertion recorded a failure.
func (e *env) failed() bool {
	return e.db.GetState(cheatcode.Address, failedSlot) != (common.Hash{})
}

// fund sets the balance of addr.
func (e *env) fund(addr common.Address, amount *big.Int) {
	v, overflow := uint256.FromBig(amount)
	if overflow {
		v = new(uint256.Int).SetAllOne()
	}
	e.db.SubBalance(addr, e.db.GetBalance(addr), tracing.BalanceChangeUnspecified)
	e.db.AddBalance(addr, v, tracing.BalanceChangeUnspecified)
	e.db.Finalise(true)
}

// genesis prepares the accounts every suite starts with.
func (e *env) genesis() {
	e.db.CreateAccount(cheatcode.Address)
	e.db.SetCode(cheatcode.Address, cheatcodeStub, tracing.CodeChangeUnspecified)
	e.db.SetNonce(cheatcode.Address, 1, tracing.NonceChangeUnspecified)
	e.fund(e.cfg.Sender, e.cfg.InitialBalance)
}

var errAssumeRejected = errors.New("rejected by vm.assume")

// decodeReason renders a revert payload.
func decodeReason(data []byte) string {
	if len(data) == 0 {
		return "EvmError: Revert"
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if bytes.Equal(data, cheatcode.AssumeMagic) {
		return errAssumeRejected.Error()
	}
	return fmt.Sprintf("custom error %#x", data)
}

func describeOutcome(out *geth.Outcome) string {
	switch out.Kind {
	case geth.Revert:
		return decodeReason(out.Output)
	case geth.Halt:
		if out.Err != nil {
			return "EvmError: " + out.Err.Error()
		}
		return "EvmError: halt"
	}
	return ""
}

// Package cheatcode implements the Foundry cheatcode interface (Vm.sol).
// Tests call the cheatcode address; the calls are taken over through an
// inspector.Interceptor and dispatched on their selector. Cheatcodes that
// affect later calls (pranks, expected reverts) claim those calls too,
// and the observers returned by Hooks verify expected logs and calls.
//
// A Cheats value belongs to one test execution and is not safe for
// concurrent use.
package cheatcode

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/solidity"
	"github.com/edrgo/edr/state"
)

var logger = log.Module("cheatcode")

// Address is address(uint160(uint256(keccak256("hevm cheat code")))).
var Address = common.HexToAddress("0x7109709ECfa91a80626fF3989D68f67F5b1DD12D")

// Revert payloads with a meaning to the runner.
var (
	AssumeMagic = []byte("FOUNDRY::ASSUME")
	SkipMagic   = []byte("FOUNDRY::SKIP")
)

var errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

var stringArgs = abi.Arguments{{Type: mustType("string")}}

// EncodeError returns the Error(string) revert payload of msg.
func EncodeError(msg string) []byte {
	packed, _ := stringArgs.Pack(msg)
	return append(common.CopyBytes(errorSelector), packed...)
}

// revertError makes a cheatcode revert with raw data.
type revertError struct{ data []byte }

func (e *revertError) Error() string { return fmt.Sprintf("revert %x", e.data) }

// callContext is the call a cheatcode runs in.
type callContext struct {
	evm  *vm.EVM
	call *inspector.Call
}

// Cheats is the cheatcode state of one test execution.
type Cheats struct {
	cfg     *solidity.Config
	db      *state.DB
	mocker  *inspector.Mocker
	forks   *forkSet
	allowed mapset.Set[string]

	prank     *prank
	revert    *expectedRevert
	emits     []*expectedEmit
	calls     []*expectedCall
	forwarded *forwardMark

	recording bool
	recorded  []*types.Log

	labels     map[common.Address]string
	persistent mapset.Set[common.Address]
	impure     mapset.Set[string]
	readers    map[string]*lineReader

	rejected bool
	skipped  bool
}

// New returns the cheatcodes of a test running on db. forker opens the
// remote chains of fork cheatcodes; nil disables them.
func New(cfg *solidity.Config, db *state.DB, forker Forker) *Cheats {
	s := &Cheats{
		cfg:        cfg,
		db:         db,
		mocker:     inspector.NewMocker(),
		forks:      newForkSet(forker),
		labels:     make(map[common.Address]string),
		persistent: mapset.NewThreadUnsafeSet(Address),
		impure:     mapset.NewThreadUnsafeSet[string](),
		readers:    make(map[string]*lineReader),
	}
	if len(cfg.AllowedCheatcodes) > 0 {
		s.allowed = mapset.NewThreadUnsafeSet(cfg.AllowedCheatcodes...)
	}
	return s
}

// Install registers the cheatcodes and their mocks with an interceptor.
func (s *Cheats) Install(i *inspector.Interceptor) {
	i.Add(s)
	i.Add(s.mocker)
}

// MakePersistent keeps accounts when the active fork changes.
func (s *Cheats) MakePersistent(addrs ...common.Address) {
	for _, a := range addrs {
		s.persistent.Add(a)
	}
}

// Impure returns the signatures of the cheatcodes executed so far whose
// effect depends on the environment. A test that ran any cannot be
// replayed faithfully.
func (s *Cheats) Impure() []string {
	out := s.impure.ToSlice()
	sort.Strings(out)
	return out
}

// Rejected reports whether vm.assume rejected the inputs.
func (s *Cheats) Rejected() bool { return s.rejected }

// Skipped reports whether the test called vm.skip(true).
func (s *Cheats) Skipped() bool { return s.skipped }

// Labels returns the address labels set by the test.
func (s *Cheats) Labels() map[common.Address]string { return s.labels }

// Forked reports whether a fork is active.
func (s *Cheats) Forked() bool { return s.forks.active != nil }

// Intercept implements inspector.Handler.
func (s *Cheats) Intercept(c *inspector.Call) inspector.Action {
	if m := s.forwarded; m != nil && c.Depth == m.depth && c.To == m.to {
		s.forwarded = nil
		return nil
	}
	if c.To == Address {
		return s.dispatch
	}
	if c.To == inspector.ConsoleAddress {
		return nil
	}
	s.countCall(c)

	var (
		pr = s.prank.take(c)
		er = s.revert.take(c)
	)
	if er != nil {
		s.revert = nil
	}
	if pr == nil && er == nil {
		return nil
	}
	return func(evm *vm.EVM, c *inspector.Call) inspector.Result {
		from := c.From
		if pr != nil {
			from = pr.sender
			if pr.origin != nil {
				prev := evm.TxContext.Origin
				evm.TxContext.Origin = *pr.origin
				defer func() { evm.TxContext.Origin = prev }()
			}
		}
		s.forwarded = &forwardMark{depth: c.Depth, to: c.To}
		res := inspector.Forward(evm, c, from)
		s.forwarded = nil
		if er != nil {
			res = er.check(res)
		}
		return res
	}
}

func (s *Cheats) dispatch(evm *vm.EVM, c *inspector.Call) inspector.Result {
	if len(c.Input) < 4 {
		return inspector.Revert(EncodeError("vm: calldata too short for a cheatcode"))
	}
	ch, ok := table[[4]byte(c.Input[:4])]
	if !ok {
		return inspector.Revert(EncodeError(fmt.Sprintf("vm: unknown cheatcode with selector %#x", c.Input[:4])))
	}
	name := ch.method.Name
	if s.allowed != nil && !s.allowed.Contains(name) {
		return inspector.Revert(EncodeError("vm." + name + ": cheatcode is not allowed"))
	}
	args, err := ch.method.Inputs.Unpack(c.Input[4:])
	if err != nil {
		return inspector.Revert(EncodeError("vm." + name + ": invalid arguments: " + err.Error()))
	}
	if ch.impure {
		s.impure.Add(ch.method.Sig)
	}
	out, err := ch.run(s, &callContext{evm: evm, call: c}, args)
	if err != nil {
		var rev *revertError
		if errors.As(err, &rev) {
			return inspector.Revert(rev.data)
		}
		logger.Debug("Cheatcode failed", "cheatcode", ch.method.Sig, "err", err)
		return inspector.Revert(EncodeError("vm." + name + ": " + err.Error()))
	}
	ret, err := ch.method.Outputs.Pack(out...)
	if err != nil {
		return inspector.Revert(EncodeError("vm." + name + ": encoding result: " + err.Error()))
	}
	return inspector.Result{Output: ret}
}

// Hooks returns the observers behind expectEmit, expectCall and
// recordLogs. They must see the same execution the interceptor does.
func (s *Cheats) Hooks() *tracing.Hooks {
	return &tracing.Hooks{OnLog: s.onLog}
}

// Verify checks the expectations left at the end of a test.
func (s *Cheats) Verify() error {
	if s.revert != nil {
		return errors.New("vm.expectRevert: next call did not revert as expected")
	}
	for _, e := range s.emits {
		if !e.found {
			return errors.New("vm.expectEmit: log != expected log")
		}
	}
	for _, e := range s.calls {
		if err := e.verify(); err != nil {
			return err
		}
	}
	return nil
}

func toUint64(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, fmt.Errorf("value %s does not fit in 64 bits", v)
	}
	return v.Uint64(), nil
}

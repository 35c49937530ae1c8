package cheatcode

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/edrgo/edr/inspector"
)

// prank overrides msg.sender, and optionally tx.origin, of the calls its
// caller makes at the depth it was set from.
type prank struct {
	caller common.Address
	depth  int
	sender common.Address
	origin *common.Address
	single bool
	used   bool
}

// take returns the prank if it applies to c, consuming single pranks.
func (p *prank) take(c *inspector.Call) *prank {
	if p == nil || p.used || c.From != p.caller || c.Depth != p.depth {
		return nil
	}
	if p.single {
		p.used = true
	}
	return p
}

// forwardMark identifies the call a taken-over call is forwarded as, so
// it is not intercepted a second time. Precompiles run without an
// interpreter frame, so the forwarded call has the depth of the original.
type forwardMark struct {
	depth int
	to    common.Address
}

type expectedRevert struct {
	caller common.Address
	depth  int
	// data is nil to accept any revert.
	data []byte
}

func (e *expectedRevert) take(c *inspector.Call) *expectedRevert {
	if e == nil || c.From != e.caller || c.Depth != e.depth {
		return nil
	}
	return e
}

func (e *expectedRevert) matches(out []byte) bool {
	switch {
	case e.data == nil:
		return true
	case bytes.Equal(out, e.data):
		return true
	case len(e.data) == 4 && bytes.HasPrefix(out, e.data):
		return true
	}
	reason, err := abi.UnpackRevert(out)
	return err == nil && reason == string(e.data)
}

// check turns the result of the expected call around: a revert becomes a
// success and anything else a failure.
func (e *expectedRevert) check(res inspector.Result) inspector.Result {
	if res.Err == nil {
		return inspector.Result{Output: EncodeError("vm.expectRevert: call did not revert as expected"), GasUsed: res.GasUsed, Err: vm.ErrExecutionReverted}
	}
	if !e.matches(res.Output) {
		msg := fmt.Sprintf("vm.expectRevert: Error != expected error: %s != %s", describeRevert(res.Output), describeRevert(e.data))
		return inspector.Result{Output: EncodeError(msg), GasUsed: res.GasUsed, Err: vm.ErrExecutionReverted}
	}
	return inspector.Result{GasUsed: res.GasUsed}
}

func describeRevert(data []byte) string {
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if isPrintable(data) {
		return string(data)
	}
	return hexutil.Encode(data)
}

func isPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

type expectedEmit struct {
	caller  common.Address
	checks  [4]bool
	emitter *common.Address
	// template is the log the test emitted after the expectation.
	template *types.Log
	found    bool
}

func (e *expectedEmit) matches(l *types.Log) bool {
	t := e.template
	if e.emitter != nil && l.Address != *e.emitter {
		return false
	}
	if len(l.Topics) != len(t.Topics) {
		return false
	}
	if len(t.Topics) > 0 && l.Topics[0] != t.Topics[0] {
		return false
	}
	for i := 1; i < len(t.Topics) && i <= 3; i++ {
		if e.checks[i-1] && l.Topics[i] != t.Topics[i] {
			return false
		}
	}
	return !e.checks[3] || bytes.Equal(l.Data, t.Data)
}

func copyLog(l *types.Log) *types.Log {
	return &types.Log{Address: l.Address, Topics: append([]common.Hash(nil), l.Topics...), Data: common.CopyBytes(l.Data)}
}

// onLog records logs and matches them against expected emits. The first
// log the test itself emits after expectEmit is the template; the
// expectations are then satisfied in order by matching logs.
func (s *Cheats) onLog(l *types.Log) {
	if s.recording {
		s.recorded = append(s.recorded, copyLog(l))
	}
	for _, e := range s.emits {
		if e.template == nil && l.Address == e.caller {
			e.template = copyLog(l)
			return
		}
	}
	for _, e := range s.emits {
		if e.found || e.template == nil {
			continue
		}
		if e.matches(l) {
			e.found = true
		}
		return
	}
}

type expectedCall struct {
	to    common.Address
	data  []byte
	value *big.Int
	// count is the exact number of calls expected; negative for at least
	// one.
	count int64
	seen  int64
}

func (e *expectedCall) verify() error {
	if e.count < 0 && e.seen == 0 {
		return fmt.Errorf("vm.expectCall: expected call to %s with data %s was not made", e.to.Hex(), hexutil.Encode(e.data))
	}
	if e.count >= 0 && e.seen != e.count {
		return fmt.Errorf("vm.expectCall: expected call to %s with data %s to be made %d time(s), but was made %d time(s)",
			e.to.Hex(), hexutil.Encode(e.data), e.count, e.seen)
	}
	return nil
}

func (s *Cheats) countCall(c *inspector.Call) {
	for _, e := range s.calls {
		if c.To != e.to || !bytes.HasPrefix(c.Input, e.data) {
			continue
		}
		if e.value != nil && (c.Value == nil || c.Value.Cmp(e.value) != 0) {
			continue
		}
		e.seen++
	}
}

// recordedLog mirrors Vm.Log.
type recordedLog struct {
	Topics  [][32]byte
	Data    []byte
	Emitter common.Address
}

var logsType = abi.Arguments{{Type: mustTupleType()}}

func mustTupleType() abi.Type {
	typ, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "topics", Type: "bytes32[]"},
		{Name: "data", Type: "bytes"},
		{Name: "emitter", Type: "address"},
	})
	if err != nil {
		panic(err)
	}
	return typ
}

// setPrank replaces any active prank.
func (s *Cheats) setPrank(ctx *callContext, sender common.Address, origin *common.Address, single bool) {
	s.prank = &prank{caller: ctx.call.From, depth: ctx.call.Depth, sender: sender, origin: origin, single: single}
}

func (s *Cheats) expectRevert(ctx *callContext, data []byte) error {
	if s.revert != nil {
		return errors.New("already expecting a revert")
	}
	s.revert = &expectedRevert{caller: ctx.call.From, depth: ctx.call.Depth, data: data}
	return nil
}

func (s *Cheats) expectEmit(ctx *callContext, checks [4]bool, emitter *common.Address) {
	s.emits = append(s.emits, &expectedEmit{caller: ctx.call.From, checks: checks, emitter: emitter})
}

func (s *Cheats) expectCall(to common.Address, value *big.Int, data []byte, count int64) {
	s.calls = append(s.calls, &expectedCall{to: to, data: common.CopyBytes(data), value: value, count: count})
}

// mock installs a canned response. Accounts without code get a STOP so
// callers' code size checks pass.
func (s *Cheats) mock(ctx *callContext, to common.Address, value *big.Int, data, ret []byte, revert bool) {
	if ctx.evm.StateDB.GetCodeSize(to) == 0 {
		ctx.evm.StateDB.SetCode(to, []byte{0x00}, tracing.CodeChangeUnspecified)
	}
	s.mocker.Mock(to, data, value, ret, revert)
}

func init() {
	all := [4]bool{true, true, true, true}

	pure("prank(address)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		s.setPrank(ctx, a[0].(common.Address), nil, true)
		return none()
	})
	pure("prank(address,address)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		origin := a[1].(common.Address)
		s.setPrank(ctx, a[0].(common.Address), &origin, true)
		return none()
	})
	pure("startPrank(address)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		s.setPrank(ctx, a[0].(common.Address), nil, false)
		return none()
	})
	pure("startPrank(address,address)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		origin := a[1].(common.Address)
		s.setPrank(ctx, a[0].(common.Address), &origin, false)
		return none()
	})
	pure("stopPrank()", nil, func(s *Cheats, _ *callContext, _ []any) ([]any, error) {
		s.prank = nil
		return none()
	})

	pure("expectRevert()", nil, func(s *Cheats, ctx *callContext, _ []any) ([]any, error) {
		return nil, s.expectRevert(ctx, nil)
	})
	pure("expectRevert(bytes)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		return nil, s.expectRevert(ctx, common.CopyBytes(a[0].([]byte)))
	})
	pure("expectRevert(bytes4)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		sel := a[0].([4]byte)
		return nil, s.expectRevert(ctx, sel[:])
	})

	pure("expectEmit()", nil, func(s *Cheats, ctx *callContext, _ []any) ([]any, error) {
		s.expectEmit(ctx, all, nil)
		return none()
	})
	pure("expectEmit(address)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		emitter := a[0].(common.Address)
		s.expectEmit(ctx, all, &emitter)
		return none()
	})
	pure("expectEmit(bool,bool,bool,bool)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		s.expectEmit(ctx, [4]bool{a[0].(bool), a[1].(bool), a[2].(bool), a[3].(bool)}, nil)
		return none()
	})
	pure("expectEmit(bool,bool,bool,bool,address)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		emitter := a[4].(common.Address)
		s.expectEmit(ctx, [4]bool{a[0].(bool), a[1].(bool), a[2].(bool), a[3].(bool)}, &emitter)
		return none()
	})

	pure("expectCall(address,bytes)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		s.expectCall(a[0].(common.Address), nil, a[1].([]byte), -1)
		return none()
	})
	pure("expectCall(address,uint256,bytes)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		s.expectCall(a[0].(common.Address), a[1].(*big.Int), a[2].([]byte), -1)
		return none()
	})
	pure("expectCall(address,bytes,uint64)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		s.expectCall(a[0].(common.Address), nil, a[1].([]byte), int64(a[2].(uint64)))
		return none()
	})
	pure("expectCall(address,uint256,bytes,uint64)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		s.expectCall(a[0].(common.Address), a[1].(*big.Int), a[2].([]byte), int64(a[3].(uint64)))
		return none()
	})

	pure("recordLogs()", nil, func(s *Cheats, _ *callContext, _ []any) ([]any, error) {
		s.recording = true
		s.recorded = nil
		return none()
	})
	pure("getRecordedLogs()", logsType, func(s *Cheats, _ *callContext, _ []any) ([]any, error) {
		out := make([]recordedLog, len(s.recorded))
		for i, l := range s.recorded {
			topics := make([][32]byte, len(l.Topics))
			for j, t := range l.Topics {
				topics[j] = t
			}
			out[i] = recordedLog{Topics: topics, Data: l.Data, Emitter: l.Address}
		}
		s.recorded = nil
		return []any{out}, nil
	})

	pure("mockCall(address,bytes,bytes)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		s.mock(ctx, a[0].(common.Address), nil, a[1].([]byte), a[2].([]byte), false)
		return none()
	})
	pure("mockCall(address,uint256,bytes,bytes)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		s.mock(ctx, a[0].(common.Address), a[1].(*big.Int), a[2].([]byte), a[3].([]byte), false)
		return none()
	})
	pure("mockCallRevert(address,bytes,bytes)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		s.mock(ctx, a[0].(common.Address), nil, a[1].([]byte), a[2].([]byte), true)
		return none()
	})
	pure("mockCallRevert(address,uint256,bytes,bytes)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		s.mock(ctx, a[0].(common.Address), a[1].(*big.Int), a[2].([]byte), a[3].([]byte), true)
		return none()
	})
	pure("clearMockedCalls()", nil, func(s *Cheats, _ *callContext, _ []any) ([]any, error) {
		s.mocker.Clear()
		return none()
	})
}

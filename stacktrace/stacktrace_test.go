package stacktrace

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/solidity/artifact"
)

func TestDecodeSourceMap(t *testing.T) {
	entries, err := DecodeSourceMap("1:2:0:-:0;;3::1:i;:5")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, SourceMapEntry{Location: Location{Offset: 1, Length: 2, File: 0}}, entries[0])
	assert.Equal(t, entries[0], entries[1])
	assert.Equal(t, SourceMapEntry{Location: Location{Offset: 3, Length: 2, File: 1}, Jump: JumpInto}, entries[2])
	assert.Equal(t, SourceMapEntry{Location: Location{Offset: 3, Length: 5, File: 1}, Jump: JumpInto}, entries[3])

	entries, err = DecodeSourceMap("1:2")
	require.NoError(t, err)
	assert.Equal(t, -1, entries[0].Location.File)

	_, err = DecodeSourceMap("1:2:0:x")
	require.Error(t, err)
}

func TestDecodeInstructions(t *testing.T) {
	code := []byte{0x60, 0x01, 0x60, 0x02, 0x01, 0x5f}
	entries, err := DecodeSourceMap("0:1:0;1:1:0;2:1:-1;3:1:0")
	require.NoError(t, err)

	ins := DecodeInstructions(code, entries)
	require.Len(t, ins, 4)
	assert.Equal(t, []int{0, 2, 4, 5}, []int{ins[0].PC, ins[1].PC, ins[2].PC, ins[3].PC})
	assert.Equal(t, []byte{0x02}, ins[1].PushData)
	assert.Equal(t, vm.ADD, ins[2].Op)
	assert.Nil(t, ins[2].Location)
	require.NotNil(t, ins[3].Location)
	assert.Equal(t, 3, ins[3].Location.Offset)
}

func mustBytecode(t *testing.T, a *artifact.Artifact, deployment bool) *ContractBytecode {
	t.Helper()
	b, err := NewContractBytecode(a, deployment)
	require.NoError(t, err)
	return b
}

func TestTrieSearch(t *testing.T) {
	plain := &artifact.Artifact{
		ID:               artifact.ContractID{Name: "A"},
		Bytecode:         artifact.Bytecode{Object: []byte{0x60, 0x80, 0x60, 0x40, 0x52}},
		DeployedBytecode: artifact.Bytecode{Object: []byte{0x60, 0x01, 0x60, 0x02, 0xfd}},
	}
	linkedCode := append([]byte{0x60, 0x01, 0x73}, make([]byte, 20)...)
	linkedCode = append(linkedCode, 0x50)
	linked := &artifact.Artifact{
		ID: artifact.ContractID{Name: "B"},
		DeployedBytecode: artifact.Bytecode{
			Object: linkedCode,
			LinkReferences: []artifact.LinkReference{{
				Library: artifact.ContractID{Name: "Lib"},
				Offsets: []artifact.Offset{{Start: 3, Length: 20}},
			}},
		},
	}

	trie := NewTrie()
	trie.Add(mustBytecode(t, plain, true))
	trie.Add(mustBytecode(t, plain, false))
	trie.Add(mustBytecode(t, linked, false))

	got := trie.Search([]byte{0x60, 0x01, 0x60, 0x02, 0xfd}, false)
	require.NotNil(t, got)
	assert.Equal(t, "A", got.Contract.ID.Name)
	assert.False(t, got.IsDeployment)

	deployed := common.CopyBytes(linkedCode)
	copy(deployed[3:], common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes())
	got = trie.Search(deployed, false)
	require.NotNil(t, got)
	assert.Equal(t, "B", got.Contract.ID.Name)

	// Constructor arguments follow the creation code.
	creation := append([]byte{0x60, 0x80, 0x60, 0x40, 0x52}, common.LeftPadBytes([]byte{7}, 32)...)
	got = trie.Search(creation, true)
	require.NotNil(t, got)
	assert.True(t, got.IsDeployment)

	assert.Nil(t, trie.Search([]byte{0x60, 0x01, 0x60, 0x03}, false))
	assert.Nil(t, trie.Search([]byte{0x60, 0x01, 0x60, 0x02}, false))
}

const testABI = `[
  {"type":"function","name":"fail","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"set","inputs":[{"name":"v","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"error","name":"Unauthorized","inputs":[{"name":"who","type":"address"}]}
]`

var (
	cheats   = common.HexToAddress("0x7109709ECfa91a80626fF3989D68f67F5b1DD12D")
	target   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	outsider = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	runtime  = []byte{0x60, 0x00, 0x60, 0x00, 0xfd}
)

type codeMap map[common.Address][]byte

func (m codeMap) Code(addr common.Address) ([]byte, bool) {
	c, ok := m[addr]
	return c, ok
}

func (m codeMap) CreationCode(common.Address) ([]byte, bool) { return nil, false }

func newTestDecoder(t *testing.T) (*Decoder, abi.ABI) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testABI))
	require.NoError(t, err)
	a := &artifact.Artifact{
		ID:               artifact.ContractID{Source: "src/T.sol", Name: "T"},
		ABI:              parsed,
		Bytecode:         artifact.Bytecode{Object: []byte{0x60, 0x80, 0x60, 0x40, 0x52}},
		DeployedBytecode: artifact.Bytecode{Object: runtime, SourceMap: "0:10:0:-:0;;20:5:0"},
		CompilerVersion:  "0.8.24+commit.e11b9ed9",
		SourceID:         0,
	}
	p := &artifact.Project{
		Artifacts: []*artifact.Artifact{a},
		Sources: map[int]*artifact.Source{
			0: {ID: 0, Path: "src/T.sol", Content: "aaaaaaaaaa\nbbbbbbbbbb\ncccc"},
		},
	}
	return NewDecoder(p, cheats), parsed
}

func errorData(t *testing.T, reason string) []byte {
	t.Helper()
	typ, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: typ}}.Pack(reason)
	require.NoError(t, err)
	return append(common.CopyBytes(errorSelector), packed...)
}

func failing(input, output []byte, ops ...vm.OpCode) *inspector.Node {
	n := &inspector.Node{Kind: vm.CALL, To: target, Input: input, Output: output, Err: vm.ErrExecutionReverted, Reverted: true}
	pcs := []uint64{0, 2, 4}
	for i, op := range ops {
		n.Steps = append(n.Steps, inspector.Step{PC: pcs[i%len(pcs)], Op: op})
	}
	return n
}

func TestStackTraceSucceeded(t *testing.T) {
	d, _ := newTestDecoder(t)
	assert.Nil(t, d.StackTrace(&inspector.Node{Kind: vm.CALL, To: target}, codeMap{}))
	assert.Nil(t, d.StackTrace(nil, codeMap{}))
}

func TestStackTraceRevertReason(t *testing.T) {
	d, parsed := newTestDecoder(t)
	codes := codeMap{target: runtime}
	n := failing(parsed.Methods["fail"].ID, errorData(t, "boom"), vm.PUSH1, vm.PUSH1, vm.REVERT)

	entries := d.StackTrace(n, codes)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, KindRevertError, e.Kind)
	assert.Equal(t, "boom", e.Message)
	require.NotNil(t, e.SourceReference)
	assert.Equal(t, SourceReference{SourceName: "src/T.sol", Contract: "T", Function: "fail", Line: 2, Range: [2]int{20, 25}}, *e.SourceReference)
}

func TestStackTracePropagation(t *testing.T) {
	d, parsed := newTestDecoder(t)
	codes := codeMap{target: runtime}
	data := errorData(t, "boom")
	child := failing(parsed.Methods["fail"].ID, data, vm.PUSH1, vm.PUSH1, vm.REVERT)
	root := &inspector.Node{
		Kind:     vm.CALL,
		To:       outsider,
		Output:   data,
		Err:      vm.ErrExecutionReverted,
		Steps:    []inspector.Step{{PC: 0, Op: vm.CALL}, {PC: 1, Op: vm.REVERT}},
		Children: []*inspector.Node{child},
	}

	entries := d.StackTrace(root, codes)
	require.Len(t, entries, 2)
	assert.Equal(t, KindUnrecognizedContractCallstack, entries[0].Kind)
	assert.Equal(t, outsider, *entries[0].Address)
	assert.Equal(t, KindRevertError, entries[1].Kind)

	want := "reverted with reason string 'boom'\n" +
		"    at T.fail (src/T.sol:2)\n" +
		"    at <unrecognized contract> (" + outsider.Hex() + ")"
	assert.Equal(t, want, Format(entries))
}

func TestStackTraceInterceptedFrame(t *testing.T) {
	d, parsed := newTestDecoder(t)
	inner := failing(parsed.Methods["fail"].ID, errorData(t, "boom"), vm.PUSH1, vm.PUSH1, vm.REVERT)
	outer := &inspector.Node{Kind: vm.CALL, To: target, Err: vm.ErrExecutionReverted, Output: inner.Output, Children: []*inspector.Node{inner}}

	entries := d.StackTrace(outer, codeMap{target: runtime})
	require.Len(t, entries, 1)
	assert.Equal(t, KindRevertError, entries[0].Kind)
}

func TestStackTracePanicAndCustomError(t *testing.T) {
	d, parsed := newTestDecoder(t)
	codes := codeMap{target: runtime}

	panicData := append(common.CopyBytes(panicSelector), common.LeftPadBytes([]byte{0x11}, 32)...)
	entries := d.StackTrace(failing(parsed.Methods["fail"].ID, panicData, vm.REVERT), codes)
	require.Len(t, entries, 1)
	assert.Equal(t, KindPanicError, entries[0].Kind)
	assert.Equal(t, int64(0x11), entries[0].PanicCode.Int64())
	assert.Equal(t, "reverted with panic code 0x11 (Arithmetic operation overflowed outside of an unchecked block)", entries[0].Describe())

	who := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	custom := append(crypto.Keccak256([]byte("Unauthorized(address)"))[:4], common.LeftPadBytes(who.Bytes(), 32)...)
	entries = d.StackTrace(failing(parsed.Methods["fail"].ID, custom, vm.REVERT), codes)
	require.Len(t, entries, 1)
	assert.Equal(t, KindCustomError, entries[0].Kind)
	assert.Equal(t, "Unauthorized("+who.Hex()+")", entries[0].Message)

	unknown := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	entries = d.StackTrace(failing(parsed.Methods["fail"].ID, unknown, vm.REVERT), codes)
	require.Len(t, entries, 1)
	assert.Equal(t, KindRevertError, entries[0].Kind)
	assert.Equal(t, "reverted with an unrecognized custom error (return data: 0x0102030405)", entries[0].Describe())
}

func TestStackTraceHeuristics(t *testing.T) {
	d, parsed := newTestDecoder(t)
	codes := codeMap{target: runtime}

	tests := []struct {
		name  string
		input []byte
		value *big.Int
		ops   []vm.OpCode
		want  Kind
	}{
		{"not payable", parsed.Methods["fail"].ID, big.NewInt(1), []vm.OpCode{vm.CALLVALUE, vm.REVERT}, KindFunctionNotPayable},
		{"unknown selector", []byte{0xde, 0xad, 0xbe, 0xef}, nil, []vm.OpCode{vm.REVERT}, KindUnrecognizedFunctionWithoutFallback},
		{"short calldata", parsed.Methods["set"].ID, nil, []vm.OpCode{vm.CALLDATASIZE, vm.REVERT}, KindInvalidParams},
		{"non-contract", parsed.Methods["fail"].ID, nil, []vm.OpCode{vm.EXTCODESIZE, vm.ISZERO, vm.REVERT}, KindNonContractAccountCalled},
		{"plain revert", parsed.Methods["fail"].ID, nil, []vm.OpCode{vm.PUSH1, vm.PUSH1, vm.REVERT}, KindRevertError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := failing(tt.input, nil, tt.ops...)
			n.Value = tt.value
			entries := d.StackTrace(n, codes)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Kind, entries[0].Kind.String())
		})
	}
}

func TestStackTraceCallFailed(t *testing.T) {
	d, parsed := newTestDecoder(t)
	child := &inspector.Node{Kind: vm.CALL, To: outsider, Output: []byte{1}, Err: vm.ErrExecutionReverted}
	n := failing(parsed.Methods["fail"].ID, nil, vm.CALL, vm.ISZERO, vm.REVERT)
	n.Children = []*inspector.Node{child}

	entries := d.StackTrace(n, codeMap{target: runtime})
	require.Len(t, entries, 1)
	assert.Equal(t, KindCallFailed, entries[0].Kind)
}

func TestStackTraceSpecialAddresses(t *testing.T) {
	d, _ := newTestDecoder(t)

	cheat := &inspector.Node{Kind: vm.CALL, To: cheats, Output: errorData(t, "vm.expectRevert: nothing reverted"), Err: vm.ErrExecutionReverted}
	entries := d.StackTrace(cheat, codeMap{})
	require.Len(t, entries, 1)
	assert.Equal(t, KindCheatcodeError, entries[0].Kind)
	assert.Equal(t, "vm.expectRevert: nothing reverted", entries[0].Describe())

	pre := &inspector.Node{Kind: vm.STATICCALL, To: common.BytesToAddress([]byte{0x01}), Err: vm.ErrOutOfGas}
	root := &inspector.Node{Kind: vm.CALL, To: outsider, Err: vm.ErrExecutionReverted, Children: []*inspector.Node{pre}}
	entries = d.StackTrace(root, codeMap{})
	require.Len(t, entries, 2)
	assert.Equal(t, KindUnrecognizedContractCallstack, entries[0].Kind)
	assert.Equal(t, KindPrecompileError, entries[1].Kind)
}

func TestStackTraceOutOfGas(t *testing.T) {
	d, parsed := newTestDecoder(t)
	n := failing(parsed.Methods["fail"].ID, nil, vm.PUSH1, vm.SSTORE)
	n.Err = vm.ErrOutOfGas
	entries := d.StackTrace(n, codeMap{target: runtime})
	require.Len(t, entries, 1)
	assert.Equal(t, KindOutOfGas, entries[0].Kind)
	assert.Equal(t, "out of gas", entries[0].Describe())
}

func TestPanicMessage(t *testing.T) {
	assert.Equal(t, "Assertion error", PanicMessage(big.NewInt(1)))
	assert.Equal(t, "Unknown panic code", PanicMessage(big.NewInt(0x99)))
	assert.Equal(t, "Unknown panic code", PanicMessage(new(big.Int).Lsh(big.NewInt(1), 70)))
}

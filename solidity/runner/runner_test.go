package runner

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edrgo/edr/solidity"
	"github.com/edrgo/edr/solidity/artifact"
	"github.com/edrgo/edr/solidity/cheatcode"
	"github.com/edrgo/edr/solidity/fuzz"
	"github.com/edrgo/edr/state"
)

// program is a small assembler with forward jump labels.
type program struct {
	code   []byte
	labels map[string]int
	refs   map[int]string
}

func newProgram() *program {
	return &program{labels: make(map[string]int), refs: make(map[int]string)}
}

func (p *program) op(ops ...vm.OpCode) *program {
	for _, o := range ops {
		p.code = append(p.code, byte(o))
	}
	return p
}

func (p *program) push(data ...byte) *program {
	p.code = append(p.code, byte(vm.PUSH1)+byte(len(data)-1))
	p.code = append(p.code, data...)
	return p
}

func (p *program) pushLabel(name string) *program {
	p.code = append(p.code, byte(vm.PUSH2))
	p.refs[len(p.code)] = name
	p.code = append(p.code, 0, 0)
	return p
}

func (p *program) jumpdest(name string) *program {
	p.labels[name] = len(p.code)
	return p.op(vm.JUMPDEST)
}

func (p *program) data(name string, b []byte) *program {
	p.labels[name] = len(p.code)
	p.code = append(p.code, b...)
	return p
}

func (p *program) assemble(t *testing.T) []byte {
	t.Helper()
	for pos, name := range p.refs {
		at, ok := p.labels[name]
		require.True(t, ok, "undefined label %s", name)
		binary.BigEndian.PutUint16(p.code[pos:], uint16(at))
	}
	return p.code
}

// revert0 reverts without data.
func (p *program) revert0() *program { return p.op(vm.PUSH0, vm.DUP1, vm.REVERT) }

// copyData copies a data section to memory offset zero.
func (p *program) copyData(name string, size int) *program {
	return p.push(byte(size)).pushLabel(name).op(vm.PUSH0, vm.CODECOPY)
}

// callCheatcode calls the cheatcode address with size bytes of memory.
func (p *program) callCheatcode(size int) *program {
	p.op(vm.PUSH0, vm.PUSH0).push(byte(size)).op(vm.PUSH0, vm.PUSH0)
	return p.push(cheatcode.Address.Bytes()...).op(vm.GAS, vm.CALL, vm.POP)
}

type function struct {
	sig  string
	body func(p *program)
}

// runtimeCode builds a contract dispatching on the selectors of fns, with
// the data sections appended after the code.
func runtimeCode(t *testing.T, fns []function, data map[string][]byte) []byte {
	t.Helper()
	p := newProgram()
	p.op(vm.PUSH0, vm.CALLDATALOAD).push(0xe0).op(vm.SHR)
	for _, f := range fns {
		p.op(vm.DUP1).push(crypto.Keccak256([]byte(f.sig))[:4]...).op(vm.EQ).pushLabel(f.sig).op(vm.JUMPI)
	}
	p.revert0()
	for _, f := range fns {
		p.jumpdest(f.sig)
		f.body(p)
	}
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.data(name, data[name])
	}
	return p.assemble(t)
}

// initCode returns creation code deploying runtime.
func initCode(runtime []byte) []byte {
	n := len(runtime)
	prefix := []byte{0x61, byte(n >> 8), byte(n), 0x80, 0x61, 0x00, 0x0b, 0x5f, 0x39, 0x5f, 0xf3}
	return append(prefix, runtime...)
}

func testArtifact(t *testing.T, source, name, abiJSON string, runtime []byte) *artifact.Artifact {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	require.NoError(t, err)
	return &artifact.Artifact{
		ID:               artifact.ContractID{Source: source, Name: name},
		ABI:              parsed,
		Bytecode:         artifact.Bytecode{Object: initCode(runtime)},
		DeployedBytecode: artifact.Bytecode{Object: runtime},
		SourceID:         -1,
	}
}

func calldata(t *testing.T, sig string, typeNames []string, args ...any) []byte {
	t.Helper()
	var arguments abi.Arguments
	for _, ty := range typeNames {
		typ, err := abi.NewType(ty, "", nil)
		require.NoError(t, err)
		arguments = append(arguments, abi.Argument{Type: typ})
	}
	packed, err := arguments.Pack(args...)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte(sig))[:4], packed...)
}

const unitABI = `[
	{"type":"function","name":"setUp","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"testIsolatedA","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"testIsolatedB","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"testFailReverts","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"testRevertsWithReason","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"testFuzzBelowThousand","inputs":[{"name":"x","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"testSkipped","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"testImpure","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
]`

func unitArtifact(t *testing.T) *artifact.Artifact {
	boom := calldata(t, "Error(string)", []string{"string"}, "boom")
	skip := calldata(t, "skip(bool)", []string{"bool"}, true)
	env := calldata(t, "envExists(string)", []string{"string"}, "EDR_RUNNER_TEST_UNSET")

	isolated := func(name string) func(p *program) {
		return func(p *program) {
			p.op(vm.PUSH0, vm.SLOAD).push(1).op(vm.EQ).pushLabel(name).op(vm.JUMPI).revert0()
			p.jumpdest(name).push(2).op(vm.PUSH0, vm.SSTORE, vm.STOP)
		}
	}
	fns := []function{
		{"setUp()", func(p *program) { p.push(1).op(vm.PUSH0, vm.SSTORE, vm.STOP) }},
		{"testIsolatedA()", isolated("a.ok")},
		{"testIsolatedB()", isolated("b.ok")},
		{"testFailReverts()", func(p *program) { p.revert0() }},
		{"testRevertsWithReason()", func(p *program) {
			p.copyData("boom", len(boom)).push(byte(len(boom))).op(vm.PUSH0, vm.REVERT)
		}},
		{"testFuzzBelowThousand(uint256)", func(p *program) {
			p.push(4).op(vm.CALLDATALOAD).push(0x03, 0xe8).op(vm.GT).pushLabel("fuzz.ok").op(vm.JUMPI).revert0()
			p.jumpdest("fuzz.ok").op(vm.STOP)
		}},
		{"testSkipped()", func(p *program) {
			p.copyData("skip", len(skip)).callCheatcode(len(skip)).op(vm.STOP)
		}},
		{"testImpure()", func(p *program) {
			p.copyData("env", len(env)).callCheatcode(len(env)).revert0()
		}},
	}
	code := runtimeCode(t, fns, map[string][]byte{"boom": boom, "skip": skip, "env": env})
	return testArtifact(t, "test/Unit.t.sol", "UnitTest", unitABI, code)
}

const invariantABI = `[
	{"type":"function","name":"targetContracts","inputs":[],"outputs":[{"name":"","type":"address[]"}],"stateMutability":"view"},
	{"type":"function","name":"inc","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"invariantBelowFour","inputs":[],"outputs":[],"stateMutability":"view"}
]`

func invariantArtifact(t *testing.T) *artifact.Artifact {
	fns := []function{
		{"targetContracts()", func(p *program) {
			p.push(0x20).op(vm.PUSH0, vm.MSTORE)
			p.push(1).push(0x20).op(vm.MSTORE)
			p.op(vm.ADDRESS).push(0x40).op(vm.MSTORE)
			p.push(0x60).op(vm.PUSH0, vm.RETURN)
		}},
		{"inc()", func(p *program) {
			p.push(1).op(vm.SLOAD).push(1).op(vm.ADD).push(1).op(vm.SSTORE, vm.STOP)
		}},
		{"invariantBelowFour()", func(p *program) {
			p.push(1).op(vm.SLOAD).push(4).op(vm.GT).pushLabel("below").op(vm.JUMPI).revert0()
			p.jumpdest("below").op(vm.STOP)
		}},
	}
	return testArtifact(t, "test/Counter.t.sol", "InvariantTest", invariantABI, runtimeCode(t, fns, nil))
}

func setUpRevertArtifact(t *testing.T) *artifact.Artifact {
	const abiJSON = `[
		{"type":"function","name":"setUp","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
		{"type":"function","name":"testNever","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
	]`
	fns := []function{
		{"setUp()", func(p *program) { p.revert0() }},
		{"testNever()", func(p *program) { p.op(vm.STOP) }},
	}
	return testArtifact(t, "test/Broken.t.sol", "BrokenTest", abiJSON, runtimeCode(t, fns, nil))
}

// stubForker serves an empty chain, or fails when err is set.
type stubForker struct{ err error }

func (f stubForker) Fork(_ context.Context, _ string, block *uint64) (*cheatcode.Fork, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := uint64(100)
	if block != nil {
		n = *block
	}
	return &cheatcode.Fork{
		Block:   n,
		ChainID: 1,
		Header:  &types.Header{Number: new(big.Int).SetUint64(n), Time: 1_700_000_000, BaseFee: big.NewInt(7), Difficulty: new(big.Int)},
		Reader:  state.Empty{},
	}, nil
}

func testConfig(t *testing.T) solidity.Config {
	cfg := solidity.DefaultConfig()
	cfg.ProjectRoot = t.TempDir()
	seed := uint64(42)
	cfg.Fuzz.Seed = &seed
	cfg.Fuzz.Runs = 64
	cfg.Invariant.Runs = 20
	cfg.Invariant.Depth = 10
	cfg.Parallelism = 2
	return cfg
}

func run(t *testing.T, cfg solidity.Config, opts []Option, artifacts ...*artifact.Artifact) []*SuiteResult {
	t.Helper()
	project := artifact.NewProject(cfg.ProjectRoot, artifacts)
	opts = append([]Option{WithForker(stubForker{err: errors.New("no forks in tests")})}, opts...)
	r, err := New(cfg, project, opts...)
	require.NoError(t, err)
	defer r.Close()
	results, err := r.Run(context.Background())
	require.NoError(t, err)
	return results
}

func result(t *testing.T, suite *SuiteResult, name string) *Result {
	t.Helper()
	for _, r := range suite.Tests {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result for %s", name)
	return nil
}

func TestUnitTests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	results := run(t, testConfig(t), nil, unitArtifact(t))
	require.Len(t, results, 1)
	suite := results[0]
	require.Equal(t, "test/Unit.t.sol:UnitTest", suite.Contract.String())
	require.Len(t, suite.Tests, 7)

	// Both tests see the state setUp left, not the one the other wrote.
	require.Equal(t, Success, result(t, suite, "testIsolatedA()").Status)
	require.Equal(t, Success, result(t, suite, "testIsolatedB()").Status)
	require.Equal(t, Success, result(t, suite, "testFailReverts()").Status)
	require.Equal(t, Skipped, result(t, suite, "testSkipped()").Status)

	reverted := result(t, suite, "testRevertsWithReason()")
	require.Equal(t, Failure, reverted.Status)
	require.Equal(t, "boom", reverted.Reason)
	require.NotNil(t, reverted.Trace)
	require.False(t, reverted.Trace.UnsafeToReplay)
	require.Empty(t, reverted.Trace.Error)
	require.NotEmpty(t, reverted.Trace.Entries)

	impure := result(t, suite, "testImpure()")
	require.Equal(t, Failure, impure.Status)
	require.NotNil(t, impure.Trace)
	require.True(t, impure.Trace.UnsafeToReplay)
	require.Contains(t, impure.Trace.Impure, "envExists(string)")
	require.Empty(t, impure.Trace.Entries)

	require.Equal(t, Failure, result(t, suite, "testFuzzBelowThousand(uint256)").Status)
	require.Equal(t, 3, suite.Count(Success))
	require.Equal(t, 3, suite.Count(Failure))
	require.Equal(t, 1, suite.Count(Skipped))
	require.True(t, suite.Failed())
}

func TestFuzzTestFailure(t *testing.T) {
	cfg := testConfig(t)
	a := unitArtifact(t)
	results := run(t, cfg, []Option{WithFilter(Filter{Test: regexp.MustCompile("Fuzz")})}, a)
	require.Len(t, results, 1)
	require.Len(t, results[0].Tests, 1)

	res := results[0].Tests[0]
	require.Equal(t, Fuzz, res.Kind)
	require.Equal(t, Failure, res.Status)
	require.NotNil(t, res.Seed)
	require.Equal(t, int64(42), *res.Seed)
	require.NotNil(t, res.Counterexample)

	m := a.ABI.Methods["testFuzzBelowThousand"]
	args, err := m.Inputs.Unpack(res.Counterexample.Calldata[4:])
	require.NoError(t, err)
	require.True(t, args[0].(*big.Int).Cmp(big.NewInt(1000)) >= 0)

	// The counterexample is stored for the next run.
	saved, ok, err := fuzz.NewStore(cfg.FailurePersistPath()).Load(fuzz.Key(a.ID.String(), m.Sig))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(res.Counterexample.Calldata), saved)
}

func TestInvariantTest(t *testing.T) {
	cfg := testConfig(t)
	results := run(t, cfg, nil, invariantArtifact(t))
	require.Len(t, results, 1)
	require.Empty(t, results[0].Warnings)
	require.Len(t, results[0].Tests, 1)

	res := results[0].Tests[0]
	require.Equal(t, "invariantBelowFour()", res.Name)
	require.Equal(t, Invariant, res.Kind)
	require.Equal(t, Failure, res.Status)
	require.Equal(t, "EvmError: Revert", res.Reason)
	require.NotNil(t, res.Counterexample)
	require.Len(t, res.Counterexample.Sequence, 4)
	for _, call := range res.Counterexample.Sequence {
		require.Contains(t, call, "calldata=inc()")
	}
	require.NotNil(t, res.Trace)
	require.False(t, res.Trace.UnsafeToReplay)
	require.Empty(t, res.Trace.Error)
}

func TestSuitesRunIndependently(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	progress := WithProgress(func(s *SuiteResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Contract.Name)
	})
	results := run(t, testConfig(t), []Option{progress}, setUpRevertArtifact(t), invariantArtifact(t))
	require.Len(t, results, 2)
	require.ElementsMatch(t, []string{"BrokenTest", "InvariantTest"}, seen)

	// Results keep project order whatever order the suites finished in.
	broken := results[0]
	require.Equal(t, "BrokenTest", broken.Contract.Name)
	require.Equal(t, Failure, results[1].Tests[0].Status)
	require.Len(t, broken.Tests, 1)
	require.Equal(t, "setUp()", broken.Tests[0].Name)
	require.Equal(t, Failure, broken.Tests[0].Status)
	require.Contains(t, broken.Tests[0].Reason, "setUp() failed")
}

func TestFilterContracts(t *testing.T) {
	cfg := testConfig(t)
	project := artifact.NewProject(cfg.ProjectRoot, []*artifact.Artifact{unitArtifact(t), invariantArtifact(t)})
	r, err := New(cfg, project,
		WithForker(stubForker{}),
		WithFilter(Filter{Contract: regexp.MustCompile("Counter")}))
	require.NoError(t, err)
	suites := r.Suites()
	require.Len(t, suites, 1)
	require.Equal(t, "InvariantTest", suites[0].ID.Name)
}

func TestUnpinnedForkIsUnsafeToReplay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fork = &solidity.ForkConfig{URL: "http://localhost:8545"}
	project := artifact.NewProject(cfg.ProjectRoot, []*artifact.Artifact{unitArtifact(t)})
	r, err := New(cfg, project,
		WithForker(stubForker{}),
		WithFilter(Filter{Test: regexp.MustCompile("Reason|Isolated")}))
	require.NoError(t, err)
	results, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	suite := results[0]
	require.Equal(t, Success, result(t, suite, "testIsolatedA()").Status)
	reverted := result(t, suite, "testRevertsWithReason()")
	require.Equal(t, Failure, reverted.Status)
	require.True(t, reverted.Trace.UnsafeToReplay)
	require.Empty(t, reverted.Trace.Impure)
}

func TestRootForkError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fork = &solidity.ForkConfig{URL: "http://localhost:8545"}
	project := artifact.NewProject(cfg.ProjectRoot, []*artifact.Artifact{unitArtifact(t)})
	r, err := New(cfg, project, WithForker(stubForker{err: errors.New("connection refused")}))
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.ErrorContains(t, err, "connection refused")
}

func TestCoverage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Coverage = true
	project := artifact.NewProject(cfg.ProjectRoot, []*artifact.Artifact{invariantArtifact(t)})
	r, err := New(cfg, project, WithForker(stubForker{}))
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	code := project.Artifacts[0].DeployedBytecode.Object
	hits := r.Coverage().Hits()
	require.Contains(t, hits, crypto.Keccak256Hash(code))
	require.NotEmpty(t, hits[crypto.Keccak256Hash(code)])
}

func TestDiscover(t *testing.T) {
	const abiJSON = `[
		{"type":"function","name":"setUp","inputs":[],"outputs":[]},
		{"type":"function","name":"afterInvariant","inputs":[],"outputs":[]},
		{"type":"function","name":"testB","inputs":[],"outputs":[]},
		{"type":"function","name":"testA","inputs":[{"name":"x","type":"uint8"}],"outputs":[]},
		{"type":"function","name":"testFailC","inputs":[],"outputs":[]},
		{"type":"function","name":"invariantD","inputs":[],"outputs":[]},
		{"type":"function","name":"statefulFuzzE","inputs":[],"outputs":[]},
		{"type":"function","name":"fixtureAmount","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
		{"type":"function","name":"helper","inputs":[],"outputs":[]}
	]`
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	require.NoError(t, err)

	fns := discover(parsed, Filter{})
	require.NotNil(t, fns.setUp)
	require.NotNil(t, fns.afterInvariant)
	var names []string
	for _, tf := range fns.tests {
		names = append(names, tf.method.Name)
	}
	require.Equal(t, []string{"invariantD", "statefulFuzzE", "testA", "testB", "testFailC"}, names)
	require.Equal(t, Invariant, fns.tests[0].kind)
	require.Equal(t, Fuzz, fns.tests[2].kind)
	require.Equal(t, Unit, fns.tests[3].kind)
	require.True(t, fns.tests[4].expectFail)
	require.Contains(t, fns.fixtures, "amount")
	require.Len(t, fns.invariants, 2)

	require.True(t, isTargetable(parsed.Methods["helper"]))
	require.False(t, isTargetable(parsed.Methods["testB"]))
	require.False(t, isTargetable(parsed.Methods["setUp"]))

	filtered := discover(parsed, Filter{Test: regexp.MustCompile("^test[AB]")})
	require.Len(t, filtered.tests, 2)
	// Invariants stay known to campaigns even when filtered out.
	require.Len(t, filtered.invariants, 2)
}

func TestDecodeReason(t *testing.T) {
	require.Equal(t, "EvmError: Revert", decodeReason(nil))
	require.Equal(t, "boom", decodeReason(calldata(t, "Error(string)", []string{"string"}, "boom")))
	require.Equal(t, "rejected by vm.assume", decodeReason(cheatcode.AssumeMagic))
	require.Equal(t, "custom error 0x12345678", decodeReason(common.FromHex("0x12345678")))
}

package runner

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/solidity"
	"github.com/edrgo/edr/solidity/artifact"
	"github.com/edrgo/edr/solidity/cheatcode"
	"github.com/edrgo/edr/solidity/fuzz"
	"github.com/edrgo/edr/state"
)

// setupError is a revert or failed assertion in setUp.
type setupError struct {
	reason string
	logs   []string
}

func (e *setupError) Error() string { return "setUp() failed: " + e.reason }

// fixture is the array returned by a fixture function.
type fixture struct {
	elem   string
	values []any
}

// invariantTargets are the contracts and senders campaigns use.
type invariantTargets struct {
	targets  []fuzz.Target
	senders  []common.Address
	excluded []common.Address
}

// suite runs the tests of one contract.
type suite struct {
	r        *Runner
	cfg      *solidity.Config
	contract *artifact.Artifact
	fns      *functions

	root      *state.Overlay
	rootBlock blockEnv
	libraries []*artifact.Artifact

	address   common.Address
	libraryAt []common.Address

	// reset is set when setUp selected a fork. The state is then no longer
	// a diff over the root, so every test repeats the deployment.
	reset bool
	base  *state.Overlay
	block blockEnv

	deployed []common.Address
	fixtures map[string]fixture
	targets  *invariantTargets
	dict     *fuzz.Dictionary
	coverage *inspector.Coverage
	warnings []string
}

func newSuite(r *Runner, a *artifact.Artifact, root *state.Overlay, block blockEnv) *suite {
	s := &suite{
		r:         r,
		cfg:       &r.cfg,
		contract:  a,
		fns:       discover(a.ABI, r.filter),
		root:      root,
		rootBlock: block,
		dict:      fuzz.NewDictionary(),
	}
	if r.cfg.Coverage {
		s.coverage = inspector.NewCoverage()
	}
	return s
}

func (s *suite) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn(msg, "contract", s.contract.ID)
	s.warnings = append(s.warnings, msg)
}

func (s *suite) opts() envOptions {
	return envOptions{forker: s.r.forker, coverage: s.coverage}
}

// linkOrder returns the libraries the test contract links against,
// dependencies first.
func (s *suite) linkOrder() ([]*artifact.Artifact, error) {
	var order []*artifact.Artifact
	seen := mapset.NewThreadUnsafeSet[artifact.ContractID]()
	var visit func(a *artifact.Artifact) error
	visit = func(a *artifact.Artifact) error {
		for _, id := range a.Bytecode.Libraries() {
			lib, err := s.r.project.Artifact(id)
			if err != nil {
				return fmt.Errorf("link %s: %w", a.ID, err)
			}
			if !seen.Add(lib.ID) {
				continue
			}
			if err := visit(lib); err != nil {
				return err
			}
			order = append(order, lib)
		}
		return nil
	}
	return order, visit(s.contract)
}

// build deploys the libraries and the test contract on a copy of the root
// state and runs setUp. The returned overlay is the one the env reads.
func (s *suite) build(opts envOptions) (*env, *state.Overlay, error) {
	overlay := s.root.Clone()
	e := newEnv(s.cfg, overlay, s.rootBlock, opts)
	e.genesis()
	fail := func(err error) (*env, *state.Overlay, error) {
		e.close()
		return nil, nil, err
	}

	linked := make(map[artifact.ContractID]common.Address, len(s.libraries))
	s.libraryAt = s.libraryAt[:0]
	for _, lib := range s.libraries {
		code, err := lib.Bytecode.Link(linked)
		if err != nil {
			return fail(err)
		}
		addr, err := e.deploy(s.cfg.Sender, code)
		if err != nil {
			return fail(fmt.Errorf("deploy library %s: %w", lib.ID, err))
		}
		linked[lib.ID] = addr
		s.libraryAt = append(s.libraryAt, addr)
	}
	code, err := s.contract.Bytecode.Link(linked)
	if err != nil {
		return fail(err)
	}
	addr, err := e.deploy(s.cfg.Sender, code)
	if err != nil {
		return fail(fmt.Errorf("deploy %s: %w", s.contract.ID, err))
	}
	s.address = addr
	e.fund(addr, s.cfg.InitialBalance)
	e.cheats.MakePersistent(addr, s.cfg.Sender)

	if s.fns.setUp != nil {
		out, err := e.call(s.cfg.Sender, &addr, s.fns.setUp.ID, nil)
		if err != nil {
			return fail(err)
		}
		switch {
		case !out.Succeeded():
			return fail(&setupError{reason: describeOutcome(out), logs: e.console.Lines()})
		case e.failed():
			return fail(&setupError{reason: "assertion failed", logs: e.console.Lines()})
		}
	}
	return e, overlay, nil
}

// prepare runs setUp once and records the state tests start from.
func (s *suite) prepare() error {
	libs, err := s.linkOrder()
	if err != nil {
		return err
	}
	s.libraries = libs

	e, overlay, err := s.build(s.opts())
	if err != nil {
		return err
	}
	defer e.close()

	diff := e.db.Diff()
	if e.cheats.Forked() {
		logger.Debug("setUp selected a fork, tests repeat the setup", "contract", s.contract.ID)
		s.reset = true
	} else {
		s.base = overlay.Clone()
		s.base.Apply(diff)
		s.block = captureEnv(e.exec.EVM(), s.cfg.GasLimit)
	}
	s.learn(e, diff)
	s.fixtures = s.loadFixtures(e)
	if len(s.fns.invariants) > 0 {
		s.targets = s.loadTargets(e)
	}
	return nil
}

// learn seeds the fuzz dictionary with what setUp left behind and records
// the contracts it created.
func (s *suite) learn(e *env, diff *state.Diff) {
	system := mapset.NewThreadUnsafeSet(s.address, cheatcode.Address, s.cfg.Sender)
	system.Append(s.libraryAt...)
	for addr, acc := range diff.Accounts {
		if acc.Info == nil {
			continue
		}
		s.dict.AddAddress(addr)
		code := e.db.GetCode(addr)
		if len(code) == 0 {
			continue
		}
		s.dict.AddCode(code)
		if !system.Contains(addr) {
			s.deployed = append(s.deployed, addr)
		}
	}
	slices.SortFunc(s.deployed, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	s.dict.AddLogs(e.logs)
}

// fresh returns an env in the state setUp left.
func (s *suite) fresh(opts envOptions) (*env, error) {
	if s.reset {
		e, _, err := s.build(opts)
		return e, err
	}
	e := newEnv(s.cfg, s.base.Clone(), s.block, opts)
	e.cheats.MakePersistent(s.address, s.cfg.Sender)
	return e, nil
}

func (s *suite) setupFailure(err error) *Result {
	res := &Result{Name: "setUp()", Kind: Unit, Status: Failure, Reason: err.Error()}
	var se *setupError
	if errors.As(err, &se) {
		res.Logs = se.logs
	}
	return res
}

// loadFixtures calls the fixture functions. Their arrays feed the fuzz
// parameters of the same name.
func (s *suite) loadFixtures(e *env) map[string]fixture {
	out := make(map[string]fixture, len(s.fns.fixtures))
	for name, m := range s.fns.fixtures {
		t := m.Outputs[0].Type
		if t.Elem == nil || (t.T != abi.SliceTy && t.T != abi.ArrayTy) {
			s.warn("fixture %s does not return an array", m.Name)
			continue
		}
		vals, err := e.view(s.cfg.Sender, s.address, m)
		if err != nil {
			s.warn("fixture %s: %v", m.Name, err)
			continue
		}
		v := reflect.ValueOf(vals[0])
		fx := fixture{elem: t.Elem.String()}
		for i := 0; i < v.Len(); i++ {
			fx.values = append(fx.values, v.Index(i).Interface())
		}
		out[name] = fx
	}
	return out
}

// fixturesFor returns the fixtures whose element type matches the
// parameter they are named after.
func (s *suite) fixturesFor(m abi.Method) map[string][]any {
	out := make(map[string][]any)
	for _, in := range m.Inputs {
		if fx, ok := s.fixtures[in.Name]; ok && fx.elem == in.Type.String() {
			out[in.Name] = fx.values
		}
	}
	return out
}

// addresses calls an address[] returning configuration function of the
// test contract, nil when it is not defined.
func (s *suite) addresses(e *env, name string) []common.Address {
	m, ok := s.contract.ABI.Methods[name]
	if !ok || len(m.Inputs) != 0 || len(m.Outputs) != 1 {
		return nil
	}
	vals, err := e.view(s.cfg.Sender, s.address, m)
	if err != nil {
		s.warn("%s: %v", name, err)
		return nil
	}
	list, ok := vals[0].([]common.Address)
	if !ok {
		s.warn("%s does not return address[]", name)
		return nil
	}
	return list
}

// selectors reads targetSelectors, an array of (address, bytes4[]).
func (s *suite) selectors(e *env) ([]common.Address, map[common.Address][][4]byte) {
	m, ok := s.contract.ABI.Methods["targetSelectors"]
	if !ok || len(m.Inputs) != 0 || len(m.Outputs) != 1 {
		return nil, nil
	}
	vals, err := e.view(s.cfg.Sender, s.address, m)
	if err != nil {
		s.warn("targetSelectors: %v", err)
		return nil, nil
	}
	v := reflect.ValueOf(vals[0])
	if v.Kind() != reflect.Slice {
		return nil, nil
	}
	var order []common.Address
	out := make(map[common.Address][][4]byte)
	for i := 0; i < v.Len(); i++ {
		item := v.Index(i)
		if item.Kind() != reflect.Struct || item.NumField() < 2 {
			continue
		}
		addr, ok := item.Field(0).Interface().(common.Address)
		if !ok {
			continue
		}
		sels, ok := item.Field(1).Interface().([][4]byte)
		if !ok {
			continue
		}
		if _, seen := out[addr]; !seen {
			order = append(order, addr)
		}
		out[addr] = append(out[addr], sels...)
	}
	return order, out
}

// loadTargets resolves the contracts, functions and senders invariant
// campaigns call. Without targetContracts every contract created by setUp
// is a target.
func (s *suite) loadTargets(e *env) *invariantTargets {
	candidates := s.addresses(e, "targetContracts")
	if len(candidates) == 0 {
		candidates = slices.Clone(s.deployed)
	}
	order, selectors := s.selectors(e)
	for _, addr := range order {
		if !slices.Contains(candidates, addr) {
			candidates = append(candidates, addr)
		}
	}
	excluded := mapset.NewThreadUnsafeSet(s.addresses(e, "excludeContracts")...)
	excluded.Append(cheatcode.Address, inspector.ConsoleAddress)
	excluded.Append(s.libraryAt...)

	t := &invariantTargets{}
	for _, addr := range candidates {
		if excluded.Contains(addr) {
			continue
		}
		target, err := s.target(e, addr, selectors[addr])
		if err != nil {
			s.warn("%v", err)
			continue
		}
		t.targets = append(t.targets, target)
	}
	t.senders = s.addresses(e, "targetSenders")
	t.excluded = append(s.addresses(e, "excludeSenders"), cheatcode.Address, inspector.ConsoleAddress, s.address)
	return t
}

func (s *suite) target(e *env, addr common.Address, selectors [][4]byte) (fuzz.Target, error) {
	a := s.contract
	if addr != s.address {
		code := s.r.decoder.Identify(e.db.GetCode(addr), false)
		if code == nil {
			return fuzz.Target{}, fmt.Errorf("invariant target %s is not a known contract", addr.Hex())
		}
		a = code.Contract
	}
	t := fuzz.Target{Address: addr, Name: a.ID.Name}
	for _, m := range a.ABI.Methods {
		if len(selectors) > 0 {
			if !slices.ContainsFunc(selectors, func(sel [4]byte) bool { return bytes.Equal(sel[:], m.ID) }) {
				continue
			}
		} else if !isTargetable(m) {
			continue
		}
		t.Methods = append(t.Methods, m)
	}
	sort.Slice(t.Methods, func(i, j int) bool { return t.Methods[i].Sig < t.Methods[j].Sig })
	return t, nil
}

// verdict decides a test execution.
func (s *suite) verdict(e *env, out *geth.Outcome, expectFail bool) (Status, string) {
	if e.cheats.Skipped() {
		return Skipped, ""
	}
	var reason string
	switch {
	case !out.Succeeded():
		reason = describeOutcome(out)
	case e.failed():
		reason = "assertion failed"
	default:
		if err := e.cheats.Verify(); err != nil {
			reason = err.Error()
		}
	}
	failed := reason != ""
	switch {
	case expectFail && failed:
		return Success, ""
	case expectFail:
		return Failure, "expected the test to fail"
	case failed:
		return Failure, reason
	}
	return Success, ""
}

// step is one call of a replayed failure.
type step struct {
	from common.Address
	to   common.Address
	data []byte
}

// trace replays a failure with step tracing and decodes the stack trace of
// its last call. Failures that depend on an environment the replay cannot
// reproduce are not replayed.
func (s *suite) trace(steps []step, impure []string) *StackTrace {
	switch {
	case !s.cfg.StackTraces:
		return nil
	case len(impure) > 0:
		return &StackTrace{UnsafeToReplay: true, Impure: impure}
	case s.cfg.Fork != nil && s.cfg.Fork.BlockNumber == nil:
		return &StackTrace{UnsafeToReplay: true}
	}
	e, err := s.fresh(envOptions{forker: s.r.forker, trace: true})
	if err != nil {
		return &StackTrace{Error: err.Error()}
	}
	defer e.close()
	for i, st := range steps {
		if i == len(steps)-1 {
			e.tracer.Reset()
		}
		if _, err := e.call(st.from, &st.to, st.data, nil); err != nil {
			return &StackTrace{Error: err.Error()}
		}
	}
	root := e.tracer.Root()
	if root == nil {
		return &StackTrace{Error: "replay recorded no call"}
	}
	return &StackTrace{Entries: s.r.decoder.StackTrace(root, e.codes)}
}

// Package fuzz generates inputs for Solidity fuzz and invariant tests.
// Fuzz tests call one function with random arguments; invariant tests
// call random functions of the target contracts in sequence and check
// the invariants in between. Failing inputs are shrunk before they are
// reported.
package fuzz

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/solidity"
)

var logger = log.Module("fuzz")

// Status classifies one execution of a test.
type Status uint8

const (
	Pass Status = iota
	Fail
	// Reject means vm.assume discarded the input.
	Reject
)

// Outcome is the result of executing one input.
type Outcome struct {
	Status  Status
	GasUsed uint64
	Reason  string
}

// Failure is the shrunk counterexample of a failed fuzz test.
type Failure struct {
	Args     []any
	Calldata []byte
	Reason   string
	// Shrinks counts the accepted shrinking steps.
	Shrinks int
	// Persisted is set when the failure was replayed from the store.
	Persisted bool
}

// Report summarizes a fuzz campaign.
type Report struct {
	Seed      int64
	Runs      int
	Rejects   int
	MeanGas   uint64
	MedianGas uint64
	Failure   *Failure
}

// MaxAssumeRejectsError is returned when vm.assume rejected more inputs
// than allowed.
type MaxAssumeRejectsError struct {
	Rejects uint32
}

func (e *MaxAssumeRejectsError) Error() string {
	return fmt.Sprintf("the test was rejected too many times by vm.assume (%d)", e.Rejects)
}

// Seed returns the configured seed or a random one.
func Seed(cfg solidity.FuzzConfig) int64 {
	if cfg.Seed != nil {
		return int64(*cfg.Seed)
	}
	var b [8]byte
	crand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Encode returns the calldata calling method with args.
func Encode(method abi.Method, args []any) ([]byte, error) {
	packed, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, err
	}
	return append(slices.Clone(method.ID), packed...), nil
}

// FormatArgs renders arguments the way they appear in test reports.
func FormatArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = formatArg(a)
	}
	return strings.Join(parts, ", ")
}

func formatArg(a any) string {
	switch v := a.(type) {
	case []byte:
		return hexutil.Encode(v)
	case string:
		return fmt.Sprintf("%q", v)
	case common.Address:
		return v.Hex()
	case [32]byte:
		return common.Hash(v).Hex()
	}
	return fmt.Sprint(a)
}

// Option configures a Fuzzer.
type Option func(*Fuzzer)

// WithDictionary draws values from dict.
func WithDictionary(dict *Dictionary) Option {
	return func(f *Fuzzer) { f.dict = dict }
}

// WithFixtures draws the parameters named in fixtures from their values.
func WithFixtures(fixtures map[string][]any) Option {
	return func(f *Fuzzer) { f.fixtures = fixtures }
}

// WithStore replays and records failures in store under key.
func WithStore(store *Store, key string) Option {
	return func(f *Fuzzer) { f.store, f.key = store, key }
}

// WithSeed overrides the configured seed.
func WithSeed(seed int64) Option {
	return func(f *Fuzzer) { f.seed = seed }
}

// Fuzzer runs one fuzz test.
type Fuzzer struct {
	cfg      solidity.FuzzConfig
	method   abi.Method
	seed     int64
	dict     *Dictionary
	fixtures map[string][]any
	store    *Store
	key      string
}

// New returns a fuzzer for method.
func New(cfg solidity.FuzzConfig, method abi.Method, opts ...Option) *Fuzzer {
	f := &Fuzzer{cfg: cfg, method: method, seed: Seed(cfg)}
	for _, opt := range opts {
		opt(f)
	}
	if f.dict == nil {
		f.dict = NewDictionary()
	}
	return f
}

// Run executes the campaign. A persisted failure is replayed before any
// new input; when it still fails the campaign stops there.
func (f *Fuzzer) Run(ctx context.Context, exec func(calldata []byte) Outcome) (*Report, error) {
	report := &Report{Seed: f.seed}
	if failure := f.replay(exec); failure != nil {
		report.Runs = 1
		report.Failure = failure
		return report, nil
	}

	gen := NewGenerator(f.seed, f.dict, f.cfg.DictionaryWeight)
	gen.SetFixtures(f.fixtures)

	var gas []uint64
	for uint32(report.Runs) < f.cfg.Runs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		args := gen.Args(f.method.Inputs)
		calldata, err := Encode(f.method, args)
		if err != nil {
			return report, fmt.Errorf("encode %s arguments: %w", f.method.Sig, err)
		}
		out := exec(calldata)
		switch out.Status {
		case Reject:
			report.Rejects++
			if uint32(report.Rejects) > f.cfg.MaxTestRejects {
				return report, &MaxAssumeRejectsError{Rejects: f.cfg.MaxTestRejects}
			}
			continue
		case Fail:
			report.Runs++
			report.Failure = f.minimize(args, out.Reason, exec)
			f.persist(report.Failure.Calldata)
			report.MeanGas, report.MedianGas = gasStats(gas)
			return report, nil
		}
		report.Runs++
		gas = append(gas, out.GasUsed)
	}
	report.MeanGas, report.MedianGas = gasStats(gas)
	return report, nil
}

func (f *Fuzzer) replay(exec func([]byte) Outcome) *Failure {
	if f.store == nil {
		return nil
	}
	calldata, ok, err := f.store.Load(f.key)
	if err != nil {
		logger.Warn("Failed to read fuzz failures", "test", f.key, "err", err)
		return nil
	}
	if !ok || len(calldata) < 4 || !slices.Equal(calldata[:4], f.method.ID) {
		return nil
	}
	args, err := f.method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil
	}
	out := exec(calldata)
	if out.Status != Fail {
		if err := f.store.Delete(f.key); err != nil {
			logger.Warn("Failed to drop fuzz failure", "test", f.key, "err", err)
		}
		return nil
	}
	return &Failure{Args: args, Calldata: calldata, Reason: out.Reason, Persisted: true}
}

func (f *Fuzzer) minimize(args []any, reason string, exec func([]byte) Outcome) *Failure {
	fails := func(trial []any) bool {
		calldata, err := Encode(f.method, trial)
		if err != nil {
			return false
		}
		return exec(calldata).Status == Fail
	}
	shrunk, steps := shrink(f.method.Inputs, args, f.cfg.ShrinkRunLimit, fails)
	calldata, _ := Encode(f.method, shrunk)
	if steps > 0 {
		if out := exec(calldata); out.Status == Fail {
			reason = out.Reason
		}
	}
	return &Failure{Args: shrunk, Calldata: calldata, Reason: reason, Shrinks: steps}
}

func (f *Fuzzer) persist(calldata []byte) {
	if f.store == nil {
		return
	}
	if err := f.store.Save(f.key, calldata); err != nil {
		logger.Warn("Failed to persist fuzz failure", "test", f.key, "err", err)
	}
}

func gasStats(gas []uint64) (mean, median uint64) {
	if len(gas) == 0 {
		return 0, 0
	}
	var sum uint64
	for _, g := range gas {
		sum += g
	}
	sorted := slices.Clone(gas)
	slices.Sort(sorted)
	return sum / uint64(len(gas)), sorted[len(sorted)/2]
}

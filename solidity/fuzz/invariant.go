package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/solidity"
)

// ErrNoTargets is returned when no contract exposes a function to call.
var ErrNoTargets = errors.New("no target contracts or functions to fuzz")

// Target is a contract invariant campaigns call into.
type Target struct {
	Address common.Address
	Name    string
	// Methods are the functions that may be called. Selection by
	// targetSelectors and the exclusion of views happen before.
	Methods []abi.Method
}

// Call is one step of an invariant sequence.
type Call struct {
	Sender   common.Address
	Target   common.Address
	Contract string
	Method   abi.Method
	Args     []any
	Calldata []byte
}

func (c *Call) String() string {
	return fmt.Sprintf("sender=%s addr=[%s]%s calldata=%s(%s)",
		c.Sender.Hex(), c.Contract, c.Target.Hex(), c.Method.Name, FormatArgs(c.Args))
}

// Executor runs the calls of invariant campaigns.
type Executor interface {
	// Reset restores the state every sequence starts from.
	Reset() error
	// Call executes one call. Fail means the call reverted.
	Call(c *Call) Outcome
	// Check runs the invariant functions and reports the first failure.
	Check() (invariant, reason string, failed bool)
	// AfterRun runs the afterInvariant hook at the end of a sequence.
	AfterRun() (reason string, failed bool)
}

// InvariantFailure describes a broken invariant.
type InvariantFailure struct {
	// Invariant names the broken invariant. It is empty when a revert
	// failed the campaign or afterInvariant did.
	Invariant string
	Reason    string
	// Revert is set when the last call reverted under fail_on_revert.
	Revert   bool
	Sequence []*Call
}

// InvariantReport summarizes a campaign.
type InvariantReport struct {
	Seed    int64
	Runs    int
	Calls   int
	Reverts int
	Failure *InvariantFailure
}

// Campaign calls random functions of its targets in random sequences.
type Campaign struct {
	cfg      solidity.InvariantConfig
	targets  []Target
	senders  []common.Address
	excluded mapset.Set[common.Address]
	fallback common.Address
	seed     int64
	gen      *Generator
	rng      *rand.Rand
}

// NewCampaign returns a campaign over targets. Calls are sent from
// senders when given and from random addresses not in excluded
// otherwise; fallback is used when no random address qualifies.
func NewCampaign(cfg solidity.InvariantConfig, fuzz solidity.FuzzConfig, targets []Target, senders []common.Address, excluded []common.Address, fallback common.Address, dict *Dictionary) (*Campaign, error) {
	targets = slices.DeleteFunc(slices.Clone(targets), func(t Target) bool { return len(t.Methods) == 0 })
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	seed := Seed(fuzz)
	ex := mapset.NewThreadUnsafeSet(excluded...)
	return &Campaign{
		cfg:      cfg,
		targets:  targets,
		senders:  slices.DeleteFunc(slices.Clone(senders), func(a common.Address) bool { return ex.Contains(a) }),
		excluded: ex,
		fallback: fallback,
		seed:     seed,
		gen:      NewGenerator(seed, dict, fuzz.DictionaryWeight),
		rng:      rand.New(rand.NewSource(seed ^ 0x5eed)),
	}, nil
}

func (c *Campaign) sender() common.Address {
	if len(c.senders) > 0 {
		return c.senders[c.rng.Intn(len(c.senders))]
	}
	for i := 0; i < 8; i++ {
		if a := c.gen.address(); a != (common.Address{}) && !c.excluded.Contains(a) {
			return a
		}
	}
	return c.fallback
}

func (c *Campaign) next() (*Call, error) {
	t := c.targets[c.rng.Intn(len(c.targets))]
	m := t.Methods[c.rng.Intn(len(t.Methods))]
	args := c.gen.Args(m.Inputs)
	calldata, err := Encode(m, args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", m.Sig, err)
	}
	return &Call{Sender: c.sender(), Target: t.Address, Contract: t.Name, Method: m, Args: args, Calldata: calldata}, nil
}

// Run executes the campaign and shrinks the first failing sequence.
func (c *Campaign) Run(ctx context.Context, ex Executor) (*InvariantReport, error) {
	report := &InvariantReport{Seed: c.seed}
	if err := ex.Reset(); err != nil {
		return report, err
	}
	if name, reason, failed := ex.Check(); failed {
		report.Failure = &InvariantFailure{Invariant: name, Reason: reason}
		return report, nil
	}
	for uint32(report.Runs) < c.cfg.Runs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := ex.Reset(); err != nil {
			return report, err
		}
		report.Runs++
		var seq []*Call
		for d := uint32(0); d < c.cfg.Depth; d++ {
			call, err := c.next()
			if err != nil {
				return report, err
			}
			seq = append(seq, call)
			report.Calls++
			failure := c.step(ex, call, &report.Reverts)
			if failure == nil && !c.cfg.CheckAtEnd {
				failure = check(ex)
			}
			if failure != nil {
				failure.Sequence = seq
				report.Failure = c.minimize(ex, failure)
				return report, nil
			}
		}
		if failure := c.finish(ex); failure != nil {
			failure.Sequence = seq
			report.Failure = c.minimize(ex, failure)
			return report, nil
		}
	}
	return report, nil
}

// step executes a call and reports a revert failure under fail_on_revert.
func (c *Campaign) step(ex Executor, call *Call, reverts *int) *InvariantFailure {
	out := ex.Call(call)
	if out.Status != Fail {
		return nil
	}
	*reverts++
	if c.cfg.FailOnRevert {
		return &InvariantFailure{Reason: out.Reason, Revert: true}
	}
	return nil
}

func check(ex Executor) *InvariantFailure {
	if name, reason, failed := ex.Check(); failed {
		return &InvariantFailure{Invariant: name, Reason: reason}
	}
	return nil
}

// finish runs the end of sequence checks.
func (c *Campaign) finish(ex Executor) *InvariantFailure {
	if c.cfg.CheckAtEnd {
		if f := check(ex); f != nil {
			return f
		}
	}
	if reason, failed := ex.AfterRun(); failed {
		return &InvariantFailure{Reason: reason}
	}
	return nil
}

// reproduces replays seq from a fresh state and reports whether it fails
// the same way as want.
func (c *Campaign) reproduces(ex Executor, seq []*Call, want *InvariantFailure) bool {
	if ex.Reset() != nil {
		return false
	}
	var reverts int
	for _, call := range seq {
		f := c.step(ex, call, &reverts)
		if f == nil && !c.cfg.CheckAtEnd {
			f = check(ex)
		}
		if f != nil {
			return sameFailure(f, want)
		}
	}
	f := c.finish(ex)
	return f != nil && sameFailure(f, want)
}

func sameFailure(a, b *InvariantFailure) bool {
	return a.Revert == b.Revert && a.Invariant == b.Invariant
}

// minimize drops calls from the failing sequence while it still fails,
// spending at most ShrinkRunLimit replays.
func (c *Campaign) minimize(ex Executor, failure *InvariantFailure) *InvariantFailure {
	seq := failure.Sequence
	var runs uint32
	for improved := true; improved && runs < c.cfg.ShrinkRunLimit; {
		improved = false
		for i := 0; i < len(seq) && runs < c.cfg.ShrinkRunLimit; i++ {
			trial := slices.Delete(slices.Clone(seq), i, i+1)
			runs++
			if c.reproduces(ex, trial, failure) {
				seq = trial
				improved = true
				i--
			}
		}
	}
	failure.Sequence = seq
	return failure
}

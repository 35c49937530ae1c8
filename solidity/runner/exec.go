package runner

import (
	"bytes"
	"context"
	"errors"
	"slices"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/edrgo/edr/solidity/cheatcode"
	"github.com/edrgo/edr/solidity/fuzz"
)

func errored(res *Result, err error) *Result {
	res.Status = Failure
	res.Reason = err.Error()
	return res
}

func (s *suite) runUnit(tf testFunction) *Result {
	res := &Result{Name: tf.method.Sig, Kind: Unit}
	e, err := s.fresh(s.opts())
	if err != nil {
		return errored(res, err)
	}
	defer e.close()

	out, err := e.call(s.cfg.Sender, &s.address, tf.method.ID, nil)
	if err != nil {
		return errored(res, err)
	}
	res.GasUsed = out.GasUsed
	res.Logs = e.console.Lines()
	res.Status, res.Reason = s.verdict(e, out, tf.expectFail)
	if res.Status == Failure && !tf.expectFail {
		res.Trace = s.trace([]step{{from: s.cfg.Sender, to: s.address, data: tf.method.ID}}, e.cheats.Impure())
	}
	return res
}

// failedRun is what a failing fuzz execution left to report.
type failedRun struct {
	impure []string
	logs   []string
}

// runFuzz returns nil when ctx was cancelled.
func (s *suite) runFuzz(ctx context.Context, tf testFunction) *Result {
	res := &Result{Name: tf.method.Sig, Kind: Fuzz}
	key := fuzz.Key(s.contract.ID.String(), tf.method.Sig)
	f := fuzz.New(s.cfg.Fuzz, tf.method,
		fuzz.WithDictionary(s.dict),
		fuzz.WithFixtures(s.fixturesFor(tf.method)),
		fuzz.WithStore(s.r.store, key))

	var skipped bool
	failures := make(map[string]failedRun)
	exec := func(calldata []byte) fuzz.Outcome {
		e, err := s.fresh(s.opts())
		if err != nil {
			return fuzz.Outcome{Status: fuzz.Fail, Reason: err.Error()}
		}
		defer e.close()
		out, err := e.call(s.cfg.Sender, &s.address, calldata, nil)
		if err != nil {
			return fuzz.Outcome{Status: fuzz.Fail, Reason: err.Error()}
		}
		s.dict.AddLogs(out.Logs)
		if e.cheats.Rejected() || bytes.Equal(out.Output, cheatcode.AssumeMagic) {
			return fuzz.Outcome{Status: fuzz.Reject}
		}
		status, reason := s.verdict(e, out, tf.expectFail)
		switch status {
		case Skipped:
			skipped = true
		case Failure:
			failures[string(calldata)] = failedRun{impure: e.cheats.Impure(), logs: e.console.Lines()}
			return fuzz.Outcome{Status: fuzz.Fail, GasUsed: out.GasUsed, Reason: reason}
		}
		return fuzz.Outcome{Status: fuzz.Pass, GasUsed: out.GasUsed}
	}

	report, err := f.Run(ctx, exec)
	var rejects *fuzz.MaxAssumeRejectsError
	switch {
	case errors.As(err, &rejects):
		if report != nil {
			res.Runs = report.Runs
		}
		return errored(res, err)
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return errored(res, err)
	}

	seed := report.Seed
	res.Seed = &seed
	res.Runs = report.Runs
	res.GasUsed = report.MeanGas
	if skipped {
		res.Status = Skipped
		return res
	}
	if report.Failure == nil {
		res.Status = Success
		return res
	}
	fail := report.Failure
	res.Status = Failure
	res.Reason = fail.Reason
	res.Counterexample = &Counterexample{Calldata: hexutil.Bytes(fail.Calldata), Args: fuzz.FormatArgs(fail.Args)}
	run := failures[string(fail.Calldata)]
	res.Logs = run.logs
	if !tf.expectFail {
		res.Trace = s.trace([]step{{from: s.cfg.Sender, to: s.address, data: fail.Calldata}}, run.impure)
	}
	return res
}

// runInvariant returns nil when ctx was cancelled.
func (s *suite) runInvariant(ctx context.Context, tf testFunction) *Result {
	res := &Result{Name: tf.method.Sig, Kind: Invariant}
	if s.targets == nil {
		return errored(res, fuzz.ErrNoTargets)
	}
	campaign, err := fuzz.NewCampaign(s.cfg.Invariant, s.cfg.Fuzz, s.targets.targets, s.targets.senders, s.targets.excluded, s.cfg.Sender, s.dict)
	if err != nil {
		return errored(res, err)
	}
	x := &invariantExecutor{s: s, invariant: tf.method}
	defer x.close()
	report, err := campaign.Run(ctx, x)
	switch {
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return errored(res, err)
	}

	seed := report.Seed
	res.Seed = &seed
	res.Runs = report.Runs
	res.Calls = report.Calls
	res.Reverts = report.Reverts
	if report.Failure == nil {
		res.Status = Success
		return res
	}
	fail := report.Failure
	res.Status = Failure
	res.Reason = fail.Reason
	if fail.Invariant != "" && fail.Invariant != tf.method.Sig {
		res.Reason = fail.Invariant + ": " + fail.Reason
	}
	if len(fail.Sequence) > 0 {
		res.Counterexample = &Counterexample{}
		for _, c := range fail.Sequence {
			res.Counterexample.Sequence = append(res.Counterexample.Sequence, c.String())
		}
	}

	steps := make([]step, 0, len(fail.Sequence)+1)
	for _, c := range fail.Sequence {
		steps = append(steps, step{from: c.Sender, to: c.Target, data: c.Calldata})
	}
	switch {
	case fail.Revert:
	case fail.Invariant != "":
		steps = append(steps, step{from: s.cfg.Sender, to: s.address, data: tf.method.ID})
	case s.fns.afterInvariant != nil:
		steps = append(steps, step{from: s.cfg.Sender, to: s.address, data: s.fns.afterInvariant.ID})
	}
	if len(steps) > 0 {
		res.Trace = s.trace(steps, x.replayImpure(fail.Sequence))
	}
	return res
}

// invariantExecutor runs campaign sequences against the state setUp left.
type invariantExecutor struct {
	s         *suite
	invariant abi.Method
	env       *env
	// impure collects the impure cheatcodes seen by any sequence.
	impure []string
}

func (x *invariantExecutor) close() {
	if x.env != nil {
		x.collectImpure()
		x.env.close()
		x.env = nil
	}
}

func (x *invariantExecutor) collectImpure() {
	for _, name := range x.env.cheats.Impure() {
		if !slices.Contains(x.impure, name) {
			x.impure = append(x.impure, name)
		}
	}
}

func (x *invariantExecutor) Reset() error {
	x.close()
	e, err := x.s.fresh(x.s.opts())
	if err != nil {
		return err
	}
	x.env = e
	return nil
}

func (x *invariantExecutor) Call(c *fuzz.Call) fuzz.Outcome {
	out, err := x.env.call(c.Sender, &c.Target, c.Calldata, nil)
	if err != nil {
		return fuzz.Outcome{Status: fuzz.Fail, Reason: err.Error()}
	}
	x.s.dict.AddLogs(out.Logs)
	switch {
	case out.Succeeded():
		return fuzz.Outcome{Status: fuzz.Pass, GasUsed: out.GasUsed}
	case bytes.Equal(out.Output, cheatcode.AssumeMagic):
		return fuzz.Outcome{Status: fuzz.Reject, GasUsed: out.GasUsed}
	}
	return fuzz.Outcome{Status: fuzz.Fail, GasUsed: out.GasUsed, Reason: describeOutcome(out)}
}

// Check calls the invariant. A revert, a failed assertion or a false
// return value break it.
func (x *invariantExecutor) Check() (string, string, bool) {
	name := x.invariant.Sig
	out, err := x.env.call(x.s.cfg.Sender, &x.s.address, x.invariant.ID, nil)
	if err != nil {
		return name, err.Error(), true
	}
	if !out.Succeeded() {
		return name, describeOutcome(out), true
	}
	if x.env.failed() {
		return name, "assertion failed", true
	}
	if len(x.invariant.Outputs) == 1 && x.invariant.Outputs[0].Type.T == abi.BoolTy {
		vals, err := x.invariant.Outputs.Unpack(out.Output)
		if err != nil {
			return name, err.Error(), true
		}
		if b, ok := vals[0].(bool); ok && !b {
			return name, "invariant returned false", true
		}
	}
	return "", "", false
}

func (x *invariantExecutor) AfterRun() (string, bool) {
	m := x.s.fns.afterInvariant
	if m == nil {
		return "", false
	}
	out, err := x.env.call(x.s.cfg.Sender, &x.s.address, m.ID, nil)
	if err != nil {
		return err.Error(), true
	}
	if !out.Succeeded() {
		return describeOutcome(out), true
	}
	if x.env.failed() {
		return "assertion failed", true
	}
	return "", false
}

// replayImpure reports the impure cheatcodes the shrunk sequence and the
// final check use. It is only needed when some sequence used one.
func (x *invariantExecutor) replayImpure(seq []*fuzz.Call) []string {
	if len(x.impure) == 0 {
		return nil
	}
	if err := x.Reset(); err != nil {
		return x.impure
	}
	for _, c := range seq {
		x.Call(c)
	}
	x.Check()
	impure := x.env.cheats.Impure()
	x.env.close()
	x.env = nil
	return impure
}

// Package runner executes the tests of compiled Solidity projects: unit
// tests, fuzz tests and invariant campaigns. Contracts run in parallel;
// the tests of one contract run one after the other, each from a copy of
// the state left by setUp.
package runner

import (
	"context"
	"math/big"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/metrics"
	"github.com/edrgo/edr/solidity"
	"github.com/edrgo/edr/solidity/artifact"
	"github.com/edrgo/edr/solidity/cheatcode"
	"github.com/edrgo/edr/solidity/fuzz"
	"github.com/edrgo/edr/stacktrace"
	"github.com/edrgo/edr/state"
)

var logger = log.Module("runner")

// Option configures a Runner.
type Option func(*Runner)

// WithFilter restricts the contracts and tests that run.
func WithFilter(f Filter) Option {
	return func(r *Runner) { r.filter = f }
}

// WithForker replaces the JSON-RPC forker used by the fork configuration
// and the fork cheatcodes.
func WithForker(f cheatcode.Forker) Option {
	return func(r *Runner) { r.forker = f }
}

// WithProgress registers a callback receiving each suite as it finishes.
// It may be called from several goroutines at once.
func WithProgress(fn func(*SuiteResult)) Option {
	return func(r *Runner) { r.progress = fn }
}

// Runner runs the test contracts of a project.
type Runner struct {
	cfg      solidity.Config
	project  *artifact.Project
	decoder  *stacktrace.Decoder
	store    *fuzz.Store
	filter   Filter
	forker   cheatcode.Forker
	closer   func()
	progress func(*SuiteResult)

	covMu    sync.Mutex
	coverage *inspector.Coverage
}

// New validates cfg and returns a runner for the project.
func New(cfg solidity.Config, project *artifact.Project, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InitialBalance == nil {
		cfg.InitialBalance = new(big.Int)
	}
	r := &Runner{
		cfg:     cfg,
		project: project,
		decoder: stacktrace.NewDecoder(project, cheatcode.Address),
		store:   fuzz.NewStore(cfg.FailurePersistPath()),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.forker == nil {
		var headers map[string]string
		if cfg.Fork != nil {
			headers = cfg.Fork.Headers
		}
		remote := cheatcode.NewRemoteForker(headers, cfg.RPCCachePath)
		r.forker, r.closer = remote, remote.Close
	}
	if cfg.Coverage {
		r.coverage = inspector.NewCoverage()
	}
	return r, nil
}

// Close releases the fork connections.
func (r *Runner) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// Coverage returns the instructions hit by every test so far, nil unless
// coverage is enabled.
func (r *Runner) Coverage() *inspector.Coverage { return r.coverage }

func (r *Runner) mergeCoverage(c *inspector.Coverage) {
	if r.coverage == nil || c == nil {
		return
	}
	r.covMu.Lock()
	defer r.covMu.Unlock()
	r.coverage.Merge(c)
}

// Suites lists the test contracts the filter selects, in project order.
func (r *Runner) Suites() []*artifact.Artifact {
	var out []*artifact.Artifact
	for _, a := range r.project.Artifacts {
		if !a.IsTest() || !a.IsDeployable() || !r.filter.matchContract(a.ID) {
			continue
		}
		if len(discover(a.ABI, r.filter).tests) == 0 {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Run executes every selected suite. A failing test never stops the
// others; the error is only set when the run could not start or ctx was
// cancelled.
func (r *Runner) Run(ctx context.Context) ([]*SuiteResult, error) {
	suites := r.Suites()
	if len(suites) == 0 {
		return nil, nil
	}
	root, block, err := r.root(ctx)
	if err != nil {
		return nil, err
	}

	limit := r.cfg.Parallelism
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	results := make([]*SuiteResult, len(suites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, a := range suites {
		g.Go(func() error {
			res := r.runSuite(gctx, a, root, block)
			results[i] = res
			if r.progress != nil {
				r.progress(res)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// root is the state and block every suite starts from: empty, or the
// configured fork.
func (r *Runner) root(ctx context.Context) (*state.Overlay, blockEnv, error) {
	block := initialEnv(&r.cfg)
	if r.cfg.Fork == nil {
		return state.NewOverlay(state.Empty{}), block, nil
	}
	url, err := r.cfg.ResolveEndpoint(r.cfg.Fork.URL)
	if err != nil {
		return nil, blockEnv{}, err
	}
	fork, err := r.forker.Fork(ctx, url, r.cfg.Fork.BlockNumber)
	if err != nil {
		return nil, blockEnv{}, err
	}
	logger.Info("Forked test environment", "url", url, "block", fork.Block, "chainId", fork.ChainID)
	h := block.header
	h.Number = new(big.Int).SetUint64(fork.Block)
	h.Time = fork.Header.Time
	h.Coinbase = fork.Header.Coinbase
	if fork.Header.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(fork.Header.BaseFee)
	}
	if fork.Header.Difficulty != nil {
		h.Difficulty = new(big.Int).Set(fork.Header.Difficulty)
	}
	h.MixDigest = fork.Header.MixDigest
	block.chainID = fork.ChainID
	return state.NewOverlay(fork.Reader), block, nil
}

func (r *Runner) runSuite(ctx context.Context, a *artifact.Artifact, root *state.Overlay, block blockEnv) *SuiteResult {
	start := time.Now()
	res := &SuiteResult{Contract: a.ID}
	defer func() { res.Elapsed = time.Since(start) }()

	s := newSuite(r, a, root.Clone(), block)
	if s.coverage != nil {
		defer r.mergeCoverage(s.coverage)
	}
	if err := s.prepare(); err != nil {
		logger.Warn("Test contract setup failed", "contract", a.ID, "err", err)
		res.Tests = []*Result{s.setupFailure(err)}
		metrics.TestsRun.WithLabelValues(Failure.String()).Inc()
		return res
	}
	res.Warnings = s.warnings
	for _, tf := range s.fns.tests {
		if ctx.Err() != nil {
			break
		}
		t0 := time.Now()
		var result *Result
		switch tf.kind {
		case Fuzz:
			result = s.runFuzz(ctx, tf)
		case Invariant:
			result = s.runInvariant(ctx, tf)
		default:
			result = s.runUnit(tf)
		}
		if result == nil {
			break
		}
		result.Elapsed = time.Since(t0)
		metrics.TestsRun.WithLabelValues(result.Status.String()).Inc()
		logger.Debug("Test finished", "contract", a.ID, "test", result.Name, "status", result.Status, "elapsed", result.Elapsed)
		res.Tests = append(res.Tests, result)
	}
	return res
}

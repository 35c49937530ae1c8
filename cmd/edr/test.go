package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/solidity"
	"github.com/edrgo/edr/solidity/artifact"
	"github.com/edrgo/edr/solidity/runner"
)

var (
	rootFlag = &cli.StringFlag{
		Name:  "root",
		Usage: "project root",
		Value: ".",
	}
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "artifacts directory, relative to the root",
		Value: "out",
	}
	matchContractFlag = &cli.StringFlag{
		Name:  "match-contract",
		Usage: "only run contracts whose id matches the regular expression",
	}
	matchTestFlag = &cli.StringFlag{
		Name:  "match-test",
		Usage: "only run tests whose name matches the regular expression",
	}
	fuzzRunsFlag = &cli.UintFlag{
		Name:  "fuzz-runs",
		Usage: "inputs generated per fuzz test",
	}
	fuzzSeedFlag = &cli.Uint64Flag{
		Name:  "fuzz-seed",
		Usage: "seed of the fuzz and invariant generators",
	}
	testForkURLFlag = &cli.StringFlag{
		Name:  "fork-url",
		Usage: "fork the test environment from this endpoint or alias",
	}
	testForkBlockFlag = &cli.Uint64Flag{
		Name:  "fork-block-number",
		Usage: "block to fork the test environment at",
	}
	coverageFlag = &cli.BoolFlag{
		Name:  "coverage",
		Usage: "collect instruction coverage into cache/coverage.json",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print the results as JSON",
	}
	jobsFlag = &cli.IntFlag{
		Name:    "jobs",
		Aliases: []string{"j"},
		Usage:   "test contracts run in parallel (0 = number of CPUs)",
	}
	stackTracesFlag = &cli.BoolFlag{
		Name:  "stack-traces",
		Usage: "replay failures to print Solidity stack traces",
		Value: true,
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "print console.log output of passing tests",
	}
)

var testCommand = &cli.Command{
	Name:  "test",
	Usage: "Run the Solidity tests of a compiled project",
	Flags: []cli.Flag{
		rootFlag, outFlag, matchContractFlag, matchTestFlag, fuzzRunsFlag, fuzzSeedFlag,
		testForkURLFlag, testForkBlockFlag, coverageFlag, jsonFlag, jobsFlag, stackTracesFlag, verboseFlag,
	},
	Action: runTests,
}

// applyTestFlags overlays the flags the user set on cfg.
func applyTestFlags(c *cli.Context, cfg *Config) {
	if c.IsSet(rootFlag.Name) || cfg.Test.ProjectRoot == "" {
		cfg.Test.ProjectRoot = c.String(rootFlag.Name)
	}
	if c.IsSet(fuzzRunsFlag.Name) {
		cfg.Test.Fuzz.Runs = uint32(c.Uint(fuzzRunsFlag.Name))
	}
	if c.IsSet(fuzzSeedFlag.Name) {
		seed := c.Uint64(fuzzSeedFlag.Name)
		cfg.Test.Fuzz.Seed = &seed
	}
	if c.IsSet(testForkURLFlag.Name) {
		if cfg.Test.Fork == nil {
			cfg.Test.Fork = &solidity.ForkConfig{}
		}
		cfg.Test.Fork.URL = c.String(testForkURLFlag.Name)
	}
	if c.IsSet(testForkBlockFlag.Name) && cfg.Test.Fork != nil {
		n := c.Uint64(testForkBlockFlag.Name)
		cfg.Test.Fork.BlockNumber = &n
	}
	if c.IsSet(coverageFlag.Name) {
		cfg.Test.Coverage = c.Bool(coverageFlag.Name)
	}
	if c.IsSet(jobsFlag.Name) {
		cfg.Test.Parallelism = c.Int(jobsFlag.Name)
	}
	if c.IsSet(stackTracesFlag.Name) {
		cfg.Test.StackTraces = c.Bool(stackTracesFlag.Name)
	}
}

func testFilter(c *cli.Context) (runner.Filter, error) {
	var (
		f   runner.Filter
		err error
	)
	if p := c.String(matchContractFlag.Name); p != "" {
		if f.Contract, err = regexp.Compile(p); err != nil {
			return f, fmt.Errorf("--%s: %w", matchContractFlag.Name, err)
		}
	}
	if p := c.String(matchTestFlag.Name); p != "" {
		if f.Test, err = regexp.Compile(p); err != nil {
			return f, fmt.Errorf("--%s: %w", matchTestFlag.Name, err)
		}
	}
	return f, nil
}

func runTests(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	applyTestFlags(c, &cfg)
	filter, err := testFilter(c)
	if err != nil {
		return err
	}

	project, err := artifact.LoadDir(cfg.Test.ProjectRoot, c.String(outFlag.Name))
	if err != nil {
		return err
	}

	asJSON := c.Bool(jsonFlag.Name)
	rep := newReporter(c.App.Writer, c.Bool(verboseFlag.Name))
	opts := []runner.Option{runner.WithFilter(filter)}
	if !asJSON {
		opts = append(opts, runner.WithProgress(rep.suite))
	}
	r, err := runner.New(cfg.Test, project, opts...)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	results, err := r.Run(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else if len(results) == 0 {
		fmt.Fprintln(c.App.Writer, "No tests found")
	} else {
		rep.summary(time.Since(start))
	}

	if cov := r.Coverage(); cov != nil {
		if err := writeCoverage(filepath.Join(cfg.Test.ProjectRoot, "cache", "coverage.json"), cov); err != nil {
			return err
		}
	}
	for _, s := range results {
		if s != nil && s.Failed() {
			return cli.Exit("", 1)
		}
	}
	return nil
}

// writeCoverage stores the program counters hit per code hash.
func writeCoverage(path string, cov *inspector.Coverage) error {
	hits := cov.Hits()
	out := make(map[string][]uint64, len(hits))
	for h, pcs := range hits {
		out[h.Hex()] = pcs
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

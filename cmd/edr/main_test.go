package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/edrgo/edr/provider"
	"github.com/edrgo/edr/rpc"
	"github.com/edrgo/edr/solidity/artifact"
	"github.com/edrgo/edr/solidity/runner"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edr.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "l1", cfg.Chain)
	assert.Equal(t, rpc.DefaultConfig().Port, cfg.RPC.Port)
	assert.Equal(t, provider.DefaultConfig().ChainID, cfg.Node.ChainID)
	assert.Equal(t, uint32(256), cfg.Test.Fuzz.Runs)
	assert.True(t, cfg.Test.StackTraces)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `chain = "op"

[log]
level = "debug"

[node]
chain_id = 10

[rpc]
host = "0.0.0.0"
port = 9545

[metrics]
enabled = true

[test]
project_root = "/project"

[test.fuzz]
runs = 1000
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "op", cfg.Chain)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint64(10), cfg.Node.ChainID)
	assert.Equal(t, "0.0.0.0", cfg.RPC.Host)
	assert.Equal(t, 9545, cfg.RPC.Port)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:6060", cfg.Metrics.Addr)
	assert.Equal(t, "/project", cfg.Test.ProjectRoot)
	assert.Equal(t, uint32(1000), cfg.Test.Fuzz.Runs)
	// Untouched keys keep their defaults.
	assert.Equal(t, uint32(15), cfg.Test.Invariant.Depth)
	assert.Equal(t, provider.DefaultConfig().BlockGasLimit, cfg.Node.BlockGasLimit)
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, "[rpc]\nbogus = 1\n")
	_, err := LoadConfig(path)
	require.ErrorIs(t, err, errUnknownKeys)
	assert.Contains(t, err.Error(), "rpc.bogus")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "chain = \n"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"edr", "--version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), version)
}

func TestNodeFlagsOverlay(t *testing.T) {
	cfg := DefaultConfig()
	app := &cli.App{
		Flags: nodeCommand.Flags,
		Action: func(c *cli.Context) error {
			applyNodeFlags(c, &cfg)
			return nil
		},
	}
	err := app.Run([]string{"edr",
		"--port", "9000",
		"--chain", "generic",
		"--chain-id", "1337",
		"--fork-url", "http://localhost:8545",
		"--fork-block-number", "100",
		"--metrics",
	})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.RPC.Port)
	assert.Equal(t, rpc.DefaultConfig().Host, cfg.RPC.Host)
	assert.Equal(t, "generic", cfg.Chain)
	assert.Equal(t, uint64(1337), cfg.Node.ChainID)
	assert.Equal(t, uint64(1337), cfg.Node.NetworkID)
	require.NotNil(t, cfg.Node.Fork)
	assert.Equal(t, "http://localhost:8545", cfg.Node.Fork.URL)
	require.NotNil(t, cfg.Node.Fork.BlockNumber)
	assert.Equal(t, uint64(100), *cfg.Node.Fork.BlockNumber)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestTestFlagsOverlay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Test.ProjectRoot = "/from/file"
	app := &cli.App{
		Flags: testCommand.Flags,
		Action: func(c *cli.Context) error {
			applyTestFlags(c, &cfg)
			return nil
		},
	}
	require.NoError(t, app.Run([]string{"edr", "--fuzz-runs", "10", "--fuzz-seed", "7", "--stack-traces=false", "-j", "3"}))
	assert.Equal(t, "/from/file", cfg.Test.ProjectRoot)
	assert.Equal(t, uint32(10), cfg.Test.Fuzz.Runs)
	require.NotNil(t, cfg.Test.Fuzz.Seed)
	assert.Equal(t, uint64(7), *cfg.Test.Fuzz.Seed)
	assert.False(t, cfg.Test.StackTraces)
	assert.Equal(t, 3, cfg.Test.Parallelism)
	assert.Nil(t, cfg.Test.Fork)
}

func TestUnknownChain(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"edr", "--verbosity", "0", "node", "--chain", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unknown chain type")
}

func TestTestCommandNoTests(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "out"), 0o755))

	var stdout, stderr bytes.Buffer
	code := run([]string{"edr", "--verbosity", "0", "test", "--root", root}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "No tests found")
}

func TestTestCommandErrors(t *testing.T) {
	root := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run([]string{"edr", "--verbosity", "0", "test", "--root", root}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "does not exist")

	stderr.Reset()
	code = run([]string{"edr", "--verbosity", "0", "test", "--root", root, "--match-test", "("}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "--match-test")
}

func TestReporter(t *testing.T) {
	var out bytes.Buffer
	rep := newReporter(&out, false)
	rep.suite(&runner.SuiteResult{
		Contract: artifact.ContractID{Source: "test/A.t.sol", Name: "ATest"},
		Tests: []*runner.Result{
			{Name: "testOk()", Status: runner.Success, GasUsed: 100, Logs: []string{"quiet"}},
			{
				Name:    "testBad()",
				Status:  runner.Failure,
				Reason:  "boom",
				GasUsed: 200,
				Logs:    []string{"hello"},
				Trace:   &runner.StackTrace{UnsafeToReplay: true, Impure: []string{"envExists(string)"}},
			},
		},
		Elapsed:  time.Millisecond,
		Warnings: []string{"no fixtures"},
	})
	rep.summary(time.Second)

	s := out.String()
	assert.Contains(t, s, "Ran 2 test(s) for test/A.t.sol:ATest")
	assert.Contains(t, s, "Warning: no fixtures")
	assert.Contains(t, s, "[PASS] testOk() (gas: 100)")
	assert.Contains(t, s, "[FAIL: boom] testBad() (gas: 200)")
	assert.Contains(t, s, "  hello")
	assert.NotContains(t, s, "quiet")
	assert.Contains(t, s, "impure cheatcodes (envExists(string))")
	assert.Contains(t, s, "Suite result: FAILED. 1 passed; 1 failed; 0 skipped")
	assert.Contains(t, s, "1 tests passed, 1 failed, 0 skipped (2 total tests)")
}

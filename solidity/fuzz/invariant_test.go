package fuzz

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/solidity"
)

const counterABI = `[
	{"type":"function","name":"inc","inputs":[],"outputs":[]},
	{"type":"function","name":"dec","inputs":[],"outputs":[]},
	{"type":"function","name":"set","inputs":[{"name":"v","type":"uint8"}],"outputs":[]}
]`

var counterAddr = common.HexToAddress("0xc0ffee")

func counterTarget(t *testing.T, names ...string) Target {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(counterABI))
	require.NoError(t, err)
	target := Target{Address: counterAddr, Name: "Counter"}
	for _, n := range names {
		target.Methods = append(target.Methods, parsed.Methods[n])
	}
	return target
}

// counter is an in-memory stand-in for a deployed contract: inc and dec
// move a value that never goes below zero, dec reverts at zero.
type counter struct {
	value   int
	limit   int
	after   bool
	resets  int
	senders []common.Address
}

func (c *counter) Reset() error {
	c.value = 0
	c.resets++
	return nil
}

func (c *counter) Call(call *Call) Outcome {
	c.senders = append(c.senders, call.Sender)
	switch call.Method.Name {
	case "inc":
		c.value++
	case "dec":
		if c.value == 0 {
			return Outcome{Status: Fail, Reason: "underflow"}
		}
		c.value--
	case "set":
		c.value = int(call.Args[0].(uint8)) % 2
	}
	return Outcome{Status: Pass}
}

func (c *counter) Check() (string, string, bool) {
	if c.limit > 0 && c.value >= c.limit {
		return "invariantBelowLimit", "value too large", true
	}
	return "", "", false
}

func (c *counter) AfterRun() (string, bool) {
	if c.after {
		return "afterInvariant failed", true
	}
	return "", false
}

func invariantConfig() (solidity.InvariantConfig, solidity.FuzzConfig) {
	cfg := solidity.DefaultConfig().Invariant
	cfg.Runs = 100
	cfg.Depth = 10
	return cfg, testConfig()
}

func TestInvariantBrokenAndShrunk(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "inc", "dec")}, nil, nil, solidity.DefaultSender, nil)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), &counter{limit: 3})
	require.NoError(t, err)
	require.NotNil(t, report.Failure)
	require.Equal(t, "invariantBelowLimit", report.Failure.Invariant)
	require.False(t, report.Failure.Revert)
	require.Len(t, report.Failure.Sequence, 3)
	for _, call := range report.Failure.Sequence {
		require.Equal(t, "inc", call.Method.Name)
		require.Equal(t, counterAddr, call.Target)
	}
}

func TestInvariantCheckAtEnd(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	cfg.CheckAtEnd = true
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "inc")}, nil, nil, solidity.DefaultSender, nil)
	require.NoError(t, err)

	ex := &counter{limit: 3}
	report, err := c.Run(context.Background(), ex)
	require.NoError(t, err)
	require.NotNil(t, report.Failure)
	require.Equal(t, 1, report.Runs)
	require.Equal(t, 10, report.Calls)
	require.Len(t, report.Failure.Sequence, 3)
}

func TestInvariantFailOnRevert(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	cfg.FailOnRevert = true
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "inc", "dec")}, nil, nil, solidity.DefaultSender, nil)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), &counter{})
	require.NoError(t, err)
	require.NotNil(t, report.Failure)
	require.True(t, report.Failure.Revert)
	require.Equal(t, "underflow", report.Failure.Reason)
	require.Len(t, report.Failure.Sequence, 1)
	require.Equal(t, "dec", report.Failure.Sequence[0].Method.Name)
}

func TestInvariantRevertsCounted(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	cfg.Runs = 5
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "dec")}, nil, nil, solidity.DefaultSender, nil)
	require.NoError(t, err)

	ex := &counter{}
	report, err := c.Run(context.Background(), ex)
	require.NoError(t, err)
	require.Nil(t, report.Failure)
	require.Equal(t, 5, report.Runs)
	require.Equal(t, 50, report.Calls)
	require.Equal(t, 50, report.Reverts)
	// One reset before the initial check and one per run.
	require.Equal(t, 6, ex.resets)
}

func TestAfterInvariantFailure(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	cfg.Depth = 3
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "inc", "set")}, nil, nil, solidity.DefaultSender, nil)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), &counter{after: true})
	require.NoError(t, err)
	require.NotNil(t, report.Failure)
	require.Empty(t, report.Failure.Invariant)
	require.Equal(t, "afterInvariant failed", report.Failure.Reason)
	require.Empty(t, report.Failure.Sequence)
}

func TestInvariantBrokenBeforeCalls(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "inc")}, nil, nil, solidity.DefaultSender, nil)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), &brokenFromStart{})
	require.NoError(t, err)
	require.NotNil(t, report.Failure)
	require.Zero(t, report.Runs)
	require.Empty(t, report.Failure.Sequence)
}

type brokenFromStart struct{ counter }

func (b *brokenFromStart) Check() (string, string, bool) {
	return "invariantNever", "broken", true
}

func TestInvariantSenders(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	cfg.Runs = 3
	alice := common.HexToAddress("0xa11ce")
	bob := common.HexToAddress("0xb0b")
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "inc")}, []common.Address{alice, bob}, []common.Address{bob}, solidity.DefaultSender, nil)
	require.NoError(t, err)

	ex := &counter{}
	_, err = c.Run(context.Background(), ex)
	require.NoError(t, err)
	require.Len(t, ex.senders, 30)
	for _, s := range ex.senders {
		require.Equal(t, alice, s)
	}
}

func TestRandomSendersSkipExcluded(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	cfg.Runs = 3
	excluded := common.HexToAddress("0xe7c1")
	c, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t, "inc")}, nil, []common.Address{excluded}, solidity.DefaultSender, nil)
	require.NoError(t, err)

	ex := &counter{}
	_, err = c.Run(context.Background(), ex)
	require.NoError(t, err)
	for _, s := range ex.senders {
		require.NotEqual(t, excluded, s)
		require.NotEqual(t, common.Address{}, s)
	}
}

func TestNoTargets(t *testing.T) {
	cfg, fuzzCfg := invariantConfig()
	_, err := NewCampaign(cfg, fuzzCfg, []Target{counterTarget(t)}, nil, nil, solidity.DefaultSender, nil)
	require.ErrorIs(t, err, ErrNoTargets)
}

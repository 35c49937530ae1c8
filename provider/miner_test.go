package provider

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestIntervalMinerStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mined atomic.Int32
	m := startIntervalMiner(IntervalRange{Min: 1, Max: 3}, func(<-chan struct{}) error {
		mined.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return mined.Load() >= 3 }, 5*time.Second, time.Millisecond)
	m.Stop()
	m.Stop()

	n := mined.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, mined.Load())
}

func TestIntervalMinerDelay(t *testing.T) {
	m := &intervalMiner{interval: IntervalRange{Min: 5, Max: 5}}
	assert.Equal(t, 5*time.Millisecond, m.delay())

	m.interval = IntervalRange{Min: 10, Max: 20}
	for range 50 {
		d := m.delay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
}

func TestProviderIntervalMining(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Mining.AutoMine = false
	cfg.Mining.Interval = &IntervalRange{Min: 5, Max: 5}
	cfg.AllowBlocksWithSameTimestamp = true
	p := newTestProvider(t, cfg)

	require.Eventually(t, func() bool { return blockNumber(t, p) >= 2 }, 5*time.Second, 5*time.Millisecond)

	mustRequest(t, p, "evm_setIntervalMining", 0)
	n := blockNumber(t, p)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, blockNumber(t, p))
	p.Close()
}

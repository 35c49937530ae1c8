package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(DefaultChainID), cfg.ChainID)
	assert.True(t, cfg.Mining.AutoMine)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"zero gas limit", func(c *Config) { c.BlockGasLimit = 0 }, ErrZeroBlockGasLimit},
		{"empty interval", func(c *Config) { c.Mining.Interval = &IntervalRange{} }, ErrEmptyInterval},
		{"inverted interval", func(c *Config) { c.Mining.Interval = &IntervalRange{Min: 10, Max: 5} }, ErrInvalidInterval},
		{"fork without url", func(c *Config) { c.Fork = &ForkConfig{} }, ErrMissingForkURL},
		{"bad owned key", func(c *Config) { c.OwnedAccounts = []OwnedAccount{{SecretKey: "0x01"}} }, ErrInvalidOwnedKey},
		{"negative account count", func(c *Config) { c.AccountCount = -1 }, ErrInvalidAccountPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Fork = &ForkConfig{URL: "ftp://example.com"}
	assert.Error(t, cfg.Validate())
}

func TestIntervalRangeJSON(t *testing.T) {
	var r IntervalRange
	require.NoError(t, json.Unmarshal([]byte(`1000`), &r))
	assert.Equal(t, IntervalRange{Min: 1000, Max: 1000}, r)

	require.NoError(t, json.Unmarshal([]byte(`[100, 500]`), &r))
	assert.Equal(t, IntervalRange{Min: 100, Max: 500}, r)

	require.NoError(t, json.Unmarshal([]byte(`{"min": 1, "max": 2}`), &r))
	assert.Equal(t, IntervalRange{Min: 1, Max: 2}, r)

	assert.Error(t, json.Unmarshal([]byte(`[1]`), &r))

	var p intervalParam
	require.NoError(t, json.Unmarshal([]byte(`false`), &p))
	assert.Equal(t, IntervalRange{}, p.IntervalRange)
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fork = &ForkConfig{URL: "https://example.com", HTTPHeaders: map[string]string{"x": "y"}}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	var back Config
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, cfg.Fork, back.Fork)
	assert.Equal(t, cfg.Mnemonic, back.Mnemonic)
	assert.Equal(t, cfg.BlockGasLimit, back.BlockGasLimit)
}

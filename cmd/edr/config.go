package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/provider"
	"github.com/edrgo/edr/rpc"
	"github.com/edrgo/edr/solidity"
)

var errUnknownKeys = errors.New("unknown configuration keys")

// Config is the layout of the TOML configuration file. Every section is
// optional; flags given on the command line override the file.
type Config struct {
	Log log.Config `toml:"log"`
	// Chain selects the chain type of the node: l1, op or generic.
	Chain   string          `toml:"chain"`
	Node    provider.Config `toml:"node"`
	RPC     rpc.Config      `toml:"rpc"`
	Metrics MetricsConfig   `toml:"metrics"`
	Test    solidity.Config `toml:"test"`
}

// MetricsConfig enables the Prometheus endpoint of the node.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Log:     log.DefaultConfig(),
		Chain:   "l1",
		Node:    provider.DefaultConfig(),
		RPC:     rpc.DefaultConfig(),
		Metrics: MetricsConfig{Addr: "127.0.0.1:6060"},
		Test:    solidity.DefaultConfig(),
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults. Keys the file sets but no option matches are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file: %w", err)
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("%w in %s: %s", errUnknownKeys, path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
		EnvVars: []string{"EDR_CONFIG"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log level 0-5 (0=silent, 5=trace)",
		Value: 3,
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "log format (terminal, json)",
		Value: log.FormatTerminal,
	}
)

// setup loads the configuration named by the flags and installs the
// logger.
func setup(c *cli.Context) (Config, error) {
	cfg, err := LoadConfig(c.String(configFlag.Name))
	if err != nil {
		return cfg, err
	}
	if c.IsSet(verbosityFlag.Name) {
		cfg.Log.Verbosity = c.Int(verbosityFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = c.String(logFormatFlag.Name)
	}
	if _, err := log.Setup(os.Stderr, cfg.Log); err != nil {
		return cfg, err
	}
	return cfg, nil
}

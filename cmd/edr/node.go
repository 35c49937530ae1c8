package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/chainspec/generic"
	"github.com/edrgo/edr/chainspec/l1"
	"github.com/edrgo/edr/chainspec/op"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/metrics"
	"github.com/edrgo/edr/provider"
	"github.com/edrgo/edr/rpc"
)

var nodeLog = log.Module("edr")

var errUnknownChain = errors.New("unknown chain type")

var (
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "JSON-RPC listen host",
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "JSON-RPC listen port",
	}
	chainFlag = &cli.StringFlag{
		Name:  "chain",
		Usage: "chain type (l1, op, generic)",
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chain-id",
		Usage: "chain id of the local network",
	}
	hardforkFlag = &cli.StringFlag{
		Name:  "hardfork",
		Usage: "hardfork the local network starts at",
	}
	forkURLFlag = &cli.StringFlag{
		Name:  "fork-url",
		Usage: "JSON-RPC endpoint to fork from",
	}
	forkBlockFlag = &cli.Uint64Flag{
		Name:  "fork-block-number",
		Usage: "block to fork at (default: latest safe block)",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "serve Prometheus metrics",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Prometheus listen address",
	}
	cacheDirFlag = &cli.StringFlag{
		Name:  "cache-dir",
		Usage: "directory for cached fork responses",
	}
)

var nodeCommand = &cli.Command{
	Name:  "node",
	Usage: "Run a local development network over JSON-RPC",
	Flags: []cli.Flag{
		hostFlag, portFlag, chainFlag, chainIDFlag, hardforkFlag,
		forkURLFlag, forkBlockFlag, metricsFlag, metricsAddrFlag, cacheDirFlag,
	},
	Action: runNode,
}

// applyNodeFlags overlays the flags the user set on cfg.
func applyNodeFlags(c *cli.Context, cfg *Config) {
	if c.IsSet(hostFlag.Name) {
		cfg.RPC.Host = c.String(hostFlag.Name)
	}
	if c.IsSet(portFlag.Name) {
		cfg.RPC.Port = c.Int(portFlag.Name)
	}
	if c.IsSet(chainFlag.Name) {
		cfg.Chain = c.String(chainFlag.Name)
	}
	if c.IsSet(chainIDFlag.Name) {
		cfg.Node.ChainID = c.Uint64(chainIDFlag.Name)
		cfg.Node.NetworkID = cfg.Node.ChainID
	}
	if c.IsSet(hardforkFlag.Name) {
		cfg.Node.Hardfork = c.String(hardforkFlag.Name)
	}
	if c.IsSet(forkURLFlag.Name) {
		if cfg.Node.Fork == nil {
			cfg.Node.Fork = &provider.ForkConfig{}
		}
		cfg.Node.Fork.URL = c.String(forkURLFlag.Name)
	}
	if c.IsSet(forkBlockFlag.Name) && cfg.Node.Fork != nil {
		n := c.Uint64(forkBlockFlag.Name)
		cfg.Node.Fork.BlockNumber = &n
	}
	if c.IsSet(metricsFlag.Name) {
		cfg.Metrics.Enabled = c.Bool(metricsFlag.Name)
	}
	if c.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = c.String(metricsAddrFlag.Name)
	}
	if c.IsSet(cacheDirFlag.Name) {
		cfg.Node.CacheDir = c.String(cacheDirFlag.Name)
	}
}

func runNode(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	applyNodeFlags(c, &cfg)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Chain {
	case "", "l1":
		return serve[l1.Hardfork](ctx, l1.Spec{}, cfg)
	case "op":
		return serve[op.Hardfork](ctx, op.Spec{}, cfg)
	case "generic":
		return serve[generic.Hardfork](ctx, generic.Spec{}, cfg)
	}
	return fmt.Errorf("%w: %q", errUnknownChain, cfg.Chain)
}

// serve runs a provider for spec behind the JSON-RPC server until ctx is
// done.
func serve[H chainspec.Hardfork](ctx context.Context, spec chainspec.RuntimeSpec[H], cfg Config) error {
	p, err := provider.New[H](ctx, spec, cfg.Node)
	if err != nil {
		return err
	}
	defer p.Close()

	srv := rpc.NewServer(p, cfg.RPC)
	addr, err := srv.Start()
	if err != nil {
		return err
	}
	nodeLog.Info("Started JSON-RPC server", "chain", spec.Name(), "chainId", cfg.Node.ChainID, "url", "http://"+addr.String())

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.DefaultRegistry.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				nodeLog.Error("Metrics server failed", "err", err)
			}
		}()
		nodeLog.Info("Serving metrics", "addr", cfg.Metrics.Addr)
	}

	<-ctx.Done()
	nodeLog.Info("Shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdown)
	}
	return srv.Stop(shutdown)
}

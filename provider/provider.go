// Package provider implements the JSON-RPC method surface of a local
// development chain. A Provider serializes requests against a Data value
// that owns the blockchain, the mempool and the developer controls of the
// hardhat_* and evm_* namespaces.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/metrics"
)

// Version is the release of this runtime.
const Version = "0.6.0"

// ClientVersion is the result of web3_clientVersion.
const ClientVersion = "edr/" + Version + "/go"

// Provider dispatches JSON-RPC calls. It is safe for concurrent use;
// requests are handled one at a time.
type Provider[H chainspec.Hardfork] struct {
	ctx  context.Context
	spec chainspec.RuntimeSpec[H]
	cfg  Config
	feed event.Feed

	mu      sync.Mutex
	data    *Data[H]
	miner   *intervalMiner
	retired []*intervalMiner
	closed  bool
}

// New creates a provider for cfg. ctx bounds remote requests of forked
// chains for the lifetime of the provider.
func New[H chainspec.Hardfork](ctx context.Context, spec chainspec.RuntimeSpec[H], cfg Config) (*Provider[H], error) {
	p := &Provider[H]{ctx: ctx, spec: spec, cfg: cfg}
	data, err := NewData(ctx, spec, cfg, &p.feed)
	if err != nil {
		return nil, err
	}
	p.data = data
	if cfg.Mining.Interval != nil {
		p.startMiner(*cfg.Mining.Interval)
	}
	logger.Info("Provider started", "chainId", cfg.ChainID, "hardfork", data.chain.Hardfork(), "block", data.chain.LastBlockNumber())
	return p, nil
}

// Handle executes one JSON-RPC call. params are the positional parameters
// of the call.
func (p *Provider[H]) Handle(method string, params []json.RawMessage) (any, error) {
	start := time.Now()
	result, err := p.handle(method, params)

	label, status := method, "ok"
	if err != nil {
		status = "error"
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound {
			label = "unknown"
		}
	}
	metrics.RPCRequests.WithLabelValues(label, status).Inc()
	metrics.RPCDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return result, err
}

func (p *Provider[H]) handle(method string, params []json.RawMessage) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	result, err := p.dispatch(method, params)
	p.flushConsole()
	if p.data.logging {
		if err != nil {
			logger.Info(method, "err", err)
		} else {
			logger.Info(method)
		}
	}
	retired := p.retired
	p.retired = nil
	p.mu.Unlock()

	// Stopping waits for a mining attempt that may be blocked on mu.
	for _, m := range retired {
		m.Stop()
	}
	return result, err
}

// flushConsole logs the console.log output of the last request.
func (p *Provider[H]) flushConsole() {
	for _, line := range p.data.console.Lines() {
		logger.Info(line, "source", "console.log")
	}
	p.data.console.Reset()
}

// SubscribeEvents delivers eth_subscribe notifications to ch. Events are
// sent while the provider is locked; the receiver must drain ch without
// calling back into the provider.
func (p *Provider[H]) SubscribeEvents(ch chan<- SubscriptionEvent) event.Subscription {
	return p.feed.Subscribe(ch)
}

// Close stops interval mining and releases remote connections. Later
// calls fail with ErrClosed.
func (p *Provider[H]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.retireMiner()
	retired := p.retired
	p.retired = nil
	p.data.close()
	p.mu.Unlock()

	for _, m := range retired {
		m.Stop()
	}
}

// startMiner replaces the interval miner. Callers hold mu.
func (p *Provider[H]) startMiner(interval IntervalRange) {
	p.retireMiner()
	p.miner = startIntervalMiner(interval, p.intervalMine)
}

// retireMiner detaches the interval miner; it is stopped once mu is
// released.
func (p *Provider[H]) retireMiner() {
	if p.miner != nil {
		p.retired = append(p.retired, p.miner)
		p.miner = nil
	}
}

func (p *Provider[H]) intervalMine(stop <-chan struct{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-stop:
		return nil
	default:
	}
	if p.closed {
		return nil
	}
	_, _, err := p.data.mineBlock(modeInterval, nil, nil, nil)
	p.flushConsole()
	return err
}

// setIntervalMining implements evm_setIntervalMining. A zero range turns
// interval mining off.
func (p *Provider[H]) setIntervalMining(interval IntervalRange) error {
	if interval.Max == 0 {
		p.retireMiner()
		return nil
	}
	if interval.Min > interval.Max {
		return invalidParams("%s", ErrInvalidInterval)
	}
	p.startMiner(interval)
	return nil
}

// resetOptions is the parameter of hardhat_reset.
type resetOptions struct {
	Forking *ForkConfig `json:"forking"`
}

// reset implements hardhat_reset: the chain restarts from the provider's
// configuration, forking only if opts names a remote network. Subscribers
// of the event feed stay attached.
func (p *Provider[H]) reset(opts *resetOptions) error {
	cfg := p.cfg
	cfg.Fork = nil
	if opts != nil && opts.Forking != nil {
		fork := *opts.Forking
		if p.cfg.Fork != nil {
			if fork.HTTPHeaders == nil {
				fork.HTTPHeaders = p.cfg.Fork.HTTPHeaders
			}
			fork.ChainOverrides = p.cfg.Fork.ChainOverrides
		}
		cfg.Fork = &fork
	}
	data, err := NewData(p.ctx, p.spec, cfg, &p.feed)
	if err != nil {
		return err
	}
	p.data.close()
	p.data = data
	p.retireMiner()
	if cfg.Mining.Interval != nil {
		p.startMiner(*cfg.Mining.Interval)
	}
	logger.Info("Provider reset", "forked", cfg.Fork != nil, "block", data.chain.LastBlockNumber())
	return nil
}

// Package rpcclient is the JSON-RPC client EDR uses to read a remote chain
// when forking. Responses that can no longer change, because they are pinned
// to a block deeper than the chain's reorg depth, are cached on disk so
// repeated runs against the same fork point do not hit the network.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/metrics"
)

var logger = log.Module("rpcclient")

const (
	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxRetries is the number of retries of a transient failure.
	DefaultMaxRetries = 5
	// DefaultSpuriousThreshold is the number of consecutive timeouts after
	// which the endpoint is considered unreliable.
	DefaultSpuriousThreshold = 5

	spuriousCooldown = time.Minute
	latestTTL        = 10 * time.Second
)

var (
	// ErrSpuriousEndpoint is returned without contacting the endpoint after
	// it timed out too many times in a row.
	ErrSpuriousEndpoint = errors.New("remote endpoint marked unreliable after repeated timeouts")
)

// CallError wraps a failed remote call.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string { return fmt.Sprintf("remote call %s failed: %v", e.Method, e.Err) }

func (e *CallError) Unwrap() error { return e.Err }

// IsMethodNotFound reports whether err is the endpoint rejecting an
// unknown method.
func IsMethodNotFound(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32601
}

// Config configures a Client.
type Config struct {
	URL     string
	Headers map[string]string
	// CacheDir roots the response cache; empty disables it.
	CacheDir          string
	Timeout           time.Duration
	MaxRetries        uint64
	SpuriousThreshold int32
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.SpuriousThreshold == 0 {
		cfg.SpuriousThreshold = DefaultSpuriousThreshold
	}
	return cfg
}

// Client is safe for concurrent use. Identical in-flight requests are
// collapsed into one network call.
type Client struct {
	cfg     Config
	rpc     *rpc.Client
	chainID uint64
	cache   *diskCache
	group   singleflight.Group

	safeDepth atomic.Uint64

	mu              sync.Mutex
	latest          uint64
	latestAt        time.Time
	failures        int32
	unreliableUntil time.Time
}

// Dial connects to cfg.URL and reads the remote chain id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	opts := []rpc.ClientOption{}
	if len(cfg.Headers) > 0 {
		h := make(map[string][]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			h[k] = []string{v}
		}
		opts = append(opts, rpc.WithHeaders(h))
	}
	c, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	client, err := New(ctx, c, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	return client, nil
}

// New wraps an established connection.
func New(ctx context.Context, c *rpc.Client, cfg Config) (*Client, error) {
	client := &Client{cfg: cfg.withDefaults(), rpc: c}
	raw, err := client.fetch(ctx, "eth_chainId")
	if err != nil {
		return nil, err
	}
	var id hexutil.Uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("decode chain id: %w", err)
	}
	client.chainID = uint64(id)
	if cfg.CacheDir != "" {
		client.cache = newDiskCache(cfg.CacheDir, client.chainID, cfg.URL)
	}
	return client, nil
}

// Close terminates the connection.
func (c *Client) Close() { c.rpc.Close() }

// URL returns the endpoint the client talks to.
func (c *Client) URL() string { return c.cfg.URL }

// ChainID returns the remote chain id read at dial time.
func (c *Client) ChainID() uint64 { return c.chainID }

// SetSafeDepth sets the reorg depth used to decide what may be cached.
func (c *Client) SetSafeDepth(depth uint64) { c.safeDepth.Store(depth) }

// SafeBlockNumber returns the newest remote block deemed final.
func (c *Client) SafeBlockNumber(ctx context.Context) (uint64, error) {
	latest, err := c.latestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	cfg := chainspec.ChainConfig[chainspec.SpecID]{SafeDepth: c.safeDepth.Load()}
	return cfg.SafeBlockNumber(latest), nil
}

func (c *Client) latestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	if time.Since(c.latestAt) < latestTTL {
		n := c.latest
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()
	return c.BlockNumber(ctx)
}

// isSafe reports whether data pinned to block n can be cached.
func (c *Client) isSafe(ctx context.Context, n uint64) bool {
	safe, err := c.SafeBlockNumber(ctx)
	return err == nil && n <= safe
}

// request performs method, consulting the disk cache first when store is
// non-nil. store decides from the response whether it may be cached.
func (c *Client) request(ctx context.Context, store func(json.RawMessage) bool, method string, args ...any) (json.RawMessage, error) {
	key, err := requestKey(method, args)
	if err != nil {
		return nil, err
	}
	if store != nil && c.cache != nil {
		raw, ok, err := c.cache.get(key)
		if err != nil {
			logger.Warn("Failed to read RPC cache", "method", method, "err", err)
		} else if ok {
			metrics.RPCClientCacheHits.WithLabelValues(method).Inc()
			return raw, nil
		}
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		metrics.RPCClientCacheMisses.WithLabelValues(method).Inc()
		raw, err := c.fetch(ctx, method, args...)
		if err != nil {
			return nil, err
		}
		if store != nil && c.cache != nil && store(raw) {
			if err := c.cache.put(key, raw); err != nil {
				logger.Warn("Failed to write RPC cache", "method", method, "err", err)
			}
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (c *Client) fetch(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	unreliable := time.Now().Before(c.unreliableUntil)
	c.mu.Unlock()
	if unreliable {
		return nil, &CallError{Method: method, Err: ErrSpuriousEndpoint}
	}

	var raw json.RawMessage
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		err := c.rpc.CallContext(callCtx, &raw, method, args...)
		switch {
		case err == nil:
			c.recordSuccess()
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			if c.recordTimeout() {
				return backoff.Permanent(ErrSpuriousEndpoint)
			}
		case !isTransient(err):
			return backoff.Permanent(err)
		}
		logger.Debug("Retrying RPC request", "method", method, "attempt", attempt, "err", err)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)); err != nil {
		return nil, &CallError{Method: method, Err: err}
	}
	return raw, nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// recordTimeout counts a timeout and reports whether the endpoint just
// became unreliable.
func (c *Client) recordTimeout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.cfg.SpuriousThreshold {
		return false
	}
	c.failures = 0
	c.unreliableUntil = time.Now().Add(spuriousCooldown)
	logger.Warn("Remote endpoint is timing out, failing fast", "url", c.cfg.URL, "cooldown", spuriousCooldown)
	return true
}

// isTransient reports whether err is a connection failure or a 5xx
// response worth retrying.
func isTransient(err error) bool {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

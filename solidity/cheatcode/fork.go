package cheatcode

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/edrgo/edr/rpcclient"
	"github.com/edrgo/edr/state"
)

var errForksDisabled = errors.New("forking is not configured")

// Fork is a remote chain pinned at a block.
type Fork struct {
	URL     string
	Block   uint64
	Header  *types.Header
	ChainID uint64
	Reader  state.Reader
}

// Forker opens remote chains. A nil block forks the latest one.
type Forker interface {
	Fork(ctx context.Context, url string, block *uint64) (*Fork, error)
}

const forkCacheSize = 1 << 16

// RemoteForker opens forks over JSON-RPC. Connections and read caches are
// shared per URL. It is safe for concurrent use, so one value can serve
// all tests of a run.
type RemoteForker struct {
	headers  map[string]string
	cacheDir string

	mu      sync.Mutex
	clients map[string]*rpcclient.Client
	caches  map[string]*state.RemoteCache
}

// NewRemoteForker returns a forker sending headers with every request and
// caching responses below cacheDir, if set.
func NewRemoteForker(headers map[string]string, cacheDir string) *RemoteForker {
	return &RemoteForker{
		headers:  headers,
		cacheDir: cacheDir,
		clients:  make(map[string]*rpcclient.Client),
		caches:   make(map[string]*state.RemoteCache),
	}
}

func (f *RemoteForker) client(ctx context.Context, url string) (*rpcclient.Client, *state.RemoteCache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[url]; ok {
		return c, f.caches[url], nil
	}
	c, err := rpcclient.Dial(ctx, rpcclient.Config{URL: url, Headers: f.headers, CacheDir: f.cacheDir})
	if err != nil {
		return nil, nil, err
	}
	cache := state.NewRemoteCache(forkCacheSize)
	f.clients[url], f.caches[url] = c, cache
	return c, cache, nil
}

// Fork implements Forker.
func (f *RemoteForker) Fork(ctx context.Context, url string, block *uint64) (*Fork, error) {
	client, cache, err := f.client(ctx, url)
	if err != nil {
		return nil, err
	}
	var number uint64
	if block != nil {
		number = *block
	} else if number, err = client.BlockNumber(ctx); err != nil {
		return nil, err
	}
	blk, err := client.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if blk == nil {
		return nil, fmt.Errorf("block %d not found on %s", number, url)
	}
	return &Fork{
		URL:     url,
		Block:   number,
		Header:  blk.Header(),
		ChainID: client.ChainID(),
		Reader:  state.NewCachedRemote(state.NewRemote(ctx, client, number), cache),
	}, nil
}

// Close closes every connection.
func (f *RemoteForker) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for url, c := range f.clients {
		c.Close()
		delete(f.clients, url)
	}
}

// forkEntry is a fork created by a test. Its overlay keeps the changes the
// test made to it while another fork was active.
type forkEntry struct {
	id      int
	fork    *Fork
	overlay *state.Overlay
}

type forkSet struct {
	forker Forker
	forks  []*forkEntry
	active *forkEntry
}

func newForkSet(forker Forker) *forkSet { return &forkSet{forker: forker} }

func (fs *forkSet) open(url string, block *uint64) (*Fork, error) {
	if fs.forker == nil {
		return nil, errForksDisabled
	}
	return fs.forker.Fork(context.Background(), url, block)
}

func (fs *forkSet) create(url string, block *uint64) (*forkEntry, error) {
	fork, err := fs.open(url, block)
	if err != nil {
		return nil, err
	}
	e := &forkEntry{id: len(fs.forks), fork: fork, overlay: state.NewOverlay(fork.Reader)}
	fs.forks = append(fs.forks, e)
	return e, nil
}

func (fs *forkSet) get(id *big.Int) (*forkEntry, error) {
	if !id.IsInt64() || id.Int64() < 0 || id.Int64() >= int64(len(fs.forks)) {
		return nil, fmt.Errorf("fork %s does not exist", id)
	}
	return fs.forks[id.Int64()], nil
}

// activate makes the fork the state of db, as if the test had been started on
// it. Persistent accounts carry over.
func (s *Cheats) activate(evm *vm.EVM, e *forkEntry) {
	if prev := s.forks.active; prev != nil {
		prev.overlay.Apply(s.db.Diff())
	}
	// Load persistent accounts so they are read from the current state.
	for addr := range s.persistent.Iter() {
		s.db.Exist(addr)
	}
	s.db.Rebase(e.overlay, s.isPersistent)
	s.forks.active = e

	h := e.fork.Header
	evm.Context.BlockNumber = new(big.Int).Set(h.Number)
	evm.Context.Time = h.Time
	if h.BaseFee != nil {
		evm.Context.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	evm.ChainConfig().ChainID.SetUint64(e.fork.ChainID)
	logger.Debug("Fork selected", "id", e.id, "url", e.fork.URL, "block", e.fork.Block)
}

func (s *Cheats) createFork(a []any) (*forkEntry, error) {
	url, err := s.cfg.ResolveEndpoint(a[0].(string))
	if err != nil {
		return nil, err
	}
	var block *uint64
	if len(a) > 1 {
		n, err := toUint64(a[1].(*big.Int))
		if err != nil {
			return nil, err
		}
		block = &n
	}
	return s.forks.create(url, block)
}

// rollFork re-forks e at block, dropping the changes made to it.
func (s *Cheats) rollFork(evm *vm.EVM, e *forkEntry, block *big.Int) error {
	n, err := toUint64(block)
	if err != nil {
		return err
	}
	fork, err := s.forks.open(e.fork.URL, &n)
	if err != nil {
		return err
	}
	e.fork, e.overlay = fork, state.NewOverlay(fork.Reader)
	if s.forks.active == e {
		s.forks.active = nil
		s.activate(evm, e)
	}
	return nil
}

func forkID(e *forkEntry) []any { return []any{big.NewInt(int64(e.id))} }

func init() {
	for _, sig := range []string{"createFork(string)", "createFork(string,uint256)"} {
		impure(sig, args("uint256"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
			e, err := s.createFork(a)
			if err != nil {
				return nil, err
			}
			return forkID(e), nil
		})
	}
	for _, sig := range []string{"createSelectFork(string)", "createSelectFork(string,uint256)"} {
		impure(sig, args("uint256"), func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
			e, err := s.createFork(a)
			if err != nil {
				return nil, err
			}
			s.activate(ctx.evm, e)
			return forkID(e), nil
		})
	}
	impure("selectFork(uint256)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		e, err := s.forks.get(a[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		if e != s.forks.active {
			s.activate(ctx.evm, e)
		}
		return none()
	})
	pure("activeFork()", args("uint256"), func(s *Cheats, _ *callContext, _ []any) ([]any, error) {
		if s.forks.active == nil {
			return nil, errors.New("no active fork")
		}
		return forkID(s.forks.active), nil
	})
	impure("rollFork(uint256)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		if s.forks.active == nil {
			return nil, errors.New("no active fork")
		}
		return nil, s.rollFork(ctx.evm, s.forks.active, a[0].(*big.Int))
	})
	impure("rollFork(uint256,uint256)", nil, func(s *Cheats, ctx *callContext, a []any) ([]any, error) {
		e, err := s.forks.get(a[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		return nil, s.rollFork(ctx.evm, e, a[1].(*big.Int))
	})

	persist := func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		for _, v := range a {
			s.persistent.Add(v.(common.Address))
		}
		return none()
	}
	pure("makePersistent(address)", nil, persist)
	pure("makePersistent(address,address)", nil, persist)
	pure("makePersistent(address,address,address)", nil, persist)
	pure("makePersistent(address[])", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		for _, addr := range a[0].([]common.Address) {
			s.persistent.Add(addr)
		}
		return none()
	})
	pure("revokePersistent(address)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		if addr := a[0].(common.Address); addr != Address {
			s.persistent.Remove(addr)
		}
		return none()
	})
	pure("isPersistent(address)", args("bool"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{s.persistent.Contains(a[0].(common.Address))}, nil
	})
}

func (s *Cheats) isPersistent(addr common.Address) bool { return s.persistent.Contains(addr) }

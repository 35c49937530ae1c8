package blockchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/blockchain/storage"
	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/rpcclient"
	"github.com/edrgo/edr/state"
)

// HistoryStorageStub is deployed at the EIP-2935 address when a chain
// forked before Prague is run at Prague or later. Any call reverts.
var HistoryStorageStub = []byte{0x5f, 0x5f, 0xfd}

// DefaultRemoteCacheSize bounds the accounts and slots kept per fork.
const DefaultRemoteCacheSize = 1 << 16

// ForkConfig describes the remote network a forked chain extends.
type ForkConfig[H chainspec.Hardfork] struct {
	// BlockNumber pins the fork point. When nil, the newest block deemed
	// safe from reorgs is used.
	BlockNumber *uint64
	// ChainID overrides the id of locally mined blocks.
	ChainID *uint64
	// Hardfork is the hardfork of locally mined blocks.
	Hardfork H
	// Activations replaces the known schedule of the remote chain.
	Activations chainspec.Activations[H]
	BaseFee     chainspec.BaseFeeParams[H]
	Seed        []byte

	AllowEqualTimestamps bool
	CacheSize            int
}

type fork struct {
	ctx      context.Context
	client   *rpcclient.Client
	convert  block.ConvertFunc
	number   uint64
	hash     common.Hash
	td       *big.Int
	remoteID uint64

	cache      *state.RemoteCache
	blocks     remoteCaches
	stateRoots *primitives.HashGenerator
}

// NewForked creates a chain extending client's network. ctx bounds every
// remote call the chain makes. irr receives the state changes the fork
// needs at its first block.
func NewForked[H chainspec.Hardfork](ctx context.Context, spec chainspec.RuntimeSpec[H], client *rpcclient.Client, irr *state.Irregular, cfg ForkConfig[H]) (*Chain[H], error) {
	remoteID := client.ChainID()
	known, isKnown := spec.ChainConfig(remoteID)
	if isKnown && known.SafeDepth > 0 {
		client.SetSafeDepth(known.SafeDepth)
	}

	var number uint64
	if cfg.BlockNumber != nil {
		number = *cfg.BlockNumber
		latest, err := client.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if number > latest {
			return nil, fmt.Errorf("%w: fork block %d is ahead of the remote head %d", ErrUnknownBlockNumber, number, latest)
		}
	} else {
		safe, err := client.SafeBlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		number = safe
	}

	rb, err := client.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if rb == nil {
		return nil, fmt.Errorf("%w: remote has no block %d", ErrUnknownBlockNumber, number)
	}
	td := new(big.Int)
	if rb.TotalDifficulty != nil {
		td.Set(rb.TotalDifficulty.ToInt())
	}

	activations := cfg.Activations
	if len(activations) == 0 && isKnown {
		activations = known.Activations
	}
	baseFee := cfg.BaseFee
	if baseFee.IsZero() {
		baseFee = chainspec.BaseFeeParamsFor(spec, remoteID)
	}
	chainID := remoteID
	if cfg.ChainID != nil {
		chainID = *cfg.ChainID
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultRemoteCacheSize
	}

	seed := append(append([]byte(nil), cfg.Seed...), rb.Hash.Bytes()...)
	c := &Chain[H]{
		spec:        spec,
		chainID:     chainID,
		hardfork:    cfg.Hardfork,
		activations: activations,
		baseFee:     baseFee,
		allowEqual:  cfg.AllowEqualTimestamps,
		prevRandao:  primitives.NewHashGenerator(seed),
		diffs:       make(map[uint64]*state.Diff),
		fork: &fork{
			ctx:        ctx,
			client:     client,
			convert:    spec.ConvertRPCTransaction,
			number:     number,
			hash:       rb.Hash,
			td:         td,
			remoteID:   remoteID,
			cache:      state.NewRemoteCache(size),
			blocks:     newRemoteCaches(),
			stateRoots: primitives.NewHashGenerator(append([]byte("state"), seed...)),
		},
	}
	c.reserver = storage.NewSparse(number, c.prevRandao)
	c.store = c.reserver

	c.installHistoryStub(uint64(rb.Timestamp), irr)
	logger.Info("Forked remote chain", "url", client.URL(), "chainID", remoteID, "block", number, "hash", rb.Hash)
	return c, nil
}

// installHistoryStub deploys HistoryStorageStub when the fork block
// predates Prague but local blocks run Prague or later.
func (c *Chain[H]) installHistoryStub(timestamp uint64, irr *state.Irregular) {
	if c.hardfork.SpecID() < chainspec.Prague || irr == nil {
		return
	}
	remote, err := c.activations.HardforkAt(c.fork.number, timestamp)
	if err == nil && remote.SpecID() >= chainspec.Prague {
		return
	}
	logger.Warn("Fork point predates EIP-2935; block history is unavailable to contracts",
		"block", c.fork.number, "address", params.HistoryStorageAddress)
	nonce := uint64(1)
	irr.Set(c.fork.number, params.HistoryStorageAddress, &state.AccountOverride{Nonce: &nonce, Code: HistoryStorageStub})
}

// RemoteChainID returns the id of the forked network.
func (c *Chain[H]) RemoteChainID() (uint64, bool) {
	if c.fork == nil {
		return 0, false
	}
	return c.fork.remoteID, true
}

// RemoteCache returns the cache of remote state reads of a forked chain.
func (c *Chain[H]) RemoteCache() *state.RemoteCache {
	if c.fork == nil {
		return nil
	}
	return c.fork.cache
}

func (f *fork) stateAt(ctx context.Context, n uint64) state.Reader {
	if ctx == nil {
		ctx = f.ctx
	}
	return state.NewCachedRemote(state.NewRemote(ctx, f.client, n), f.cache)
}

func (f *fork) remoteBlock(rb *rpcclient.Block) (block.Block, error) {
	b, err := block.NewRemote(f.ctx, rb, f.client, f.convert)
	if err != nil {
		return nil, err
	}
	f.blocks.byNumber.Add(b.Number(), b)
	f.blocks.byHash.Add(b.Hash(), b)
	return b, nil
}

func (f *fork) blockByNumber(n uint64) (block.Block, error) {
	if b, ok := f.blocks.byNumber.Get(n); ok {
		return b, nil
	}
	rb, err := f.client.BlockByNumber(f.ctx, n)
	if err != nil || rb == nil {
		return nil, err
	}
	return f.remoteBlock(rb)
}

func (f *fork) blockByHash(hash common.Hash) (block.Block, error) {
	if b, ok := f.blocks.byHash.Get(hash); ok {
		return b, nil
	}
	rb, err := f.client.BlockByHash(f.ctx, hash)
	if err != nil || rb == nil {
		return nil, err
	}
	if uint64(rb.Number) > f.number {
		return nil, nil
	}
	return f.remoteBlock(rb)
}

func (f *fork) blockByTransaction(txHash common.Hash) (block.Block, error) {
	tx, err := f.client.TransactionByHash(f.ctx, txHash)
	if err != nil || tx == nil || tx.BlockNumber == nil {
		return nil, err
	}
	n := tx.BlockNumber.ToInt()
	if !n.IsUint64() || n.Uint64() > f.number {
		return nil, nil
	}
	return f.blockByNumber(n.Uint64())
}

func (f *fork) receipt(txHash common.Hash) (*receipt.Block, error) {
	r, err := f.client.TransactionReceipt(f.ctx, txHash)
	if err != nil || r == nil {
		return nil, err
	}
	if uint64(r.BlockNumber) > f.number {
		return nil, nil
	}
	return r.ToBlock(), nil
}

func (f *fork) totalDifficulty(hash common.Hash) (*big.Int, error) {
	if hash == f.hash {
		return new(big.Int).Set(f.td), nil
	}
	rb, err := f.client.BlockByHash(f.ctx, hash)
	if err != nil || rb == nil || uint64(rb.Number) > f.number {
		return nil, err
	}
	if rb.TotalDifficulty == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(rb.TotalDifficulty.ToInt()), nil
}

// Package blockchain implements EDR's two chain flavours. A local chain
// starts at a genesis block built from a state diff; a forked chain
// extends a remote network, serving blocks at or below the fork point from
// the remote node and newer ones from local storage.
package blockchain

import (
	"context"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/blockchain/storage"
	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/rpcclient"
	"github.com/edrgo/edr/state"
)

var logger = log.Module("blockchain")

// GenesisDifficulty is the difficulty of proof-of-work genesis blocks.
const GenesisDifficulty = 131_072

const remoteBlockCacheSize = 128

// Chain is a local or forked blockchain over hardfork enum H. It is safe
// for concurrent use.
type Chain[H chainspec.Hardfork] struct {
	spec        chainspec.RuntimeSpec[H]
	chainID     uint64
	hardfork    H
	activations chainspec.Activations[H]
	baseFee     chainspec.BaseFeeParams[H]
	allowEqual  bool

	store    storage.Storage
	reserver *storage.Sparse

	// prevRandao seeds the mix hashes of post-merge blocks and the
	// fabricated headers of reserved ranges.
	prevRandao *primitives.HashGenerator

	mu         sync.RWMutex
	diffs      map[uint64]*state.Diff
	diffBlocks []uint64

	fork *fork
}

// LocalConfig describes the genesis of a local chain.
type LocalConfig[H chainspec.Hardfork] struct {
	ChainID  uint64
	Hardfork H
	// Activations defaults to the configured hardfork from block zero.
	Activations chainspec.Activations[H]
	BaseFee     chainspec.BaseFeeParams[H]

	GasLimit              uint64
	Timestamp             uint64
	Coinbase              common.Address
	InitialBaseFee        *big.Int
	BlobGas               *header.BlobGas
	ParentBeaconBlockRoot *common.Hash
	MixHash               *common.Hash
	ExtraData             []byte

	// Genesis holds the prefunded accounts.
	Genesis *state.Diff
	// Seed seeds the prevrandao generator.
	Seed []byte

	AllowEqualTimestamps bool
	// Dense selects storage without block reservations.
	Dense bool
}

// NewLocal builds a local chain and its genesis block.
func NewLocal[H chainspec.Hardfork](spec chainspec.RuntimeSpec[H], cfg LocalConfig[H]) (*Chain[H], error) {
	c := &Chain[H]{
		spec:        spec,
		chainID:     cfg.ChainID,
		hardfork:    cfg.Hardfork,
		activations: cfg.Activations,
		baseFee:     cfg.BaseFee,
		allowEqual:  cfg.AllowEqualTimestamps,
		prevRandao:  primitives.NewHashGenerator(cfg.Seed),
		diffs:       make(map[uint64]*state.Diff),
	}
	if len(c.activations) == 0 {
		c.activations = chainspec.NewActivations(chainspec.Activation[H]{Condition: chainspec.AtBlock(0), Hardfork: cfg.Hardfork})
	}
	if c.baseFee.IsZero() {
		c.baseFee = chainspec.BaseFeeParamsFor(spec, cfg.ChainID)
	}
	if cfg.Dense {
		c.store = storage.NewContiguous()
	} else {
		c.reserver = storage.NewSparse(0, c.prevRandao)
		c.store = c.reserver
	}

	genesisHardfork, err := c.activations.HardforkAt(0, cfg.Timestamp)
	if err != nil {
		return nil, err
	}
	specID := genesisHardfork.SpecID()

	diff := state.NewDiff()
	if cfg.Genesis != nil {
		diff = cfg.Genesis.Clone()
	}
	deploySystemContracts(diff, specID)

	rules := chainspec.HeaderRules(specID, c.BaseFeeParamsAt(genesisHardfork, 0))
	o := header.Overrides{
		Beneficiary:           &cfg.Coinbase,
		Timestamp:             &cfg.Timestamp,
		GasLimit:              &cfg.GasLimit,
		ExtraData:             cfg.ExtraData,
		BaseFee:               cfg.InitialBaseFee,
		BlobGas:               cfg.BlobGas,
		ParentBeaconBlockRoot: cfg.ParentBeaconBlockRoot,
		MixHash:               cfg.MixHash,
	}
	if !rules.Merge {
		o.Difficulty = big.NewInt(GenesisDifficulty)
	} else if o.MixHash == nil {
		mix := c.prevRandao.Next()
		o.MixHash = &mix
	}
	partial := header.NewPartial(nil, rules, o)
	body := EmptyBody(rules)
	body.StateRoot = state.Root(diff)
	genesis := block.NewEmpty(partial.Seal(body), emptyWithdrawals(rules))

	if err := c.store.InsertBlock(genesis, genesis.Header().Difficulty); err != nil {
		return nil, err
	}
	c.diffs[0] = diff
	c.diffBlocks = []uint64{0}
	logger.Debug("Created local chain", "chainID", cfg.ChainID, "hardfork", genesisHardfork, "genesis", genesis.Hash())
	return c, nil
}

// EmptyBody returns the body roots of a block without transactions.
func EmptyBody(rules header.Rules) header.Body {
	b := header.Body{
		TxRoot:       types.EmptyTxsHash,
		ReceiptsRoot: types.EmptyReceiptsHash,
		UncleHash:    types.EmptyUncleHash,
	}
	if rules.Shanghai {
		root := types.EmptyWithdrawalsHash
		b.WithdrawalsRoot = &root
	}
	if rules.Prague {
		root := types.EmptyRequestsHash
		b.RequestsHash = &root
	}
	return b
}

func emptyWithdrawals(rules header.Rules) []*types.Withdrawal {
	if !rules.Shanghai {
		return nil
	}
	return []*types.Withdrawal{}
}

// deploySystemContracts installs the beacon-roots and history-storage
// contracts in a genesis state that lacks them.
func deploySystemContracts(d *state.Diff, spec chainspec.SpecID) {
	install := func(addr common.Address, code []byte) {
		if _, ok := d.Accounts[addr]; ok {
			return
		}
		acc := state.NewAccount()
		acc.Nonce = 1
		acc.CodeHash = d.SetCode(code)
		d.SetAccount(addr, acc)
	}
	if spec >= chainspec.Cancun {
		install(params.BeaconRootsAddress, params.BeaconRootsCode)
	}
	if spec >= chainspec.Prague {
		install(params.HistoryStorageAddress, params.HistoryStorageCode)
	}
}

// ChainID returns the id transactions are signed for.
func (c *Chain[H]) ChainID() uint64 { return c.chainID }

// Spec returns the runtime spec of the chain.
func (c *Chain[H]) Spec() chainspec.RuntimeSpec[H] { return c.spec }

// Hardfork returns the hardfork new blocks are mined at.
func (c *Chain[H]) Hardfork() H { return c.hardfork }

// Activations returns the hardfork schedule.
func (c *Chain[H]) Activations() chainspec.Activations[H] { return c.activations }

// PrevRandao returns the generator of post-merge mix hashes.
func (c *Chain[H]) PrevRandao() *primitives.HashGenerator { return c.prevRandao }

// HardforkAt returns the hardfork of the block with number and timestamp.
// Locally mined blocks of a forked chain always use the configured
// hardfork.
func (c *Chain[H]) HardforkAt(number, timestamp uint64) (H, error) {
	if c.fork != nil && number > c.fork.number {
		return c.hardfork, nil
	}
	return c.activations.HardforkAt(number, timestamp)
}

// BaseFeeParamsAt returns the EIP-1559 parameters of a block.
func (c *Chain[H]) BaseFeeParamsAt(h H, number uint64) header.BaseFeeParams {
	if p, ok := c.baseFee.AtCondition(h, number); ok {
		return p
	}
	return header.MainnetBaseFeeParams
}

// ForkBlockNumber returns the fork point of a forked chain.
func (c *Chain[H]) ForkBlockNumber() (uint64, bool) {
	if c.fork == nil {
		return 0, false
	}
	return c.fork.number, true
}

// RemoteClient returns the client of a forked chain, or nil.
func (c *Chain[H]) RemoteClient() *rpcclient.Client {
	if c.fork == nil {
		return nil
	}
	return c.fork.client
}

// IsRemote reports whether block n is served by the remote node.
func (c *Chain[H]) IsRemote(n uint64) bool {
	return c.fork != nil && n <= c.fork.number
}

func (c *Chain[H]) LastBlockNumber() uint64 {
	return c.store.LastBlockNumber()
}

// LastBlock returns the chain head.
func (c *Chain[H]) LastBlock() (block.Block, error) {
	b, err := c.BlockByNumber(c.LastBlockNumber())
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrUnknownBlockNumber
	}
	return b, nil
}

// BlockByNumber returns block n, or nil if it does not exist.
func (c *Chain[H]) BlockByNumber(n uint64) (block.Block, error) {
	if c.IsRemote(n) {
		return c.fork.blockByNumber(n)
	}
	if b := c.store.BlockByNumber(n); b != nil {
		return b, nil
	}
	return nil, nil
}

// BlockByHash returns the block with hash, or nil.
func (c *Chain[H]) BlockByHash(hash common.Hash) (block.Block, error) {
	if b := c.store.BlockByHash(hash); b != nil {
		return b, nil
	}
	if c.fork == nil {
		return nil, nil
	}
	return c.fork.blockByHash(hash)
}

// BlockHash returns the hash of block n for the BLOCKHASH opcode.
func (c *Chain[H]) BlockHash(n uint64) (common.Hash, error) {
	b, err := c.BlockByNumber(n)
	if err != nil || b == nil {
		return common.Hash{}, err
	}
	return b.Hash(), nil
}

// BlockByTransaction returns the block that includes txHash, or nil.
func (c *Chain[H]) BlockByTransaction(txHash common.Hash) (block.Block, error) {
	if b := c.store.BlockByTransaction(txHash); b != nil {
		return b, nil
	}
	if c.fork == nil {
		return nil, nil
	}
	return c.fork.blockByTransaction(txHash)
}

// Receipt returns the receipt of txHash, or nil.
func (c *Chain[H]) Receipt(txHash common.Hash) (*receipt.Block, error) {
	if r := c.store.Receipt(txHash); r != nil {
		return r, nil
	}
	if c.fork == nil {
		return nil, nil
	}
	return c.fork.receipt(txHash)
}

// TotalDifficulty returns the total difficulty at the block with hash, or
// nil if the block is unknown.
func (c *Chain[H]) TotalDifficulty(hash common.Hash) (*big.Int, error) {
	if td := c.store.TotalDifficulty(hash); td != nil {
		return td, nil
	}
	if c.fork == nil {
		return nil, nil
	}
	return c.fork.totalDifficulty(hash)
}

// InsertBlock appends a mined block whose execution produced diff.
func (c *Chain[H]) InsertBlock(b *block.Local, diff *state.Diff) error {
	parent, err := c.LastBlock()
	if err != nil {
		return err
	}
	n, ph := b.Number(), parent.Header()
	switch {
	case n != ph.Number.Uint64()+1:
		return &InvalidBlockError{Number: n, Reason: "number does not follow the head"}
	case b.Header().ParentHash != parent.Hash():
		return invalidParent(n, parent.Hash(), b.Header().ParentHash)
	case b.Header().Time < ph.Time, b.Header().Time == ph.Time && !c.allowEqual:
		return &InvalidBlockError{Number: n, Reason: "timestamp does not increase"}
	}
	parentTD, err := c.TotalDifficulty(parent.Hash())
	if err != nil {
		return err
	}
	if err := c.store.InsertBlock(b, block.TotalDifficulty(parentTD, b)); err != nil {
		return err
	}
	c.mu.Lock()
	c.diffs[n] = diff
	c.diffBlocks = append(c.diffBlocks, n)
	c.mu.Unlock()
	return nil
}

// ReserveBlocks appends count empty blocks spaced interval seconds apart
// without building them.
func (c *Chain[H]) ReserveBlocks(count, interval uint64) error {
	if c.reserver == nil {
		return ErrReservationsUnsupported
	}
	last, err := c.LastBlock()
	if err != nil {
		return err
	}
	td, err := c.TotalDifficulty(last.Hash())
	if err != nil {
		return err
	}
	if td == nil {
		td = new(big.Int)
	}
	return c.reserver.Reserve(count, interval, last, td)
}

// RevertToBlock drops every block above n along with its state diff.
func (c *Chain[H]) RevertToBlock(n uint64) error {
	if c.fork != nil && n < c.fork.number {
		return ErrCannotDeleteRemote
	}
	if !c.store.RevertToBlock(n) {
		return ErrUnknownBlockNumber
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.diffBlocks {
		if k > n {
			delete(c.diffs, k)
		}
	}
	c.diffBlocks = slices.DeleteFunc(c.diffBlocks, func(k uint64) bool { return k > n })
	return nil
}

// StateAt returns the post-state of block n with the irregular changes
// recorded up to n applied on top. irr may be nil.
func (c *Chain[H]) StateAt(ctx context.Context, n uint64, irr *state.Irregular) (*state.Overlay, error) {
	if n > c.LastBlockNumber() {
		return nil, ErrUnknownBlockNumber
	}
	var (
		o     *state.Overlay
		after uint64
		first = true
	)
	if c.fork != nil {
		base := min(n, c.fork.number)
		o = state.NewOverlay(c.fork.stateAt(ctx, base))
		after, first = base, false
	} else {
		o = state.NewOverlay(state.Empty{})
	}

	c.mu.RLock()
	blocks := make([]uint64, 0, len(c.diffBlocks))
	for _, k := range c.diffBlocks {
		if k <= n && (first || k > after) {
			blocks = append(blocks, k)
		}
	}
	diffs := make([]*state.Diff, len(blocks))
	for i, k := range blocks {
		diffs[i] = c.diffs[k]
	}
	c.mu.RUnlock()

	var irregular []uint64
	if irr != nil {
		irregular = irr.BlocksUpTo(n)
	}
	i, j := 0, 0
	for i < len(blocks) || j < len(irregular) {
		if j == len(irregular) || (i < len(blocks) && blocks[i] <= irregular[j]) {
			o.Apply(diffs[i])
			i++
			continue
		}
		d := state.NewDiff()
		if err := irr.Apply(d, o, irregular[j]); err != nil {
			return nil, err
		}
		o.Apply(d)
		j++
	}
	return o, nil
}

// StateRoot returns the root to commit for state o. Local chains hash the
// complete state; forked chains cannot, and draw roots from a generator
// seeded with the fork block.
func (c *Chain[H]) StateRoot(o *state.Overlay) common.Hash {
	if c.fork != nil {
		return c.fork.stateRoots.Next()
	}
	return state.Root(o.Diff())
}

type remoteCaches struct {
	byNumber *lru.Cache[uint64, *block.Remote]
	byHash   *lru.Cache[common.Hash, *block.Remote]
}

func newRemoteCaches() remoteCaches {
	return remoteCaches{
		byNumber: lru.NewCache[uint64, *block.Remote](remoteBlockCacheSize),
		byHash:   lru.NewCache[common.Hash, *block.Remote](remoteBlockCacheSize),
	}
}

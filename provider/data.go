package provider

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/blockchain"
	"github.com/edrgo/edr/builder"
	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/mempool"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/rpcclient"
	"github.com/edrgo/edr/signature"
	"github.com/edrgo/edr/state"
)

var logger = log.Module("provider")

// chainSeed seeds the prevrandao values of local chains.
var chainSeed = []byte("edr prevrandao")

// Data is the mutable state behind a provider: the chain, its irregular
// state changes, the mempool and everything the hardhat_* and evm_*
// methods configure. It is not safe for concurrent use; the provider
// serializes access.
type Data[H chainspec.Hardfork] struct {
	ctx  context.Context
	cfg  Config
	spec chainspec.RuntimeSpec[H]
	feed *event.Feed
	now  func() time.Time

	chain     *blockchain.Chain[H]
	client    *rpcclient.Client
	irregular *state.Irregular
	pool      *mempool.Pool
	order     mempool.Order

	keys         map[common.Address]*ecdsa.PrivateKey
	accounts     []common.Address
	impersonated mapset.Set[common.Address]

	filters      map[string]*filter
	lastFilterID uint64
	snapshots    []*snapshot
	lastSnapshot uint64

	timeOffset    int64
	nextTimestamp *uint64
	nextBaseFee   *big.Int
	coinbase      common.Address
	minGasPrice   *big.Int
	blockGasLimit uint64
	autoMine      bool
	logging       bool
	beaconRoots   *primitives.HashGenerator
	console       *inspector.Console
	instanceID    common.Hash

	// head and pending cache the state of the last block and the block
	// that would be mined next. Both are dropped whenever either changes.
	head    *state.Overlay
	pending *builder.Result
}

// NewData builds the chain described by cfg. ctx bounds the remote calls
// of forked chains for the lifetime of the data.
func NewData[H chainspec.Hardfork](ctx context.Context, spec chainspec.RuntimeSpec[H], cfg Config, feed *event.Feed) (*Data[H], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hardfork := spec.DefaultHardfork()
	if cfg.Hardfork != "" {
		h, err := spec.ParseHardfork(cfg.Hardfork)
		if err != nil {
			return nil, fmt.Errorf("invalid hardfork: %w", err)
		}
		hardfork = h
	}
	if feed == nil {
		feed = new(event.Feed)
	}
	d := &Data[H]{
		ctx:           ctx,
		cfg:           cfg,
		spec:          spec,
		feed:          feed,
		now:           time.Now,
		irregular:     state.NewIrregular(),
		order:         cfg.mempoolOrder(),
		keys:          make(map[common.Address]*ecdsa.PrivateKey),
		impersonated:  mapset.NewThreadUnsafeSet[common.Address](),
		filters:       make(map[string]*filter),
		coinbase:      cfg.Coinbase,
		minGasPrice:   new(big.Int),
		blockGasLimit: cfg.BlockGasLimit,
		autoMine:      cfg.Mining.AutoMine,
		beaconRoots:   primitives.NewHashGenerator([]byte("edr beacon roots")),
		console:       inspector.NewConsole(),
		instanceID:    randomHash(),
	}
	if cfg.MinGasPrice != nil {
		d.minGasPrice.Set(cfg.MinGasPrice.ToInt())
	}
	if cfg.AllowUnlimitedContractSize {
		logger.Warn("Unlimited contract size is not supported by the interpreter; the EIP-170 limit stays in force")
	}

	balances, err := d.loadAccounts()
	if err != nil {
		return nil, err
	}
	if cfg.Fork != nil {
		err = d.initForked(hardfork, balances)
	} else {
		err = d.initLocal(hardfork, balances)
	}
	if err != nil {
		return nil, err
	}

	d.pool = mempool.New(mempool.Config{
		BlockGasLimit:     d.blockGasLimit,
		TransactionGasCap: d.cfg.TransactionGasCap,
	}, nil)
	st, err := d.headState()
	if err != nil {
		return nil, err
	}
	if err := d.pool.Update(st, d.nextBlockBaseFee()); err != nil {
		return nil, err
	}
	return d, nil
}

func randomHash() common.Hash {
	var h common.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return primitives.Keccak256([]byte(time.Now().String()))
	}
	return h
}

// loadAccounts derives the owned keys and returns the balance each owned
// account starts with.
func (d *Data[H]) loadAccounts() (map[common.Address]*big.Int, error) {
	balances := make(map[common.Address]*big.Int)
	add := func(key *ecdsa.PrivateKey, balance *big.Int) {
		addr := signature.Address(key)
		if _, ok := d.keys[addr]; ok {
			return
		}
		d.keys[addr] = key
		d.accounts = append(d.accounts, addr)
		balances[addr] = balance
	}
	for _, acc := range d.cfg.OwnedAccounts {
		key, err := parseSecretKey(acc.SecretKey)
		if err != nil {
			return nil, err
		}
		balance := defaultAccountBalance
		if acc.Balance != nil {
			balance = acc.Balance.ToInt()
		}
		add(key, balance)
	}
	if d.cfg.Mnemonic != "" && d.cfg.AccountCount > 0 {
		path := d.cfg.DerivationPath
		if path == "" {
			path = signature.DefaultDerivationBase
		}
		keys, err := signature.DeriveKeys(d.cfg.Mnemonic, "", path, d.cfg.AccountCount)
		if err != nil {
			return nil, fmt.Errorf("derive accounts: %w", err)
		}
		balance := defaultAccountBalance
		if d.cfg.AccountBalance != nil {
			balance = d.cfg.AccountBalance.ToInt()
		}
		for _, key := range keys {
			add(key, balance)
		}
	}
	return balances, nil
}

// genesisOverrides merges the owned balances with the configured genesis
// state. Explicit genesis entries win.
func (d *Data[H]) genesisOverrides(balances map[common.Address]*big.Int) (map[common.Address]*state.AccountOverride, error) {
	out := make(map[common.Address]*state.AccountOverride, len(balances)+len(d.cfg.GenesisState))
	for addr, balance := range balances {
		b, overflow := uint256.FromBig(balance)
		if overflow {
			return nil, fmt.Errorf("balance of %s exceeds 256 bits", addr)
		}
		out[addr] = &state.AccountOverride{Balance: b}
	}
	for addr, acc := range d.cfg.GenesisState {
		o := &state.AccountOverride{Storage: acc.Storage}
		if acc.Balance != nil {
			b, overflow := uint256.FromBig(acc.Balance.ToInt())
			if overflow {
				return nil, fmt.Errorf("balance of %s exceeds 256 bits", addr)
			}
			o.Balance = b
		}
		if acc.Nonce != nil {
			nonce := uint64(*acc.Nonce)
			o.Nonce = &nonce
		}
		if acc.Code != nil {
			o.Code = acc.Code
		}
		if prev, ok := out[addr]; ok {
			prev.Merge(o)
			continue
		}
		out[addr] = o
	}
	return out, nil
}

func (d *Data[H]) initLocal(hardfork H, balances map[common.Address]*big.Int) error {
	overrides, err := d.genesisOverrides(balances)
	if err != nil {
		return err
	}
	genesis := state.NewDiff()
	for addr, o := range overrides {
		if err := o.ApplyTo(genesis, state.Empty{}, addr); err != nil {
			return err
		}
	}
	timestamp := uint64(d.now().Unix())
	if d.cfg.InitialDate != nil {
		timestamp = uint64(d.cfg.InitialDate.Unix())
		d.timeOffset = int64(timestamp) - d.now().Unix()
	}
	lc := blockchain.LocalConfig[H]{
		ChainID:               d.cfg.ChainID,
		Hardfork:              hardfork,
		GasLimit:              d.cfg.BlockGasLimit,
		Timestamp:             timestamp,
		Coinbase:              d.cfg.Coinbase,
		BlobGas:               d.cfg.InitialBlobGas,
		ParentBeaconBlockRoot: d.cfg.InitialParentBeaconBlockRoot,
		Genesis:               genesis,
		Seed:                  chainSeed,
		AllowEqualTimestamps:  d.cfg.AllowBlocksWithSameTimestamp,
	}
	if d.cfg.InitialBaseFeePerGas != nil && hardfork.SpecID() >= chainspec.London {
		lc.InitialBaseFee = d.cfg.InitialBaseFeePerGas.ToInt()
	}
	chain, err := blockchain.NewLocal(d.spec, lc)
	if err != nil {
		return err
	}
	d.chain = chain
	return nil
}

func (d *Data[H]) initForked(hardfork H, balances map[common.Address]*big.Int) error {
	fc := d.cfg.Fork
	client, err := rpcclient.Dial(d.ctx, rpcclient.Config{
		URL:      fc.URL,
		Headers:  fc.HTTPHeaders,
		CacheDir: d.cfg.CacheDir,
	})
	if err != nil {
		return err
	}
	activations, err := d.chainOverride(client.ChainID())
	if err != nil {
		client.Close()
		return err
	}
	chainID := d.cfg.ChainID
	chain, err := blockchain.NewForked(d.ctx, d.spec, client, d.irregular, blockchain.ForkConfig[H]{
		BlockNumber:          fc.BlockNumber,
		ChainID:              &chainID,
		Hardfork:             hardfork,
		Activations:          activations,
		Seed:                 chainSeed,
		AllowEqualTimestamps: d.cfg.AllowBlocksWithSameTimestamp,
	})
	if err != nil {
		client.Close()
		return err
	}
	d.chain, d.client = chain, client

	overrides, err := d.genesisOverrides(balances)
	if err != nil {
		return err
	}
	forkBlock, _ := chain.ForkBlockNumber()
	for addr, o := range overrides {
		d.irregular.Set(forkBlock, addr, o)
	}
	if d.cfg.InitialDate != nil {
		d.timeOffset = d.cfg.InitialDate.Unix() - d.now().Unix()
	} else if last, err := chain.LastBlock(); err == nil {
		// Local blocks follow the fork block even if its clock runs ahead.
		if ahead := int64(last.Header().Time) - d.now().Unix(); ahead > 0 {
			d.timeOffset = ahead
		}
	}
	return nil
}

// chainOverride returns the configured hardfork schedule of a remote
// chain, or nil when none is configured.
func (d *Data[H]) chainOverride(remoteID uint64) (chainspec.Activations[H], error) {
	for _, o := range d.cfg.Fork.ChainOverrides {
		if o.ChainID != remoteID {
			continue
		}
		acts := make([]chainspec.Activation[H], 0, len(o.Activations))
		for _, a := range o.Activations {
			h, err := d.spec.ParseHardfork(a.Hardfork)
			if err != nil {
				return nil, fmt.Errorf("chain override %d: %w", remoteID, err)
			}
			var cond chainspec.ForkCondition
			switch {
			case a.Block != nil:
				cond = chainspec.AtBlock(*a.Block)
			case a.Timestamp != nil:
				cond = chainspec.AtTimestamp(*a.Timestamp)
			default:
				return nil, fmt.Errorf("chain override %d: activation of %s has neither block nor timestamp", remoteID, a.Hardfork)
			}
			acts = append(acts, chainspec.Activation[H]{Condition: cond, Hardfork: h})
		}
		return chainspec.NewActivations(acts...), nil
	}
	return nil, nil
}

// close releases the remote connection of forked data.
func (d *Data[H]) close() {
	if d.client != nil {
		d.client.Close()
	}
}

// invalidate drops the cached head state and pending block.
func (d *Data[H]) invalidate() {
	d.head = nil
	d.pending = nil
}

// headState returns the state of the last block. Callers must clone it
// before making changes.
func (d *Data[H]) headState() (*state.Overlay, error) {
	if d.head == nil {
		o, err := d.chain.StateAt(d.ctx, d.chain.LastBlockNumber(), d.irregular)
		if err != nil {
			return nil, err
		}
		d.head = o
	}
	return d.head, nil
}

func (d *Data[H]) lastHeader() (*types.Header, error) {
	b, err := d.chain.LastBlock()
	if err != nil {
		return nil, err
	}
	return b.Header(), nil
}

// hardforkAt returns the rule set of block number at timestamp.
func (d *Data[H]) hardforkAt(number, timestamp uint64) (H, error) {
	return d.chain.HardforkAt(number, timestamp)
}

// nextHardfork returns the hardfork of the block that would be mined next.
func (d *Data[H]) nextHardfork() (H, error) {
	parent, err := d.lastHeader()
	if err != nil {
		var zero H
		return zero, err
	}
	return d.hardforkAt(parent.Number.Uint64()+1, d.nextBlockTimestamp(parent))
}

func (d *Data[H]) nextSpec() (chainspec.SpecID, error) {
	h, err := d.nextHardfork()
	if err != nil {
		return 0, err
	}
	return h.SpecID(), nil
}

// currentTime is the wall clock shifted by the offset evm_increaseTime and
// explicit timestamps accumulated.
func (d *Data[H]) currentTime() uint64 {
	return uint64(max(d.now().Unix()+d.timeOffset, 0))
}

// nextBlockTimestamp is the timestamp the next block gets unless the
// caller supplies one.
func (d *Data[H]) nextBlockTimestamp(parent *types.Header) uint64 {
	if d.nextTimestamp != nil {
		return *d.nextTimestamp
	}
	now := d.currentTime()
	if d.cfg.AllowBlocksWithSameTimestamp {
		return max(now, parent.Time)
	}
	return max(now, parent.Time+1)
}

// nextBlockBaseFee is the base fee of the next block, nil before London.
func (d *Data[H]) nextBlockBaseFee() *big.Int {
	partial, _, err := d.nextPartial()
	if err != nil || partial.BaseFee == nil {
		return nil
	}
	return partial.BaseFee
}

// nextPartial derives the header of the next block without consuming any
// generator.
func (d *Data[H]) nextPartial() (*header.PartialHeader, chainspec.SpecID, error) {
	parent, err := d.lastHeader()
	if err != nil {
		return nil, 0, err
	}
	number := parent.Number.Uint64() + 1
	ts := d.nextBlockTimestamp(parent)
	h, err := d.hardforkAt(number, ts)
	if err != nil {
		return nil, 0, err
	}
	spec := h.SpecID()
	rules := chainspec.HeaderRules(spec, d.chain.BaseFeeParamsAt(h, number))
	partial := header.NewPartial(parent, rules, d.nextOverrides(spec, ts, false))
	return partial, spec, nil
}

// nextOverrides are the header values the provider imposes on the next
// block. Committing consumes the beacon root generator; previews peek.
func (d *Data[H]) nextOverrides(spec chainspec.SpecID, ts uint64, commit bool) header.Overrides {
	coinbase, gasLimit := d.coinbase, d.blockGasLimit
	o := header.Overrides{
		Beneficiary: &coinbase,
		Timestamp:   &ts,
		GasLimit:    &gasLimit,
	}
	if spec >= chainspec.London && d.nextBaseFee != nil {
		o.BaseFee = new(big.Int).Set(d.nextBaseFee)
	}
	if spec >= chainspec.Merge && !commit {
		mix := d.chain.PrevRandao().Peek()
		o.MixHash = &mix
	}
	if spec >= chainspec.Cancun {
		root := d.beaconRoots.Peek()
		if commit {
			root = d.beaconRoots.Next()
		}
		o.ParentBeaconBlockRoot = &root
	}
	return o
}

// precompiles returns the precompile set of a block, or nil for the
// hardfork's defaults.
func (d *Data[H]) precompiles(spec chainspec.SpecID, number, ts uint64) vm.PrecompiledContracts {
	return geth.Precompiles(geth.Rules(d.chain.ChainID(), spec, number, ts), d.cfg.EnableRIP7212, d.cfg.PrecompileOverrides)
}

func (d *Data[H]) blockHash(n uint64) common.Hash {
	h, err := d.chain.BlockHash(n)
	if err != nil {
		return common.Hash{}
	}
	return h
}

// resolveBlock returns the block number spec refers to. The pending block
// resolves to the number after the last block and pending is true.
func (d *Data[H]) resolveBlock(spec primitives.BlockSpec) (n uint64, pending bool, err error) {
	last := d.chain.LastBlockNumber()
	switch {
	case spec.Hash != nil:
		b, err := d.chain.BlockByHash(*spec.Hash)
		if err != nil {
			return 0, false, err
		}
		if b == nil {
			return 0, false, invalidInput("Unknown block hash %s", spec.Hash)
		}
		return b.Number(), false, nil
	case spec.Number != nil:
		if *spec.Number > last {
			return 0, false, invalidInput("Received invalid block tag %d. Latest block number is %d", *spec.Number, last)
		}
		return *spec.Number, false, nil
	}
	switch spec.Tag {
	case primitives.TagEarliest:
		return 0, false, nil
	case primitives.TagPending:
		return last + 1, true, nil
	}
	return last, false, nil
}

// blockAt returns the block spec refers to, building the pending block if
// needed. Unknown numbers and hashes return nil without error.
func (d *Data[H]) blockAt(spec primitives.BlockSpec) (block.Block, bool, error) {
	if spec.IsPending() {
		res, err := d.pendingBlock()
		if err != nil {
			return nil, false, err
		}
		return res.Block, true, nil
	}
	if spec.Hash != nil {
		b, err := d.chain.BlockByHash(*spec.Hash)
		return b, false, err
	}
	n, _, err := d.resolveBlock(spec)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && spec.Number != nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	b, err := d.chain.BlockByNumber(n)
	return b, false, err
}

// stateAt returns the state after the block spec refers to. The result is
// shared; callers must clone it before making changes.
func (d *Data[H]) stateAt(spec primitives.BlockSpec) (*state.Overlay, error) {
	n, pending, err := d.resolveBlock(spec)
	if err != nil {
		return nil, err
	}
	if pending {
		res, err := d.pendingBlock()
		if err != nil {
			return nil, err
		}
		return res.State, nil
	}
	if n == d.chain.LastBlockNumber() {
		return d.headState()
	}
	return d.chain.StateAt(d.ctx, n, d.irregular)
}

// modifyAccount records an irregular change of addr at the last block.
func (d *Data[H]) modifyAccount(addr common.Address, o *state.AccountOverride) error {
	d.irregular.Set(d.chain.LastBlockNumber(), addr, o)
	d.invalidate()
	st, err := d.headState()
	if err != nil {
		return err
	}
	return d.pool.Update(st, d.nextBlockBaseFee())
}

func (d *Data[H]) account(addr common.Address) (*state.Account, error) {
	st, err := d.headState()
	if err != nil {
		return nil, err
	}
	acc, err := st.Basic(addr)
	if err != nil || acc != nil {
		return acc, err
	}
	return state.NewAccount(), nil
}

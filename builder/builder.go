// Package builder assembles blocks on top of a chain's head. A Builder
// derives the child header from the parent, executes transactions one at a
// time against a journaled database and seals the block once the caller is
// done adding.
package builder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/blockchain"
	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

var logger = log.Module("builder")

// Config is the execution environment shared by the blocks of a chain.
type Config struct {
	// TransactionGasCap bounds the gas limit of a single transaction; zero
	// disables the check.
	TransactionGasCap uint64
	// Precompiles replaces the hardfork's precompile set when non-nil.
	Precompiles vm.PrecompiledContracts
	Tracer      *tracing.Hooks
	// Withdrawals are credited at finalization of Shanghai+ blocks.
	Withdrawals []*types.Withdrawal
}

// Builder builds one block. It is not safe for concurrent use.
type Builder[H chainspec.Hardfork] struct {
	chain    *blockchain.Chain[H]
	base     *state.Overlay
	cfg      Config
	hardfork H
	spec     chainspec.SpecID
	rules    header.Rules
	partial  *header.PartialHeader
	env      *types.Header

	db    *state.DB
	exec  *geth.Executor
	gp    *core.GasPool
	hooks chainspec.TxHooks

	txs         []*transaction.Signed
	receipts    []*receipt.Transaction
	executions  []*receipt.Execution
	outcomes    []*geth.Outcome
	gasUsed     uint64
	blobGasUsed uint64
	finalized   bool
}

// New starts a block on top of chain's head, executing against st (the
// head's state, which New does not modify). Overrides replace derived
// header values.
func New[H chainspec.Hardfork](chain *blockchain.Chain[H], st *state.Overlay, cfg Config, o header.Overrides) (*Builder[H], error) {
	parentBlock, err := chain.LastBlock()
	if err != nil {
		return nil, err
	}
	parent := parentBlock.Header()
	number := parent.Number.Uint64() + 1
	timestamp := parent.Time + 1
	if o.Timestamp != nil {
		timestamp = *o.Timestamp
	}
	o.Timestamp = &timestamp

	hardfork, err := chain.HardforkAt(number, timestamp)
	if err != nil {
		return nil, err
	}
	spec := hardfork.SpecID()
	rules := chainspec.HeaderRules(spec, chain.BaseFeeParamsAt(hardfork, number))

	if o.ParentHash == nil {
		// Remote headers need not hash to the hash their node reported.
		ph := parentBlock.Hash()
		o.ParentHash = &ph
	}
	if !rules.Merge && o.Difficulty == nil {
		o.Difficulty = ethash.CalcDifficulty(geth.ChainConfig(chain.ChainID(), spec), timestamp, parent)
	}
	if rules.Merge && o.MixHash == nil {
		mix := chain.PrevRandao().Next()
		o.MixHash = &mix
	}
	partial := header.NewPartial(parent, rules, o)

	b := &Builder[H]{
		chain:    chain,
		base:     st,
		cfg:      cfg,
		hardfork: hardfork,
		spec:     spec,
		rules:    rules,
		partial:  partial,
		env:      partial.Seal(header.Body{}),
		db:       state.NewDB(st),
		hooks:    chain.Spec().Hooks(hardfork),
	}
	b.gp = new(core.GasPool).AddGas(partial.GasLimit)
	b.exec = geth.NewExecutor(b.db, geth.Env{
		ChainID:     chain.ChainID(),
		Spec:        spec,
		Header:      b.env,
		GetHash:     b.blockHash,
		Precompiles: cfg.Precompiles,
		Tracer:      cfg.Tracer,
	})
	b.exec.ApplySystemCalls()
	return b, nil
}

func (b *Builder[H]) blockHash(n uint64) common.Hash {
	h, err := b.chain.BlockHash(n)
	if err != nil {
		logger.Debug("BLOCKHASH lookup failed", "number", n, "err", err)
		return common.Hash{}
	}
	return h
}

// Hardfork returns the hardfork of the block under construction.
func (b *Builder[H]) Hardfork() H { return b.hardfork }

// Header returns the execution view of the block header. Body-dependent
// fields are unset.
func (b *Builder[H]) Header() *types.Header { return b.env }

// GasRemaining returns the block gas still available.
func (b *Builder[H]) GasRemaining() uint64 { return b.gp.Gas() }

// BlobGasRemaining returns the blob gas still available, zero before Cancun.
func (b *Builder[H]) BlobGasRemaining() uint64 {
	if !b.rules.Cancun {
		return 0
	}
	return b.rules.Blob.MaxGas() - b.blobGasUsed
}

// Transactions returns the transactions added so far.
func (b *Builder[H]) Transactions() []*transaction.Signed { return b.txs }

// Outcomes returns the execution outcome of each added transaction.
func (b *Builder[H]) Outcomes() []*geth.Outcome { return b.outcomes }

// AddTransaction validates and executes tx. On error the block is left as
// it was and the builder may be offered another transaction.
func (b *Builder[H]) AddTransaction(tx *transaction.Signed) (*geth.Outcome, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	if err := b.chain.Spec().ValidateTransactionType(tx, b.hardfork); err != nil {
		return nil, err
	}
	if b.cfg.TransactionGasCap > 0 && tx.Gas() > b.cfg.TransactionGasCap {
		return nil, &chainspec.ExceedsTransactionGasCapError{Cap: b.cfg.TransactionGasCap, GasLimit: tx.Gas()}
	}
	if tx.Gas() > b.gp.Gas() {
		return nil, ErrExceedsBlockGasLimit
	}
	if blobGas := tx.BlobGas(); blobGas > 0 && blobGas > b.BlobGasRemaining() {
		return nil, ErrExceedsBlockBlobGasLimit
	}

	caller := tx.Caller()
	funds := &chainspec.Funds{Required: tx.UpfrontCost(), Available: b.db.GetBalance(caller).ToBig()}
	senderNonce := b.db.GetNonce(caller)

	snap := b.db.Snapshot()
	if err := b.hooks.BeforeTransaction(b.db, tx); err != nil {
		b.db.RevertToSnapshot(snap)
		return nil, b.chain.Spec().CastTransactionError(err, funds)
	}
	out, err := b.exec.ApplyTransaction(tx, len(b.txs), b.gp)
	if err != nil {
		b.db.RevertToSnapshot(snap)
		return nil, b.chain.Spec().CastTransactionError(err, funds)
	}
	l1Fee, err := b.hooks.AfterTransaction(b.db, tx, out.GasUsed)
	if err != nil {
		return nil, err
	}
	b.db.Finalise(true)

	b.gasUsed += out.GasUsed
	var post []byte
	if b.spec < chainspec.Byzantium {
		root := b.intermediateRoot()
		post = root.Bytes()
	}
	exec := b.chain.Spec().ExecutionReceipt(chainspec.ReceiptContext{
		Tx:            tx,
		Success:       out.Succeeded(),
		CumulativeGas: b.gasUsed,
		Logs:          out.Logs,
		PostState:     post,
		SenderNonce:   senderNonce,
	}, b.hardfork)

	r := &receipt.Transaction{
		Execution:         exec,
		TxHash:            tx.Hash(),
		TxIndex:           uint64(len(b.txs)),
		From:              caller,
		To:                tx.To(),
		ContractAddress:   out.ContractAddress,
		GasUsed:           out.GasUsed,
		EffectiveGasPrice: tx.EffectiveGasPrice(b.env.BaseFee),
		L1:                l1Fee,
	}
	if blobGas := tx.BlobGas(); blobGas > 0 {
		r.BlobGasUsed = blobGas
		r.BlobGasPrice = b.partial.BlobGasPrice(b.rules.Blob)
		b.blobGasUsed += blobGas
	}

	b.txs = append(b.txs, tx)
	b.receipts = append(b.receipts, r)
	b.executions = append(b.executions, exec)
	b.outcomes = append(b.outcomes, out)
	return out, nil
}

// intermediateRoot is the state root after the transactions added so far,
// used by pre-Byzantium receipts.
func (b *Builder[H]) intermediateRoot() common.Hash {
	o := b.base.Clone()
	o.Apply(b.db.Diff())
	return b.chain.StateRoot(o)
}

// Result is a sealed block with the state it produced.
type Result struct {
	Block    *block.Local
	Diff     *state.Diff
	State    *state.Overlay
	Outcomes []*geth.Outcome
}

// Finalize pays rewards, applies the configured withdrawals and seals the
// block. The chain is not modified; callers insert Result.Block with
// Result.Diff.
func (b *Builder[H]) Finalize(rewards []chainspec.Reward) (*Result, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	b.finalized = true

	for _, r := range rewards {
		amount, overflow := uint256.FromBig(r.Amount)
		if overflow {
			amount = new(uint256.Int).SetAllOne()
		}
		b.db.Credit(r.Address, amount)
	}
	var withdrawals []*types.Withdrawal
	if b.rules.Shanghai {
		withdrawals = b.cfg.Withdrawals
		if withdrawals == nil {
			withdrawals = []*types.Withdrawal{}
		}
		gwei := uint256.NewInt(params.GWei)
		for _, w := range withdrawals {
			b.db.Credit(w.Address, new(uint256.Int).Mul(uint256.NewInt(w.Amount), gwei))
		}
	}
	b.db.Finalise(true)

	diff := b.db.Diff()
	post := b.base.Clone()
	post.Apply(diff)

	encoded := make([][]byte, len(b.txs))
	for i, tx := range b.txs {
		enc, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		encoded[i] = enc
	}
	receiptsRoot, err := receipt.Root(b.executions)
	if err != nil {
		return nil, err
	}
	body := blockchain.EmptyBody(b.rules)
	body.TxRoot = primitives.OrderedTrieRoot(encoded)
	body.ReceiptsRoot = receiptsRoot
	body.Bloom = receipt.Bloom(b.executions)
	body.GasUsed = b.gasUsed
	body.BlobGasUsed = b.blobGasUsed
	body.StateRoot = b.chain.StateRoot(post)
	if b.rules.Shanghai {
		root := types.DeriveSha(types.Withdrawals(withdrawals), trie.NewStackTrie(nil))
		body.WithdrawalsRoot = &root
	}

	blk := block.NewLocal(b.partial.Seal(body), b.txs, b.receipts, withdrawals)
	return &Result{Block: blk, Diff: diff, State: post, Outcomes: b.outcomes}, nil
}

// Rewards returns the chain's block rewards for the beneficiary of the
// block being built.
func (b *Builder[H]) Rewards() []chainspec.Reward {
	return b.chain.Spec().BlockRewards(b.hardfork, b.partial.Beneficiary)
}

// BaseFee returns the base fee of the block under construction, nil
// before London.
func (b *Builder[H]) BaseFee() *big.Int { return b.env.BaseFee }

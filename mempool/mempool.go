// Package mempool holds transactions waiting to be mined. Each sender's
// transactions are split into a pending run, whose nonces follow the
// on-chain nonce without gaps and whose fee cap covers the next base fee,
// and a queue of the rest. The pool validates admissibility only; it never
// executes.
package mempool

import (
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/metrics"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

var logger = log.Module("mempool")

// DefaultPriceBump is the minimum percentage by which a replacement must
// raise every fee of the transaction it replaces.
const DefaultPriceBump = 10

// Config bounds the transactions the pool admits.
type Config struct {
	BlockGasLimit uint64
	// TransactionGasCap is the EIP-7825 cap; zero disables it.
	TransactionGasCap uint64
	// PriceBump defaults to DefaultPriceBump.
	PriceBump uint64
}

type entry struct {
	tx *transaction.Signed
	// seq orders entries by arrival.
	seq uint64
}

func (e *entry) nonce() uint64 { return e.tx.Nonce() }

// account holds one sender's transactions, both sorted by nonce.
type account struct {
	pending []*entry
	queued  []*entry
}

func (a *account) empty() bool { return len(a.pending) == 0 && len(a.queued) == 0 }

// find returns the entry with nonce and whether it is pending.
func (a *account) find(nonce uint64) (*entry, bool) {
	for _, e := range a.pending {
		if e.nonce() == nonce {
			return e, true
		}
	}
	for _, e := range a.queued {
		if e.nonce() == nonce {
			return e, false
		}
	}
	return nil, false
}

func (a *account) all() []*entry {
	out := make([]*entry, 0, len(a.pending)+len(a.queued))
	out = append(out, a.pending...)
	out = append(out, a.queued...)
	slices.SortFunc(out, func(x, y *entry) int { return cmpUint64(x.nonce(), y.nonce()) })
	return out
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Pool is a mempool. It is safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	cfg      Config
	baseFee  *big.Int
	accounts map[common.Address]*account
	byHash   map[common.Hash]*entry
	seq      uint64
}

// New returns an empty pool. baseFee is the base fee of the next block, nil
// before London.
func New(cfg Config, baseFee *big.Int) *Pool {
	if cfg.PriceBump == 0 {
		cfg.PriceBump = DefaultPriceBump
	}
	p := &Pool{
		cfg:      cfg,
		accounts: make(map[common.Address]*account),
		byHash:   make(map[common.Hash]*entry),
	}
	if baseFee != nil {
		p.baseFee = new(big.Int).Set(baseFee)
	}
	return p
}

// Clone returns an independent copy of the pool, as snapshots need.
func (p *Pool) Clone() *Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := New(p.cfg, p.baseFee)
	c.seq = p.seq
	clone := func(es []*entry) []*entry {
		out := make([]*entry, len(es))
		for i, e := range es {
			cp := *e
			out[i] = &cp
			c.byHash[cp.tx.Hash()] = out[i]
		}
		return out
	}
	for addr, a := range p.accounts {
		c.accounts[addr] = &account{pending: clone(a.pending), queued: clone(a.queued)}
	}
	return c
}

func stateOf(st state.Reader, addr common.Address) (nonce uint64, balance *big.Int, err error) {
	acc, err := st.Basic(addr)
	if err != nil {
		return 0, nil, err
	}
	if acc == nil {
		return 0, new(big.Int), nil
	}
	return acc.Nonce, acc.Balance.ToBig(), nil
}

// executable reports whether tx can pay the next block's base fee.
func (p *Pool) executable(tx *transaction.Signed) bool {
	return p.baseFee == nil || tx.IsDeposit() || tx.GasFeeCap().Cmp(p.baseFee) >= 0
}

// Add validates tx against st, the state of the chain head, and pools it.
func (p *Pool) Add(st state.Reader, tx *transaction.Signed) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash()
	if _, ok := p.byHash[hash]; ok {
		return ErrAlreadyKnown
	}
	if p.cfg.TransactionGasCap > 0 && tx.Gas() > p.cfg.TransactionGasCap {
		return &chainspec.ExceedsTransactionGasCapError{Cap: p.cfg.TransactionGasCap, GasLimit: tx.Gas()}
	}
	if p.cfg.BlockGasLimit > 0 && tx.Gas() > p.cfg.BlockGasLimit {
		return ErrExceedsBlockGasLimit
	}

	sender := tx.Caller()
	stateNonce, balance, err := stateOf(st, sender)
	if err != nil {
		return err
	}
	if tx.Nonce() < stateNonce {
		return &NonceTooLowError{Nonce: tx.Nonce(), StateNonce: stateNonce}
	}
	if cost := tx.UpfrontCost(); cost.Cmp(balance) > 0 {
		return &chainspec.InsufficientFundsError{Required: cost, Available: balance}
	}

	a, ok := p.accounts[sender]
	if !ok {
		a = &account{}
		p.accounts[sender] = a
	}
	p.seq++
	if old, _ := a.find(tx.Nonce()); old != nil {
		if err := p.checkReplacement(old.tx, tx); err != nil {
			return err
		}
		delete(p.byHash, old.tx.Hash())
		old.tx, old.seq = tx, p.seq
		p.byHash[hash] = old
		logger.Debug("Replaced transaction", "sender", sender, "nonce", tx.Nonce(), "hash", hash)
		p.reorganize(a, stateNonce)
		p.report()
		return nil
	}

	e := &entry{tx: tx, seq: p.seq}
	p.byHash[hash] = e
	a.queued = append(a.queued, e)
	p.reorganize(a, stateNonce)
	p.report()
	return nil
}

// checkReplacement enforces the price bump of replacement over old.
func (p *Pool) checkReplacement(old, replacement *transaction.Signed) error {
	// Rounded up, so a small price still has to grow.
	bump := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, new(big.Int).SetUint64(100+p.cfg.PriceBump))
		out.Add(out, big.NewInt(99))
		return out.Div(out, big.NewInt(100))
	}
	minFee, minTip := bump(old.GasFeeCap()), bump(old.GasTipCap())
	if replacement.GasFeeCap().Cmp(minFee) >= 0 && replacement.GasTipCap().Cmp(minTip) >= 0 {
		return nil
	}
	if old.Type() == transaction.LegacyType || old.Type() == transaction.AccessListType {
		return &ReplacementUnderpricedError{MinGasPrice: minFee}
	}
	return &ReplacementUnderpricedError{MinFeeCap: minFee, MinTipCap: minTip}
}

// reorganize splits a's transactions into the pending run starting at
// stateNonce and the queue.
func (p *Pool) reorganize(a *account, stateNonce uint64) {
	all := a.all()
	a.pending, a.queued = a.pending[:0], nil
	next := stateNonce
	for i, e := range all {
		if e.nonce() != next || !p.executable(e.tx) {
			a.queued = append(a.queued, all[i:]...)
			return
		}
		a.pending = append(a.pending, e)
		next++
	}
}

// Update re-validates every pooled transaction against st, the state of
// the new chain head, with baseFee the base fee of the next block. Mined,
// unaffordable or oversized transactions are dropped; the rest are
// re-split so that every pending transaction can pay baseFee.
func (p *Pool) Update(st state.Reader, baseFee *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.baseFee = nil
	if baseFee != nil {
		p.baseFee = new(big.Int).Set(baseFee)
	}
	for addr, a := range p.accounts {
		stateNonce, balance, err := stateOf(st, addr)
		if err != nil {
			return err
		}
		keep := func(e *entry) bool {
			tx := e.tx
			drop := tx.Nonce() < stateNonce ||
				(p.cfg.BlockGasLimit > 0 && tx.Gas() > p.cfg.BlockGasLimit) ||
				tx.UpfrontCost().Cmp(balance) > 0
			if drop {
				delete(p.byHash, tx.Hash())
			}
			return !drop
		}
		a.pending = slices.DeleteFunc(a.pending, func(e *entry) bool { return !keep(e) })
		a.queued = slices.DeleteFunc(a.queued, func(e *entry) bool { return !keep(e) })
		if a.empty() {
			delete(p.accounts, addr)
			continue
		}
		p.reorganize(a, stateNonce)
	}
	p.report()
	return nil
}

// SetBlockGasLimit changes the limit transactions are checked against.
// Pooled transactions above it are dropped by the next Update.
func (p *Pool) SetBlockGasLimit(limit uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.BlockGasLimit = limit
}

// Remove drops the transaction with hash. Its sender's later pending
// transactions move to the queue.
func (p *Pool) Remove(hash common.Hash) (*transaction.Signed, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byHash[hash]
	if !ok {
		return nil, false
	}
	delete(p.byHash, hash)
	sender := e.tx.Caller()
	a := p.accounts[sender]
	if i := slices.Index(a.pending, e); i >= 0 {
		moved := slices.Clone(a.pending[i+1:])
		a.pending = a.pending[:i]
		a.queued = append(moved, a.queued...)
	} else {
		a.queued = slices.DeleteFunc(a.queued, func(x *entry) bool { return x == e })
	}
	if a.empty() {
		delete(p.accounts, sender)
	}
	p.report()
	return e.tx, true
}

// Transaction returns the pooled transaction with hash.
func (p *Pool) Transaction(hash common.Hash) (*transaction.Signed, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.byHash[hash]; ok {
		return e.tx, true
	}
	return nil, false
}

// Has reports whether hash is pooled.
func (p *Pool) Has(hash common.Hash) bool {
	_, ok := p.Transaction(hash)
	return ok
}

// Len returns the number of pooled transactions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}

// HasPending reports whether any transaction is ready for inclusion.
func (p *Pool) HasPending() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accounts {
		if len(a.pending) > 0 {
			return true
		}
	}
	return false
}

func (p *Pool) collect(pick func(*account) []*entry) []*transaction.Signed {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var es []*entry
	for _, a := range p.accounts {
		es = append(es, pick(a)...)
	}
	slices.SortFunc(es, func(x, y *entry) int { return cmpUint64(x.seq, y.seq) })
	out := make([]*transaction.Signed, len(es))
	for i, e := range es {
		out[i] = e.tx
	}
	return out
}

// Pending returns the pending transactions in arrival order.
func (p *Pool) Pending() []*transaction.Signed {
	return p.collect(func(a *account) []*entry { return a.pending })
}

// Queued returns the queued transactions in arrival order.
func (p *Pool) Queued() []*transaction.Signed {
	return p.collect(func(a *account) []*entry { return a.queued })
}

// NextNonce returns the nonce following sender's last pending transaction,
// or false when sender has none pending.
func (p *Pool) NextNonce(sender common.Address) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[sender]
	if !ok || len(a.pending) == 0 {
		return 0, false
	}
	return a.pending[len(a.pending)-1].nonce() + 1, true
}

func (p *Pool) report() {
	var pending, queued int
	for _, a := range p.accounts {
		pending += len(a.pending)
		queued += len(a.queued)
	}
	metrics.MempoolTransactions.WithLabelValues("pending").Set(float64(pending))
	metrics.MempoolTransactions.WithLabelValues("queued").Set(float64(queued))
}

package provider

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"

	"github.com/edrgo/edr/blockchain"
	"github.com/edrgo/edr/builder"
	"github.com/edrgo/edr/inspector"
	"github.com/edrgo/edr/mempool"
	"github.com/edrgo/edr/metrics"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

// Mining modes, used as metric labels.
const (
	modeAuto     = "auto"
	modeInterval = "interval"
	modeManual   = "manual"
)

// minGasPriceFilter drops senders whose next transaction pays less than
// the minimum gas price.
type minGasPriceFilter struct {
	*mempool.Iterator
	min     *big.Int
	baseFee *big.Int
}

func (f *minGasPriceFilter) Peek() *transaction.Signed {
	for {
		tx := f.Iterator.Peek()
		if tx == nil || f.min.Sign() == 0 || tx.EffectiveGasPrice(f.baseFee).Cmp(f.min) >= 0 {
			return tx
		}
		f.Iterator.Pop()
	}
}

// startBlock opens a builder for the next block on top of st. A committed
// block consumes the prevrandao and beacon root generators; a preview
// only peeks at them.
func (d *Data[H]) startBlock(st *state.Overlay, timestamp *uint64, commit bool, tracer *tracing.Hooks) (*builder.Builder[H], error) {
	parent, err := d.lastHeader()
	if err != nil {
		return nil, err
	}
	number := parent.Number.Uint64() + 1
	ts := d.nextBlockTimestamp(parent)
	if timestamp != nil {
		ts = *timestamp
	}
	h, err := d.hardforkAt(number, ts)
	if err != nil {
		return nil, err
	}
	spec := h.SpecID()
	if commit {
		tracer = inspector.Mux(d.console.Hooks(), tracer)
	}
	return builder.New(d.chain, st, builder.Config{
		TransactionGasCap: d.cfg.TransactionGasCap,
		Precompiles:       d.precompiles(spec, number, ts),
		Tracer:            tracer,
	}, d.nextOverrides(spec, ts, commit))
}

// fillBlock offers the pending pool transactions to b in mining order.
func (d *Data[H]) fillBlock(b *builder.Builder[H]) map[common.Hash]error {
	it := d.pool.Iterator(d.order, b.BaseFee())
	return b.Fill(&minGasPriceFilter{Iterator: it, min: d.minGasPrice, baseFee: b.BaseFee()})
}

// mineBlock mines the pool's pending transactions into a new block. A nil
// timestamp lets the clock decide. When required is set and the block
// rejects that transaction, nothing is mined and its error is returned.
func (d *Data[H]) mineBlock(mode string, timestamp *uint64, tracer *tracing.Hooks, required *common.Hash) (*builder.Result, map[common.Hash]error, error) {
	st, err := d.headState()
	if err != nil {
		return nil, nil, err
	}
	mix, beacon := d.chain.PrevRandao().Peek(), d.beaconRoots.Peek()
	b, err := d.startBlock(st, timestamp, true, tracer)
	if err != nil {
		return nil, nil, err
	}
	rejected := d.fillBlock(b)
	if required != nil {
		if err := rejected[*required]; err != nil {
			d.chain.PrevRandao().SetNext(mix)
			d.beaconRoots.SetNext(beacon)
			return nil, rejected, err
		}
	}
	res, err := b.Finalize(b.Rewards())
	if err != nil {
		return nil, nil, err
	}
	if err := d.chain.InsertBlock(res.Block, res.Diff); err != nil {
		return nil, nil, err
	}
	if err := d.afterBlock(res, mode, timestamp != nil); err != nil {
		return nil, nil, err
	}
	return res, rejected, nil
}

// afterBlock updates the caches, the pool and the clock after res was
// appended, then notifies filters and subscriptions.
func (d *Data[H]) afterBlock(res *builder.Result, mode string, explicitTime bool) error {
	h := res.Block.Header()
	d.head = res.State
	d.pending = nil
	d.nextBaseFee = nil
	if explicitTime || d.nextTimestamp != nil {
		d.timeOffset = int64(h.Time) - d.now().Unix()
	}
	d.nextTimestamp = nil

	for _, tx := range res.Block.Transactions() {
		d.pool.Remove(tx.Hash())
	}
	if err := d.pool.Update(res.State, d.nextBlockBaseFee()); err != nil {
		return err
	}
	metrics.BlocksMined.WithLabelValues(mode).Inc()
	logger.Info("Mined block", "number", h.Number, "hash", res.Block.Hash(), "txs", len(res.Block.Transactions()), "gas", h.GasUsed)
	return d.notifyBlock(res)
}

// pendingBlock returns the block that mining now would produce.
func (d *Data[H]) pendingBlock() (*builder.Result, error) {
	if d.pending != nil {
		return d.pending, nil
	}
	st, err := d.headState()
	if err != nil {
		return nil, err
	}
	b, err := d.startBlock(st, nil, false, nil)
	if err != nil {
		return nil, err
	}
	d.fillBlock(b)
	res, err := b.Finalize(b.Rewards())
	if err != nil {
		return nil, err
	}
	d.pending = res
	return res, nil
}

// mineBlocks mines count blocks interval seconds apart. Empty stretches
// are reserved instead of built when the chain supports it.
func (d *Data[H]) mineBlocks(count, interval uint64) error {
	if count == 0 {
		return nil
	}
	if interval == 0 {
		return invalidInput("Interval must be greater than 0")
	}
	var prevTime uint64
	for i := uint64(0); i < count; i++ {
		var ts *uint64
		if i > 0 {
			next := prevTime + interval
			ts = &next
		}
		if i > 0 && !d.pool.HasPending() {
			err := d.chain.ReserveBlocks(count-i, interval)
			if err == nil {
				last, err := d.lastHeader()
				if err != nil {
					return err
				}
				d.invalidate()
				d.nextBaseFee = nil
				d.nextTimestamp = nil
				d.timeOffset = max(d.timeOffset, int64(last.Time)-d.now().Unix())
				st, err := d.headState()
				if err != nil {
					return err
				}
				return d.pool.Update(st, d.nextBlockBaseFee())
			}
			if !errors.Is(err, blockchain.ErrReservationsUnsupported) {
				return err
			}
		}
		res, _, err := d.mineBlock(modeManual, ts, nil, nil)
		if err != nil {
			return err
		}
		prevTime = res.Block.Header().Time
	}
	return nil
}

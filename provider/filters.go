package provider

import (
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/edrgo/edr/blockchain"
	"github.com/edrgo/edr/builder"
	"github.com/edrgo/edr/primitives"
)

// filterTimeout is how long a polled filter survives without a poll.
const filterTimeout = 5 * time.Minute

type filterKind uint8

const (
	logsFilter filterKind = iota
	blockFilter
	pendingTxFilter
)

// Subscription kinds of eth_subscribe.
const (
	subNewHeads               = "newHeads"
	subNewPendingTransactions = "newPendingTransactions"
	subLogs                   = "logs"
)

// filter is a polled filter or, when subscription is set, an eth_subscribe
// subscription whose events are pushed instead of buffered.
type filter struct {
	kind         filterKind
	subscription bool
	criteria     *blockchain.LogFilter
	// toLatest keeps a logs filter open-ended.
	toLatest bool
	deadline time.Time

	hashes []common.Hash
	logs   []*types.Log
}

func (f *filter) clone() *filter {
	c := *f
	if f.criteria != nil {
		criteria := *f.criteria
		c.criteria = &criteria
	}
	c.hashes = slices.Clone(f.hashes)
	c.logs = slices.Clone(f.logs)
	return &c
}

// covers reports whether block number n falls in a logs filter's range.
func (f *filter) covers(n uint64) bool {
	return n >= f.criteria.FromBlock && (f.toLatest || n <= f.criteria.ToBlock)
}

func cloneFilters(in map[string]*filter) map[string]*filter {
	out := make(map[string]*filter, len(in))
	for id, f := range in {
		out[id] = f.clone()
	}
	return out
}

func (d *Data[H]) nextFilterID() string {
	d.lastFilterID++
	return fmt.Sprintf("0x%x", d.lastFilterID)
}

func (d *Data[H]) addFilter(f *filter) string {
	d.pruneFilters()
	f.deadline = d.now().Add(filterTimeout)
	id := d.nextFilterID()
	d.filters[id] = f
	return id
}

// pruneFilters drops polled filters nobody polled in time.
func (d *Data[H]) pruneFilters() {
	now := d.now()
	for id, f := range d.filters {
		if !f.subscription && now.After(f.deadline) {
			logger.Debug("Removing expired filter", "id", id)
			delete(d.filters, id)
		}
	}
}

// logCriteria resolves the block range of args. Missing bounds and the
// pending tag resolve to the last block.
func (d *Data[H]) logCriteria(args *LogFilterArgs) (*blockchain.LogFilter, bool, error) {
	resolve := func(spec *primitives.BlockSpec) (uint64, bool, error) {
		if spec == nil || spec.IsPending() || (spec.Hash == nil && spec.Number == nil && spec.Tag == primitives.TagLatest) {
			return d.chain.LastBlockNumber(), true, nil
		}
		if spec.Number != nil {
			return *spec.Number, false, nil
		}
		n, _, err := d.resolveBlock(*spec)
		return n, false, err
	}
	from, _, err := resolve(args.FromBlock)
	if err != nil {
		return nil, false, err
	}
	to, toLatest, err := resolve(args.ToBlock)
	if err != nil {
		return nil, false, err
	}
	if !toLatest && from > to {
		return nil, false, invalidInput("blockRange extends beyond the range of fromBlock %d and toBlock %d", from, to)
	}
	return &blockchain.LogFilter{
		FromBlock: from,
		ToBlock:   to,
		Addresses: args.Address,
		Topics:    args.Topics,
	}, toLatest, nil
}

// getLogs implements eth_getLogs.
func (d *Data[H]) getLogs(args *LogFilterArgs) ([]*types.Log, error) {
	if args.BlockHash != nil {
		if args.FromBlock != nil || args.ToBlock != nil {
			return nil, invalidParams("blockHash is mutually exclusive with fromBlock and toBlock")
		}
		b, err := d.chain.BlockByHash(*args.BlockHash)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, invalidInput("Unknown block hash %s", args.BlockHash)
		}
		logs, err := blockchain.BlockLogs(b, &blockchain.LogFilter{
			FromBlock: b.Number(),
			ToBlock:   b.Number(),
			Addresses: args.Address,
			Topics:    args.Topics,
		})
		return nonNilLogs(logs), err
	}
	criteria, toLatest, err := d.logCriteria(args)
	if err != nil {
		return nil, err
	}
	if last := d.chain.LastBlockNumber(); toLatest || criteria.ToBlock > last {
		criteria.ToBlock = last
	}
	if criteria.FromBlock > criteria.ToBlock {
		return []*types.Log{}, nil
	}
	logs, err := d.chain.Logs(d.ctx, criteria)
	return nonNilLogs(logs), err
}

func nonNilLogs(logs []*types.Log) []*types.Log {
	if logs == nil {
		return []*types.Log{}
	}
	return logs
}

func (d *Data[H]) newLogFilter(args *LogFilterArgs, subscription bool) (string, error) {
	if args.BlockHash != nil {
		return "", invalidParams("blockHash is not supported by log filters")
	}
	criteria, toLatest, err := d.logCriteria(args)
	if err != nil {
		return "", err
	}
	return d.addFilter(&filter{kind: logsFilter, criteria: criteria, toLatest: toLatest, subscription: subscription}), nil
}

func (d *Data[H]) newBlockFilter(subscription bool) string {
	return d.addFilter(&filter{kind: blockFilter, subscription: subscription})
}

func (d *Data[H]) newPendingTransactionFilter(subscription bool) string {
	return d.addFilter(&filter{kind: pendingTxFilter, subscription: subscription})
}

// removeFilter uninstalls a polled filter or a subscription.
func (d *Data[H]) removeFilter(id string, subscription bool) bool {
	f, ok := d.filters[id]
	if !ok || f.subscription != subscription {
		return false
	}
	delete(d.filters, id)
	return true
}

// filterChanges returns and clears what a polled filter collected since
// the last poll. Unknown filters return nil.
func (d *Data[H]) filterChanges(id string) any {
	d.pruneFilters()
	f, ok := d.filters[id]
	if !ok || f.subscription {
		return nil
	}
	f.deadline = d.now().Add(filterTimeout)
	if f.kind == logsFilter {
		logs := nonNilLogs(f.logs)
		f.logs = nil
		return logs
	}
	hashes := f.hashes
	if hashes == nil {
		hashes = []common.Hash{}
	}
	f.hashes = nil
	return hashes
}

// filterLogs implements eth_getFilterLogs.
func (d *Data[H]) filterLogs(id string) ([]*types.Log, error) {
	d.pruneFilters()
	f, ok := d.filters[id]
	if !ok || f.subscription {
		return nil, invalidInput("Filter not found")
	}
	if f.kind != logsFilter {
		return nil, invalidInput("Subscription %s is not a logs subscription", id)
	}
	f.deadline = d.now().Add(filterTimeout)
	criteria := *f.criteria
	if last := d.chain.LastBlockNumber(); f.toLatest || criteria.ToBlock > last {
		criteria.ToBlock = last
	}
	if criteria.FromBlock > criteria.ToBlock {
		return []*types.Log{}, nil
	}
	logs, err := d.chain.Logs(d.ctx, &criteria)
	return nonNilLogs(logs), err
}

// subscribe installs an eth_subscribe subscription.
func (d *Data[H]) subscribe(kind string, args *LogFilterArgs) (string, error) {
	switch kind {
	case subNewHeads:
		return d.newBlockFilter(true), nil
	case subNewPendingTransactions:
		return d.newPendingTransactionFilter(true), nil
	case subLogs:
		if args == nil {
			args = &LogFilterArgs{}
		}
		return d.newLogFilter(args, true)
	}
	return "", invalidParams("unsupported subscription type %q", kind)
}

func (d *Data[H]) send(id string, result any) {
	d.feed.Send(SubscriptionEvent{ID: id, Result: result})
}

// notifyBlock feeds a newly mined block to every filter and subscription.
func (d *Data[H]) notifyBlock(res *builder.Result) error {
	b := res.Block
	for id, f := range d.filters {
		switch f.kind {
		case blockFilter:
			if f.subscription {
				d.send(id, b.Header())
				continue
			}
			f.hashes = append(f.hashes, b.Hash())
		case logsFilter:
			if !f.covers(b.Number()) {
				continue
			}
			logs, err := blockchain.BlockLogs(b, f.criteria)
			if err != nil {
				return err
			}
			if !f.subscription {
				f.logs = append(f.logs, logs...)
				continue
			}
			for _, l := range logs {
				d.send(id, l)
			}
		}
	}
	return nil
}

// notifyPendingTransaction feeds a transaction entering the pool to the
// pending transaction filters.
func (d *Data[H]) notifyPendingTransaction(hash common.Hash) {
	for id, f := range d.filters {
		if f.kind != pendingTxFilter {
			continue
		}
		if f.subscription {
			d.send(id, hash)
			continue
		}
		f.hashes = append(f.hashes, hash)
	}
}

package blockchain

import (
	"context"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/rpcclient"
)

// LogFilter selects logs over a closed block range. A nil entry in Topics
// matches any topic at that position.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Matches reports whether l satisfies the address and topic criteria.
func (f *LogFilter) Matches(l *types.Log) bool {
	if len(f.Addresses) > 0 && !slices.Contains(f.Addresses, l.Address) {
		return false
	}
	if len(f.Topics) > len(l.Topics) {
		return false
	}
	for i, alternatives := range f.Topics {
		if len(alternatives) > 0 && !slices.Contains(alternatives, l.Topics[i]) {
			return false
		}
	}
	return true
}

// MayContain reports whether a block with bloom can contain a matching
// log.
func (f *LogFilter) MayContain(bloom types.Bloom) bool {
	if len(f.Addresses) > 0 && !slices.ContainsFunc(f.Addresses, func(a common.Address) bool {
		return types.BloomLookup(bloom, a)
	}) {
		return false
	}
	for _, alternatives := range f.Topics {
		if len(alternatives) > 0 && !slices.ContainsFunc(alternatives, func(t common.Hash) bool {
			return types.BloomLookup(bloom, t)
		}) {
			return false
		}
	}
	return true
}

// Logs returns the logs matching f. The part of the range at or below the
// fork point is queried from the remote node in one call.
func (c *Chain[H]) Logs(ctx context.Context, f *LogFilter) ([]*types.Log, error) {
	var out []*types.Log
	from := f.FromBlock
	if c.fork != nil && from <= c.fork.number {
		remote := &rpcclient.LogFilter{
			FromBlock: from,
			ToBlock:   min(f.ToBlock, c.fork.number),
			Addresses: f.Addresses,
			Topics:    f.Topics,
		}
		logs, err := c.fork.client.Logs(ctx, remote)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
		from = c.fork.number + 1
	}
	to := min(f.ToBlock, c.LastBlockNumber())
	for n := from; n <= to; n++ {
		if c.reserver != nil && c.reserver.IsReserved(n) {
			continue
		}
		b, err := c.BlockByNumber(n)
		if err != nil {
			return nil, err
		}
		if b == nil || len(b.Transactions()) == 0 {
			continue
		}
		logs, err := BlockLogs(b, f)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
	}
	return out, nil
}

// BlockLogs returns the logs of b matching f.
func BlockLogs(b block.Block, f *LogFilter) ([]*types.Log, error) {
	if !f.MayContain(b.Header().Bloom) {
		return nil, nil
	}
	receipts, err := b.Receipts()
	if err != nil {
		return nil, err
	}
	var out []*types.Log
	for _, r := range receipts {
		for _, l := range r.Logs {
			if f.Matches(l) {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

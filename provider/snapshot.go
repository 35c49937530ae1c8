package provider

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/mempool"
	"github.com/edrgo/edr/state"
)

// snapshot is everything evm_revert restores.
type snapshot struct {
	id          uint64
	blockNumber uint64
	irregular   *state.Irregular
	pool        *mempool.Pool
	filters     map[string]*filter

	timeOffset    int64
	nextTimestamp *uint64
	nextBaseFee   *big.Int
	coinbase      common.Address
	blockGasLimit uint64
	prevRandao    common.Hash
	beaconRoot    common.Hash
	takenAt       time.Time
}

// takeSnapshot implements evm_snapshot.
func (d *Data[H]) takeSnapshot() string {
	d.lastSnapshot++
	s := &snapshot{
		id:            d.lastSnapshot,
		blockNumber:   d.chain.LastBlockNumber(),
		irregular:     d.irregular.Clone(),
		pool:          d.pool.Clone(),
		filters:       cloneFilters(d.filters),
		timeOffset:    d.timeOffset,
		coinbase:      d.coinbase,
		blockGasLimit: d.blockGasLimit,
		prevRandao:    d.chain.PrevRandao().Peek(),
		beaconRoot:    d.beaconRoots.Peek(),
		takenAt:       d.now(),
	}
	if d.nextTimestamp != nil {
		ts := *d.nextTimestamp
		s.nextTimestamp = &ts
	}
	if d.nextBaseFee != nil {
		s.nextBaseFee = new(big.Int).Set(d.nextBaseFee)
	}
	d.snapshots = append(d.snapshots, s)
	return fmt.Sprintf("0x%x", s.id)
}

// revertToSnapshot implements evm_revert. The snapshot and every later one
// are consumed; unknown ids return false.
func (d *Data[H]) revertToSnapshot(id uint64) (bool, error) {
	idx := -1
	for i, s := range d.snapshots {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	s := d.snapshots[idx]
	if err := d.chain.RevertToBlock(s.blockNumber); err != nil {
		return false, err
	}
	d.snapshots = d.snapshots[:idx]

	// The clock resumes where it stood when the snapshot was taken.
	elapsed := int64(d.now().Sub(s.takenAt) / time.Second)
	d.timeOffset = s.timeOffset - elapsed
	d.nextTimestamp = s.nextTimestamp
	d.nextBaseFee = s.nextBaseFee
	d.irregular = s.irregular
	d.pool = s.pool
	d.filters = s.filters
	d.coinbase = s.coinbase
	d.blockGasLimit = s.blockGasLimit
	d.chain.PrevRandao().SetNext(s.prevRandao)
	d.beaconRoots.SetNext(s.beaconRoot)
	d.invalidate()
	logger.Debug("Reverted to snapshot", "id", id, "block", s.blockNumber)
	return true, nil
}

package provider

import (
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/primitives"
)

// maxFeeHistory bounds the block count of eth_feeHistory.
const maxFeeHistory = 1024

// FeeHistory is the result of eth_feeHistory.
type FeeHistory struct {
	OldestBlock      hexutil.Uint64   `json:"oldestBlock"`
	Reward           [][]*hexutil.Big `json:"reward,omitempty"`
	BaseFee          []*hexutil.Big   `json:"baseFeePerGas"`
	GasUsedRatio     []float64        `json:"gasUsedRatio"`
	BlobBaseFee      []*hexutil.Big   `json:"baseFeePerBlobGas"`
	BlobGasUsedRatio []float64        `json:"blobGasUsedRatio"`
}

type txGasAndReward struct {
	gasUsed uint64
	reward  *big.Int
}

// feeHistory implements eth_feeHistory.
func (d *Data[H]) feeHistory(count uint64, newest primitives.BlockSpec, percentiles []float64) (*FeeHistory, error) {
	spec, err := d.nextSpec()
	if err != nil {
		return nil, err
	}
	if spec < chainspec.London {
		return nil, invalidInput("eth_feeHistory is disabled. It only works with the London hardfork or a later one.")
	}
	if count == 0 {
		return nil, invalidInput("blockCount should be at least 1")
	}
	if count > maxFeeHistory {
		return nil, invalidInput("blockCount should be at most %d", maxFeeHistory)
	}
	for i, p := range percentiles {
		if p < 0 || p > 100 {
			return nil, invalidInput("The reward percentile number %d is invalid. It must be a float between 0 and 100, but is %v instead.", i, p)
		}
		if i > 0 && p < percentiles[i-1] {
			return nil, invalidInput("The reward percentiles should be in non-decreasing order, but the percentile number %d is greater than the next one", i-1)
		}
	}

	last, pending, err := d.resolveBlock(newest)
	if err != nil {
		return nil, err
	}
	if pending {
		last--
	}
	oldest := uint64(0)
	if last+1 > count {
		oldest = last + 1 - count
	}

	out := &FeeHistory{OldestBlock: hexutil.Uint64(oldest)}
	for n := oldest; n <= last; n++ {
		b, err := d.chain.BlockByNumber(n)
		if err != nil {
			return nil, err
		}
		h := b.Header()
		hardfork, err := d.hardforkAt(n, h.Time)
		if err != nil {
			return nil, err
		}
		blob := chainspec.BlobParamsFor(hardfork.SpecID())

		out.BaseFee = append(out.BaseFee, (*hexutil.Big)(primitives.BigOrZero(h.BaseFee)))
		out.GasUsedRatio = append(out.GasUsedRatio, ratio(h.GasUsed, h.GasLimit))
		if h.ExcessBlobGas != nil {
			out.BlobBaseFee = append(out.BlobBaseFee, (*hexutil.Big)(header.BlobGasPrice(*h.ExcessBlobGas, blob)))
			var used uint64
			if h.BlobGasUsed != nil {
				used = *h.BlobGasUsed
			}
			out.BlobGasUsedRatio = append(out.BlobGasUsedRatio, ratio(used, blob.MaxGas()))
		} else {
			out.BlobBaseFee = append(out.BlobBaseFee, (*hexutil.Big)(new(big.Int)))
			out.BlobGasUsedRatio = append(out.BlobGasUsedRatio, 0)
		}
		if len(percentiles) > 0 {
			rewards, err := blockRewards(b, percentiles)
			if err != nil {
				return nil, err
			}
			out.Reward = append(out.Reward, rewards)
		}
	}

	// The fee of the block after the range completes both fee lists.
	if last == d.chain.LastBlockNumber() {
		partial, nextSpec, err := d.nextPartial()
		if err != nil {
			return nil, err
		}
		out.BaseFee = append(out.BaseFee, (*hexutil.Big)(primitives.BigOrZero(partial.BaseFee)))
		blobFee := new(big.Int)
		if partial.BlobGas != nil {
			blobFee = partial.BlobGasPrice(chainspec.BlobParamsFor(nextSpec))
		}
		out.BlobBaseFee = append(out.BlobBaseFee, (*hexutil.Big)(blobFee))
	} else {
		b, err := d.chain.BlockByNumber(last + 1)
		if err != nil {
			return nil, err
		}
		h := b.Header()
		out.BaseFee = append(out.BaseFee, (*hexutil.Big)(primitives.BigOrZero(h.BaseFee)))
		blobFee := new(big.Int)
		if h.ExcessBlobGas != nil {
			hardfork, err := d.hardforkAt(last+1, h.Time)
			if err != nil {
				return nil, err
			}
			blobFee = header.BlobGasPrice(*h.ExcessBlobGas, chainspec.BlobParamsFor(hardfork.SpecID()))
		}
		out.BlobBaseFee = append(out.BlobBaseFee, (*hexutil.Big)(blobFee))
	}
	return out, nil
}

func ratio(used, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

// blockRewards returns the effective tips at the given gas-weighted
// percentiles of b's transactions.
func blockRewards(b block.Block, percentiles []float64) ([]*hexutil.Big, error) {
	rewards := make([]*hexutil.Big, len(percentiles))
	txs := b.Transactions()
	if len(txs) == 0 {
		for i := range rewards {
			rewards[i] = (*hexutil.Big)(new(big.Int))
		}
		return rewards, nil
	}
	receipts, err := b.Receipts()
	if err != nil {
		return nil, err
	}
	h := b.Header()
	sorted := make([]txGasAndReward, len(txs))
	for i, tx := range txs {
		reward := tx.EffectiveGasTip(h.BaseFee)
		if reward == nil {
			reward = new(big.Int)
		}
		var gasUsed uint64
		if i < len(receipts) {
			gasUsed = receipts[i].GasUsed
		}
		sorted[i] = txGasAndReward{gasUsed: gasUsed, reward: reward}
	}
	slices.SortStableFunc(sorted, func(a, b txGasAndReward) int { return a.reward.Cmp(b.reward) })

	idx, sum := 0, sorted[0].gasUsed
	for i, p := range percentiles {
		threshold := uint64(float64(h.GasUsed) * p / 100)
		for sum < threshold && idx < len(sorted)-1 {
			idx++
			sum += sorted[idx].gasUsed
		}
		rewards[i] = (*hexutil.Big)(sorted[idx].reward)
	}
	return rewards, nil
}

// blobBaseFee implements eth_blobBaseFee: the blob gas price of the next
// block.
func (d *Data[H]) blobBaseFee() (*hexutil.Big, error) {
	partial, spec, err := d.nextPartial()
	if err != nil {
		return nil, err
	}
	if partial.BlobGas == nil {
		return nil, invalidInput("eth_blobBaseFee is disabled. It only works with the Cancun hardfork or a later one.")
	}
	return (*hexutil.Big)(partial.BlobGasPrice(chainspec.BlobParamsFor(spec))), nil
}

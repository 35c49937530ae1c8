package header

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// BlobParams schedules blob capacity for a hardfork.
type BlobParams struct {
	Target         uint64
	Max            uint64
	UpdateFraction uint64
}

var (
	// CancunBlobParams are the EIP-4844 values.
	CancunBlobParams = BlobParams{Target: 3, Max: 6, UpdateFraction: 3338477}
	// PragueBlobParams are the EIP-7691 values, also used by Osaka.
	PragueBlobParams = BlobParams{Target: 6, Max: 9, UpdateFraction: 5007716}
)

// GasPerBlob is the blob gas consumed by one blob.
const GasPerBlob uint64 = params.BlobTxBlobGasPerBlob

// blobBaseCost is the EIP-7918 reserve price multiplier.
const blobBaseCost = 1 << 13

// TargetGas returns the per-block blob gas target.
func (p BlobParams) TargetGas() uint64 { return p.Target * GasPerBlob }

// MaxGas returns the per-block blob gas limit.
func (p BlobParams) MaxGas() uint64 { return p.Max * GasPerBlob }

// BlobGasPrice returns the blob base fee for an excess blob gas value.
func BlobGasPrice(excess uint64, p BlobParams) *big.Int {
	return FakeExponential(big.NewInt(1), new(big.Int).SetUint64(excess), new(big.Int).SetUint64(p.UpdateFraction))
}

// CalcExcessBlobGas returns the child's excess blob gas. With reserve set
// (Osaka, EIP-7918) the excess only decays by the scaled target share while
// the execution base fee dominates the blob price.
func CalcExcessBlobGas(parentExcess, parentUsed uint64, parentBaseFee *big.Int, p BlobParams, reserve bool) uint64 {
	total := parentExcess + parentUsed
	if total < p.TargetGas() {
		return 0
	}
	if reserve && parentBaseFee != nil && p.Max > 0 {
		reservePrice := new(big.Int).Mul(big.NewInt(blobBaseCost), parentBaseFee)
		blobPrice := new(big.Int).Mul(BlobGasPrice(parentExcess, p), new(big.Int).SetUint64(GasPerBlob))
		if reservePrice.Cmp(blobPrice) > 0 {
			return parentExcess + parentUsed*(p.Max-p.Target)/p.Max
		}
	}
	return total - p.TargetGas()
}

// FakeExponential approximates factor * e^(numerator/denominator) with the
// Taylor expansion from EIP-4844.
func FakeExponential(factor, numerator, denominator *big.Int) *big.Int {
	i := big.NewInt(1)
	output := new(big.Int)
	accum := new(big.Int).Mul(factor, denominator)
	for accum.Sign() > 0 {
		output.Add(output, accum)
		accum.Mul(accum, numerator)
		accum.Div(accum, new(big.Int).Mul(denominator, i))
		i.Add(i, big.NewInt(1))
	}
	return output.Div(output, denominator)
}

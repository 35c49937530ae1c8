// Package header builds block headers for EDR's miners: parent-derived
// partial headers, the EIP-1559 base fee update with configurable
// parameters, and EIP-4844/7691/7918 blob gas accounting.
package header

import (
	"math/big"
)

// BaseFeeParams is the EIP-1559 tuning pair.
type BaseFeeParams struct {
	MaxChangeDenominator uint64 `json:"maxChangeDenominator" toml:"max_change_denominator"`
	ElasticityMultiplier uint64 `json:"elasticityMultiplier" toml:"elasticity_multiplier"`
}

// MainnetBaseFeeParams are the L1 parameters (D=8, E=2).
var MainnetBaseFeeParams = BaseFeeParams{MaxChangeDenominator: 8, ElasticityMultiplier: 2}

// InitialBaseFee is the base fee of the first London block.
const InitialBaseFee = 1_000_000_000

// CalcBaseFee returns the base fee of the child of a block with the given
// base fee, gas used and gas limit.
func CalcBaseFee(parentBaseFee *big.Int, parentGasUsed, parentGasLimit uint64, p BaseFeeParams) *big.Int {
	if parentBaseFee == nil {
		return big.NewInt(InitialBaseFee)
	}
	target := parentGasLimit / p.ElasticityMultiplier
	if target == 0 || parentGasUsed == target {
		return new(big.Int).Set(parentBaseFee)
	}
	var (
		num   = new(big.Int)
		denom = new(big.Int).SetUint64(target * p.MaxChangeDenominator)
	)
	if parentGasUsed > target {
		num.SetUint64(parentGasUsed - target)
		num.Mul(num, parentBaseFee)
		num.Div(num, denom)
		if num.Sign() == 0 {
			num.SetUint64(1)
		}
		return num.Add(parentBaseFee, num)
	}
	num.SetUint64(target - parentGasUsed)
	num.Mul(num, parentBaseFee)
	num.Div(num, denom)
	out := num.Sub(parentBaseFee, num)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

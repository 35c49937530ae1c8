package op

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

// Predeploy addresses.
var (
	L1BlockAddress    = common.HexToAddress("0x4200000000000000000000000000000000000015")
	L1FeeVaultAddress = common.HexToAddress("0x420000000000000000000000000000000000001A")
)

// L1Block storage layout.
var (
	l1BaseFeeSlot     = common.BigToHash(big.NewInt(1))
	scalarsSlot       = common.BigToHash(big.NewInt(3))
	overheadSlot      = common.BigToHash(big.NewInt(5))
	scalarSlot        = common.BigToHash(big.NewInt(6))
	l1BlobBaseFeeSlot = common.BigToHash(big.NewInt(7))
)

const (
	txDataZeroGas    = 4
	txDataNonZeroGas = 16
	// signatureBytes are added to pre-Regolith calldata estimates.
	signatureBytes = 68
)

var feeDecimals = big.NewInt(1_000_000)

// DataGas returns the L1 calldata gas of an encoded transaction.
func DataGas(enc []byte, h Hardfork) uint64 {
	var zeroes, ones uint64
	for _, b := range enc {
		if b == 0 {
			zeroes++
		} else {
			ones++
		}
	}
	if h < Regolith {
		ones += signatureBytes
	}
	return zeroes*txDataZeroGas + ones*txDataNonZeroGas
}

// L1Cost computes the data-availability fee of enc from the L1Block
// predeploy's storage.
func L1Cost(st chainspec.StateAccess, enc []byte, h Hardfork) *receipt.L1Fee {
	dataGas := DataGas(enc, h)
	l1BaseFee := st.GetState(L1BlockAddress, l1BaseFeeSlot).Big()

	if h < Ecotone {
		overhead := st.GetState(L1BlockAddress, overheadSlot).Big()
		scalar := st.GetState(L1BlockAddress, scalarSlot).Big()

		gasUsed := new(big.Int).Add(new(big.Int).SetUint64(dataGas), overhead)
		fee := new(big.Int).Mul(gasUsed, l1BaseFee)
		fee.Mul(fee, scalar)
		fee.Div(fee, feeDecimals)

		feeScalar := new(big.Float).Quo(new(big.Float).SetInt(scalar), new(big.Float).SetInt(feeDecimals))
		return &receipt.L1Fee{GasUsed: gasUsed.Uint64(), GasPrice: l1BaseFee, Fee: fee, FeeScalar: feeScalar}
	}

	// Fjord's FastLZ size estimate is not modelled; Ecotone's calldata
	// formula applies to every later hardfork.
	packed := st.GetState(L1BlockAddress, scalarsSlot)
	baseFeeScalar := uint64(binary.BigEndian.Uint32(packed[12:16]))
	blobBaseFeeScalar := uint64(binary.BigEndian.Uint32(packed[8:12]))
	blobBaseFee := st.GetState(L1BlockAddress, l1BlobBaseFeeSlot).Big()

	calldataPerByte := new(big.Int).Mul(l1BaseFee, big.NewInt(txDataNonZeroGas))
	calldataPerByte.Mul(calldataPerByte, new(big.Int).SetUint64(baseFeeScalar))
	blobPerByte := new(big.Int).Mul(blobBaseFee, new(big.Int).SetUint64(blobBaseFeeScalar))

	fee := new(big.Int).Add(calldataPerByte, blobPerByte)
	fee.Mul(fee, new(big.Int).SetUint64(dataGas))
	fee.Div(fee, new(big.Int).Mul(big.NewInt(txDataNonZeroGas), feeDecimals))

	return &receipt.L1Fee{
		GasUsed:           dataGas,
		GasPrice:          l1BaseFee,
		Fee:               fee,
		BaseFeeScalar:     &baseFeeScalar,
		BlobBaseFee:       blobBaseFee,
		BlobBaseFeeScalar: &blobBaseFeeScalar,
	}
}

// hooks charges L1 fees and mints deposits.
type hooks struct {
	hardfork Hardfork
}

// BeforeTransaction mints a deposit's value, or charges the sender of a
// regular transaction its L1 data fee.
func (k hooks) BeforeTransaction(st chainspec.StateAccess, tx *transaction.Signed) error {
	if tx.IsDeposit() {
		if mint := tx.Mint(); mint.Sign() > 0 {
			m, _ := uint256.FromBig(mint)
			st.Credit(tx.Caller(), m)
		}
		return nil
	}
	fee, err := k.l1Fee(st, tx)
	if err != nil {
		return err
	}
	amount, _ := uint256.FromBig(fee.Fee)
	if err := st.Debit(tx.Caller(), amount); err != nil {
		return &chainspec.InsufficientFundsError{Required: new(big.Int).Add(fee.Fee, tx.UpfrontCost()), Available: st.GetBalance(tx.Caller()).ToBig()}
	}
	return nil
}

// AfterTransaction pays the L1 fee into the vault and reports it for the
// receipt.
func (k hooks) AfterTransaction(st chainspec.StateAccess, tx *transaction.Signed, _ uint64) (*receipt.L1Fee, error) {
	if tx.IsDeposit() {
		return nil, nil
	}
	fee, err := k.l1Fee(st, tx)
	if err != nil {
		return nil, err
	}
	amount, _ := uint256.FromBig(fee.Fee)
	st.Credit(L1FeeVaultAddress, amount)
	return fee, nil
}

func (k hooks) l1Fee(st chainspec.StateAccess, tx *transaction.Signed) (*receipt.L1Fee, error) {
	enc, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode for l1 fee: %w", err)
	}
	return L1Cost(st, enc, k.hardfork), nil
}

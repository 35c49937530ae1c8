package transaction

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Deposit is an OP-stack L1→L2 deposit transaction (type 0x7e).
type Deposit struct {
	SourceHash common.Hash
	From       common.Address
	To         *common.Address `rlp:"nil"`
	Mint       *big.Int
	Value      *big.Int
	Gas        uint64
	IsSystemTx bool
	Data       []byte
}

// MarshalBinary returns 0x7e || rlp(deposit).
func (d *Deposit) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(DepositType)
	cp := *d
	if cp.Mint == nil {
		cp.Mint = new(big.Int)
	}
	if cp.Value == nil {
		cp.Value = new(big.Int)
	}
	if err := rlp.Encode(&buf, &cp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDeposit parses a 0x7e envelope.
func DecodeDeposit(raw []byte) (*Deposit, error) {
	if len(raw) == 0 || raw[0] != DepositType {
		return nil, fmt.Errorf("%w: not a deposit envelope", ErrUnsupportedType)
	}
	d := new(Deposit)
	if err := rlp.DecodeBytes(raw[1:], d); err != nil {
		return nil, fmt.Errorf("decode deposit: %w", err)
	}
	if d.Value == nil {
		d.Value = new(big.Int)
	}
	return d, nil
}

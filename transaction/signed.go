// Package transaction implements EDR's typed transaction envelope: the
// request → signed → pooled lifecycle for legacy, EIP-2930, EIP-1559,
// EIP-4844 and EIP-7702 transactions, plus the OP-stack deposit type.
//
// Non-deposit envelopes are carried by go-ethereum's types.Transaction; the
// sender travels in a signature.Fakeable so impersonated transactions flow
// through the same hashing and execution paths as real ones.
package transaction

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/signature"
)

// Envelope type identifiers.
const (
	LegacyType     = types.LegacyTxType
	AccessListType = types.AccessListTxType
	DynamicFeeType = types.DynamicFeeTxType
	BlobType       = types.BlobTxType
	SetCodeType    = types.SetCodeTxType
	DepositType    = 0x7e
)

var (
	// ErrEmptyInput is returned when decoding zero bytes.
	ErrEmptyInput = errors.New("empty transaction bytes")
	// ErrUnsupportedType is returned for envelope types the chain does not accept.
	ErrUnsupportedType = errors.New("unsupported transaction type")
	// ErrCreateNotAllowed is returned for blob and set-code transactions without a recipient.
	ErrCreateNotAllowed = errors.New("transaction type does not support contract creation")
	// ErrInvalidSender is returned when the signature does not recover.
	ErrInvalidSender = errors.New("invalid transaction signature")
)

// Signed is a transaction whose sender is known, either recovered from a
// real signature or fixed by impersonation. The envelope encoding and hash
// are computed once.
type Signed struct {
	tx      *types.Transaction
	deposit *Deposit
	sig     signature.Fakeable

	once sync.Once
	enc  []byte
	hash common.Hash

	// hashOverride pins the hash reported by a remote node for envelopes
	// that are re-typed on import.
	hashOverride *common.Hash
}

// NewSigned wraps an already signed go-ethereum transaction and recovers its
// sender.
func NewSigned(tx *types.Transaction) (*Signed, error) {
	from, err := types.Sender(SignerFor(tx), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSender, err)
	}
	v, r, s := tx.RawSignatureValues()
	return &Signed{tx: tx, sig: signature.NewReal(v, r, s, from)}, nil
}

// NewTrusted wraps a transaction whose sender was supplied by a trusted
// source, such as a remote node's JSON response.
func NewTrusted(tx *types.Transaction, from common.Address) *Signed {
	v, r, s := tx.RawSignatureValues()
	return &Signed{tx: tx, sig: signature.NewReal(v, r, s, from)}
}

// NewDeposit wraps an OP-stack deposit. Deposits carry no signature; the
// sender is part of the payload.
func NewDeposit(d *Deposit) *Signed {
	return &Signed{deposit: d, sig: signature.NewReal(new(big.Int), new(big.Int), new(big.Int), d.From)}
}

// SignerFor returns the signer that validates tx.
func SignerFor(tx *types.Transaction) types.Signer {
	if tx.Type() == types.LegacyTxType && !tx.Protected() {
		return types.HomesteadSigner{}
	}
	return types.LatestSignerForChainID(tx.ChainId())
}

// Decode parses an EIP-2718 envelope. Deposits are only accepted when
// allowDeposit is set.
func Decode(raw []byte, allowDeposit bool) (*Signed, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyInput
	}
	if raw[0] == DepositType {
		if !allowDeposit {
			return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedType, raw[0])
		}
		d, err := DecodeDeposit(raw)
		if err != nil {
			return nil, err
		}
		return NewDeposit(d), nil
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return NewSigned(tx)
}

// Inner returns the go-ethereum envelope, or nil for deposits.
func (t *Signed) Inner() *types.Transaction { return t.tx }

// Deposit returns the deposit payload, or nil for other types.
func (t *Signed) Deposit() *Deposit { return t.deposit }

// IsDeposit reports whether t is an OP-stack deposit.
func (t *Signed) IsDeposit() bool { return t.deposit != nil }

// Caller returns the sender.
func (t *Signed) Caller() common.Address { return t.sig.Sender() }

// Signature returns the fakeable signature.
func (t *Signed) Signature() signature.Fakeable { return t.sig }

// IsImpersonated reports whether the transaction carries a fake signature.
func (t *Signed) IsImpersonated() bool { return t.sig.IsFake() }

// Type returns the envelope type byte.
func (t *Signed) Type() uint8 {
	if t.deposit != nil {
		return DepositType
	}
	return t.tx.Type()
}

// Nonce returns the sender nonce. Deposits have none and report zero.
func (t *Signed) Nonce() uint64 {
	if t.deposit != nil {
		return 0
	}
	return t.tx.Nonce()
}

// Gas returns the gas limit.
func (t *Signed) Gas() uint64 {
	if t.deposit != nil {
		return t.deposit.Gas
	}
	return t.tx.Gas()
}

// GasPrice returns the legacy gas price or, for fee-market types, the fee cap.
func (t *Signed) GasPrice() *big.Int {
	if t.deposit != nil {
		return new(big.Int)
	}
	return t.tx.GasPrice()
}

// GasFeeCap returns max_fee_per_gas (the gas price for legacy types).
func (t *Signed) GasFeeCap() *big.Int {
	if t.deposit != nil {
		return new(big.Int)
	}
	return t.tx.GasFeeCap()
}

// GasTipCap returns max_priority_fee_per_gas (the gas price for legacy types).
func (t *Signed) GasTipCap() *big.Int {
	if t.deposit != nil {
		return new(big.Int)
	}
	return t.tx.GasTipCap()
}

// Value returns the transferred value.
func (t *Signed) Value() *big.Int {
	if t.deposit != nil {
		return new(big.Int).Set(t.deposit.Value)
	}
	return t.tx.Value()
}

// To returns the recipient, or nil for contract creation.
func (t *Signed) To() *common.Address {
	if t.deposit != nil {
		return t.deposit.To
	}
	return t.tx.To()
}

// Data returns the input data.
func (t *Signed) Data() []byte {
	if t.deposit != nil {
		return t.deposit.Data
	}
	return t.tx.Data()
}

// AccessList returns the EIP-2930 access list.
func (t *Signed) AccessList() types.AccessList {
	if t.deposit != nil {
		return nil
	}
	return t.tx.AccessList()
}

// BlobHashes returns the EIP-4844 versioned hashes.
func (t *Signed) BlobHashes() []common.Hash {
	if t.deposit != nil {
		return nil
	}
	return t.tx.BlobHashes()
}

// BlobGasFeeCap returns max_fee_per_blob_gas, or nil.
func (t *Signed) BlobGasFeeCap() *big.Int {
	if t.deposit != nil {
		return nil
	}
	return t.tx.BlobGasFeeCap()
}

// BlobGas returns the blob gas consumed by the transaction.
func (t *Signed) BlobGas() uint64 {
	return uint64(len(t.BlobHashes())) * params.BlobTxBlobGasPerBlob
}

// SetCodeAuthorizations returns the EIP-7702 authorization list.
func (t *Signed) SetCodeAuthorizations() []types.SetCodeAuthorization {
	if t.deposit != nil {
		return nil
	}
	return t.tx.SetCodeAuthorizations()
}

// ChainID returns the chain id the transaction is bound to, or nil for
// unprotected legacy transactions and deposits.
func (t *Signed) ChainID() *big.Int {
	if t.deposit != nil {
		return nil
	}
	if t.tx.Type() == types.LegacyTxType && !t.tx.Protected() {
		return nil
	}
	return t.tx.ChainId()
}

// Mint returns the amount minted by a deposit.
func (t *Signed) Mint() *big.Int {
	if t.deposit == nil || t.deposit.Mint == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.deposit.Mint)
}

func (t *Signed) encode() {
	t.once.Do(func() {
		if t.deposit != nil {
			t.enc, _ = t.deposit.MarshalBinary()
		} else {
			t.enc, _ = t.tx.MarshalBinary()
		}
		if t.hashOverride != nil {
			t.hash = *t.hashOverride
		} else {
			t.hash = crypto.Keccak256Hash(t.enc)
		}
	})
}

// Hash returns keccak256 of the envelope encoding.
func (t *Signed) Hash() common.Hash {
	t.encode()
	return t.hash
}

// MarshalBinary returns the EIP-2718 envelope encoding.
func (t *Signed) MarshalBinary() ([]byte, error) {
	t.encode()
	if t.enc == nil {
		return nil, fmt.Errorf("encode transaction of type %d", t.Type())
	}
	return common.CopyBytes(t.enc), nil
}

// Equal compares envelope encodings and senders. Cached hashes are not
// part of the comparison.
func (t *Signed) Equal(o *Signed) bool {
	if t == nil || o == nil {
		return t == o
	}
	a, errA := t.MarshalBinary()
	b, errB := o.MarshalBinary()
	return errA == nil && errB == nil && bytes.Equal(a, b) && t.Caller() == o.Caller()
}

// EffectiveGasTip returns min(tip cap, fee cap - baseFee), or nil if the fee
// cap is below baseFee. A nil baseFee yields the tip cap.
func (t *Signed) EffectiveGasTip(baseFee *big.Int) *big.Int {
	tip := t.GasTipCap()
	if baseFee == nil {
		return tip
	}
	headroom := new(big.Int).Sub(t.GasFeeCap(), baseFee)
	if headroom.Sign() < 0 {
		return nil
	}
	if headroom.Cmp(tip) < 0 {
		return headroom
	}
	return tip
}

// EffectiveGasPrice returns the per-gas price paid at baseFee.
func (t *Signed) EffectiveGasPrice(baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return t.GasPrice()
	}
	tip := t.EffectiveGasTip(baseFee)
	if tip == nil {
		return t.GasFeeCap()
	}
	return new(big.Int).Add(baseFee, tip)
}

// UpfrontCost is the balance the sender needs at maximum fees:
// gas*fee_cap + value + blob_gas*blob_fee_cap.
func (t *Signed) UpfrontCost() *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(t.Gas()), t.GasFeeCap())
	cost.Add(cost, t.Value())
	if blobCap := t.BlobGasFeeCap(); blobCap != nil {
		cost.Add(cost, new(big.Int).Mul(new(big.Int).SetUint64(t.BlobGas()), blobCap))
	}
	return cost
}

// WithoutSidecar returns t with any EIP-4844 sidecar stripped, the form in
// which blob transactions are included in blocks.
func (t *Signed) WithoutSidecar() *Signed {
	if t.tx == nil || t.tx.BlobTxSidecar() == nil {
		return t
	}
	return &Signed{tx: t.tx.WithoutBlobTxSidecar(), sig: t.sig, hashOverride: t.hashOverride}
}

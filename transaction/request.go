package transaction

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/signature"
)

// Request holds the unsigned fields of a transaction. Which fields are
// meaningful depends on Type.
type Request struct {
	Type uint8
	// ChainID is nil for pre-EIP-155 legacy transactions.
	ChainID       *big.Int
	Nonce         uint64
	GasPrice      *big.Int
	GasTipCap     *big.Int
	GasFeeCap     *big.Int
	Gas           uint64
	To            *common.Address
	Value         *big.Int
	Data          []byte
	AccessList    types.AccessList
	BlobHashes    []common.Hash
	BlobGasFeeCap *big.Int
	AuthList      []types.SetCodeAuthorization
	Sidecar       *types.BlobTxSidecar
}

// txData builds the go-ethereum payload with the given signature values.
func (r *Request) txData(v, rr, s *big.Int) (types.TxData, error) {
	value := primitives.BigOrZero(r.Value)
	switch r.Type {
	case LegacyType:
		return &types.LegacyTx{
			Nonce: r.Nonce, GasPrice: primitives.BigOrZero(r.GasPrice), Gas: r.Gas,
			To: r.To, Value: value, Data: r.Data, V: v, R: rr, S: s,
		}, nil
	case AccessListType:
		return &types.AccessListTx{
			ChainID: primitives.BigOrZero(r.ChainID), Nonce: r.Nonce, GasPrice: primitives.BigOrZero(r.GasPrice),
			Gas: r.Gas, To: r.To, Value: value, Data: r.Data, AccessList: r.AccessList, V: v, R: rr, S: s,
		}, nil
	case DynamicFeeType:
		return &types.DynamicFeeTx{
			ChainID: primitives.BigOrZero(r.ChainID), Nonce: r.Nonce,
			GasTipCap: primitives.BigOrZero(r.GasTipCap), GasFeeCap: primitives.BigOrZero(r.GasFeeCap),
			Gas: r.Gas, To: r.To, Value: value, Data: r.Data, AccessList: r.AccessList, V: v, R: rr, S: s,
		}, nil
	case BlobType:
		if r.To == nil {
			return nil, ErrCreateNotAllowed
		}
		return &types.BlobTx{
			ChainID: primitives.U256(r.ChainID), Nonce: r.Nonce,
			GasTipCap: primitives.U256(r.GasTipCap), GasFeeCap: primitives.U256(r.GasFeeCap),
			Gas: r.Gas, To: *r.To, Value: primitives.U256(value), Data: r.Data, AccessList: r.AccessList,
			BlobFeeCap: primitives.U256(r.BlobGasFeeCap), BlobHashes: r.BlobHashes, Sidecar: r.Sidecar,
			V: primitives.U256(v), R: primitives.U256(rr), S: primitives.U256(s),
		}, nil
	case SetCodeType:
		if r.To == nil {
			return nil, ErrCreateNotAllowed
		}
		return &types.SetCodeTx{
			ChainID: primitives.U256(r.ChainID), Nonce: r.Nonce,
			GasTipCap: primitives.U256(r.GasTipCap), GasFeeCap: primitives.U256(r.GasFeeCap),
			Gas: r.Gas, To: *r.To, Value: primitives.U256(value), Data: r.Data, AccessList: r.AccessList,
			AuthList: r.AuthList, V: primitives.U256(v), R: primitives.U256(rr), S: primitives.U256(s),
		}, nil
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedType, r.Type)
}

func (r *Request) signer() types.Signer {
	if r.Type == LegacyType && r.ChainID == nil {
		return types.HomesteadSigner{}
	}
	return types.LatestSignerForChainID(r.ChainID)
}

// Sign signs the request with key.
func (r *Request) Sign(key *ecdsa.PrivateKey) (*Signed, error) {
	data, err := r.txData(nil, nil, nil)
	if err != nil {
		return nil, err
	}
	tx, err := types.SignNewTx(key, r.signer(), data)
	if err != nil {
		return nil, err
	}
	return NewTrusted(tx, signature.Address(key)), nil
}

// FakeSign produces an impersonated transaction from sender. The result
// hashes like a real transaction, with R = S = sender.
func (r *Request) FakeSign(sender common.Address) (*Signed, error) {
	v := new(big.Int)
	if r.Type == LegacyType {
		v = signature.LegacyV(r.ChainID, 0)
	}
	sig := signature.NewFake(sender, v)
	data, err := r.txData(sig.V, sig.R, sig.S)
	if err != nil {
		return nil, err
	}
	return &Signed{tx: types.NewTx(data), sig: sig}, nil
}

// RequestFrom reconstructs the unsigned request of a non-deposit transaction.
func RequestFrom(t *Signed) *Request {
	tx := t.Inner()
	r := &Request{
		Type:          tx.Type(),
		ChainID:       t.ChainID(),
		Nonce:         tx.Nonce(),
		Gas:           tx.Gas(),
		To:            tx.To(),
		Value:         tx.Value(),
		Data:          tx.Data(),
		AccessList:    tx.AccessList(),
		BlobHashes:    tx.BlobHashes(),
		BlobGasFeeCap: tx.BlobGasFeeCap(),
		AuthList:      tx.SetCodeAuthorizations(),
	}
	switch tx.Type() {
	case LegacyType, AccessListType:
		r.GasPrice = tx.GasPrice()
	default:
		r.GasTipCap = tx.GasTipCap()
		r.GasFeeCap = tx.GasFeeCap()
	}
	return r
}

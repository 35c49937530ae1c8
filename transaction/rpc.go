package transaction

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPCTransaction is the JSON-RPC representation of a transaction, as
// returned by eth_getTransactionByHash and embedded in full blocks.
type RPCTransaction struct {
	BlockHash        *common.Hash    `json:"blockHash"`
	BlockNumber      *hexutil.Big    `json:"blockNumber"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`

	Type                 hexutil.Uint64               `json:"type"`
	Hash                 common.Hash                  `json:"hash"`
	From                 common.Address               `json:"from"`
	To                   *common.Address              `json:"to"`
	Nonce                hexutil.Uint64               `json:"nonce"`
	Gas                  hexutil.Uint64               `json:"gas"`
	GasPrice             *hexutil.Big                 `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big                 `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big                 `json:"maxPriorityFeePerGas,omitempty"`
	MaxFeePerBlobGas     *hexutil.Big                 `json:"maxFeePerBlobGas,omitempty"`
	Value                *hexutil.Big                 `json:"value"`
	Input                hexutil.Bytes                `json:"input"`
	ChainID              *hexutil.Big                 `json:"chainId,omitempty"`
	AccessList           *types.AccessList            `json:"accessList,omitempty"`
	BlobVersionedHashes  []common.Hash                `json:"blobVersionedHashes,omitempty"`
	AuthorizationList    []types.SetCodeAuthorization `json:"authorizationList,omitempty"`
	V                    *hexutil.Big                 `json:"v"`
	R                    *hexutil.Big                 `json:"r"`
	S                    *hexutil.Big                 `json:"s"`
	YParity              *hexutil.Uint64              `json:"yParity,omitempty"`

	// OP-stack deposit fields.
	SourceHash *common.Hash `json:"sourceHash,omitempty"`
	Mint       *hexutil.Big `json:"mint,omitempty"`
	IsSystemTx *bool        `json:"isSystemTx,omitempty"`
}

func bigOf(b *hexutil.Big) *big.Int {
	if b == nil {
		return nil
	}
	return b.ToInt()
}

func hexBig(b *big.Int) *hexutil.Big {
	if b == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(b))
}

// IsKnownType reports whether typ is one of the L1 envelope types.
func IsKnownType(typ uint8) bool {
	return typ <= SetCodeType
}

// request extracts the unsigned fields with the given envelope type.
func (r *RPCTransaction) request(typ uint8) *Request {
	req := &Request{
		Type:          typ,
		ChainID:       bigOf(r.ChainID),
		Nonce:         uint64(r.Nonce),
		GasPrice:      bigOf(r.GasPrice),
		GasTipCap:     bigOf(r.MaxPriorityFeePerGas),
		GasFeeCap:     bigOf(r.MaxFeePerGas),
		Gas:           uint64(r.Gas),
		To:            r.To,
		Value:         bigOf(r.Value),
		Data:          r.Input,
		BlobHashes:    r.BlobVersionedHashes,
		BlobGasFeeCap: bigOf(r.MaxFeePerBlobGas),
		AuthList:      r.AuthorizationList,
	}
	if r.AccessList != nil {
		req.AccessList = *r.AccessList
	}
	return req
}

func (r *RPCTransaction) signatureValues() (v, rr, s *big.Int) {
	v, rr, s = bigOf(r.V), bigOf(r.R), bigOf(r.S)
	if v == nil {
		v = new(big.Int)
		if r.YParity != nil {
			v.SetUint64(uint64(*r.YParity))
		}
	}
	if rr == nil {
		rr = new(big.Int)
	}
	if s == nil {
		s = new(big.Int)
	}
	return v, rr, s
}

// ToSigned converts the remote representation. The sender reported by the
// node is trusted.
func (r *RPCTransaction) ToSigned() (*Signed, error) {
	typ := uint8(r.Type)
	if typ == DepositType {
		return r.ToDeposit()
	}
	if !IsKnownType(typ) {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedType, typ)
	}
	return r.toSigned(typ)
}

func (r *RPCTransaction) toSigned(typ uint8) (*Signed, error) {
	req := r.request(typ)
	v, rr, s := r.signatureValues()
	data, err := req.txData(v, rr, s)
	if err != nil {
		return nil, err
	}
	return NewTrusted(types.NewTx(data), r.From), nil
}

// ToLegacyLoose converts a transaction of an unknown type as a post-EIP-155
// legacy transaction. The reported hash is kept since the re-encoding does
// not reproduce it.
func (r *RPCTransaction) ToLegacyLoose() (*Signed, error) {
	if r.GasPrice == nil && r.MaxFeePerGas != nil {
		r.GasPrice = r.MaxFeePerGas
	}
	t, err := r.toSigned(LegacyType)
	if err != nil {
		return nil, err
	}
	h := r.Hash
	t.hashOverride = &h
	return t, nil
}

// ToDeposit converts an OP-stack deposit.
func (r *RPCTransaction) ToDeposit() (*Signed, error) {
	if r.SourceHash == nil {
		return nil, fmt.Errorf("%w: deposit without sourceHash", ErrUnsupportedType)
	}
	d := &Deposit{
		SourceHash: *r.SourceHash,
		From:       r.From,
		To:         r.To,
		Mint:       bigOf(r.Mint),
		Value:      bigOf(r.Value),
		Gas:        uint64(r.Gas),
		Data:       r.Input,
	}
	if d.Value == nil {
		d.Value = new(big.Int)
	}
	if r.IsSystemTx != nil {
		d.IsSystemTx = *r.IsSystemTx
	}
	return NewDeposit(d), nil
}

// BlockPosition locates a transaction inside a mined block.
type BlockPosition struct {
	Hash    common.Hash
	Number  uint64
	Index   uint64
	BaseFee *big.Int
}

// NewRPCTransaction renders t for JSON-RPC. pos is nil for pending
// transactions.
func NewRPCTransaction(t *Signed, pos *BlockPosition) *RPCTransaction {
	r := &RPCTransaction{
		Type:  hexutil.Uint64(t.Type()),
		Hash:  t.Hash(),
		From:  t.Caller(),
		To:    t.To(),
		Nonce: hexutil.Uint64(t.Nonce()),
		Gas:   hexutil.Uint64(t.Gas()),
		Value: hexBig(t.Value()),
		Input: t.Data(),
	}
	if pos != nil {
		h, n, i := pos.Hash, hexutil.Big(*new(big.Int).SetUint64(pos.Number)), hexutil.Uint64(pos.Index)
		r.BlockHash, r.BlockNumber, r.TransactionIndex = &h, &n, &i
	}
	if d := t.Deposit(); d != nil {
		r.SourceHash = &d.SourceHash
		r.Mint = hexBig(d.Mint)
		sys := d.IsSystemTx
		r.IsSystemTx = &sys
		r.GasPrice = hexBig(new(big.Int))
		r.V, r.R, r.S = hexBig(new(big.Int)), hexBig(new(big.Int)), hexBig(new(big.Int))
		return r
	}
	sig := t.Signature()
	r.V, r.R, r.S = hexBig(sig.V), hexBig(sig.R), hexBig(sig.S)
	r.ChainID = hexBig(t.ChainID())
	switch t.Type() {
	case LegacyType:
		r.GasPrice = hexBig(t.GasPrice())
		return r
	case AccessListType:
		r.GasPrice = hexBig(t.GasPrice())
	default:
		r.MaxFeePerGas = hexBig(t.GasFeeCap())
		r.MaxPriorityFeePerGas = hexBig(t.GasTipCap())
		price := t.GasFeeCap()
		if pos != nil && pos.BaseFee != nil {
			price = t.EffectiveGasPrice(pos.BaseFee)
		}
		r.GasPrice = hexBig(price)
	}
	al := t.AccessList()
	if al == nil {
		al = types.AccessList{}
	}
	r.AccessList = &al
	parity := hexutil.Uint64(0)
	if sig.V != nil {
		parity = hexutil.Uint64(sig.V.Uint64())
	}
	r.YParity = &parity
	if t.Type() == BlobType {
		r.MaxFeePerBlobGas = hexBig(t.BlobGasFeeCap())
		r.BlobVersionedHashes = t.BlobHashes()
	}
	if t.Type() == SetCodeType {
		r.AuthorizationList = t.SetCodeAuthorizations()
	}
	return r
}

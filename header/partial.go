package header

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Rules are the hardfork facts header construction depends on.
type Rules struct {
	London, Merge, Shanghai, Cancun, Prague, Osaka bool

	BaseFee BaseFeeParams
	Blob    BlobParams
}

// BlobGas is the (used, excess) pair of a Cancun+ header.
type BlobGas struct {
	GasUsed   uint64 `json:"gasUsed" toml:"gas_used"`
	ExcessGas uint64 `json:"excessGas" toml:"excess_gas"`
}

// Overrides replace the values NewPartial would derive from the parent.
type Overrides struct {
	ParentHash            *common.Hash
	Beneficiary           *common.Address
	Timestamp             *uint64
	GasLimit              *uint64
	Difficulty            *big.Int
	ExtraData             []byte
	MixHash               *common.Hash
	Nonce                 *types.BlockNonce
	BaseFee               *big.Int
	StateRoot             *common.Hash
	BlobGas               *BlobGas
	ParentBeaconBlockRoot *common.Hash
}

// PrePoSNonce is the nonce EDR writes to proof-of-work blocks.
var PrePoSNonce = types.EncodeNonce(0x42)

// PartialHeader is a header whose body-dependent fields are not yet known.
type PartialHeader struct {
	ParentHash            common.Hash
	Beneficiary           common.Address
	StateRoot             common.Hash
	Difficulty            *big.Int
	Number                uint64
	GasLimit              uint64
	Timestamp             uint64
	ExtraData             []byte
	MixHash               common.Hash
	Nonce                 types.BlockNonce
	BaseFee               *big.Int
	BlobGas               *BlobGas
	ParentBeaconBlockRoot *common.Hash
}

// NewPartial derives the header of parent's child. A nil parent produces a
// genesis header.
func NewPartial(parent *types.Header, rules Rules, o Overrides) *PartialHeader {
	p := &PartialHeader{Difficulty: new(big.Int)}
	if parent != nil {
		p.ParentHash = parent.Hash()
		p.Number = parent.Number.Uint64() + 1
		p.GasLimit = parent.GasLimit
		p.Timestamp = parent.Time + 1
	}
	if o.ParentHash != nil {
		p.ParentHash = *o.ParentHash
	}
	if o.Beneficiary != nil {
		p.Beneficiary = *o.Beneficiary
	}
	if o.Timestamp != nil {
		p.Timestamp = *o.Timestamp
	}
	if o.GasLimit != nil {
		p.GasLimit = *o.GasLimit
	}
	if o.Difficulty != nil {
		p.Difficulty = new(big.Int).Set(o.Difficulty)
	}
	p.ExtraData = o.ExtraData
	if o.StateRoot != nil {
		p.StateRoot = *o.StateRoot
	}

	if !rules.Merge {
		p.Nonce = PrePoSNonce
	}
	if o.Nonce != nil {
		p.Nonce = *o.Nonce
	}
	if o.MixHash != nil {
		p.MixHash = *o.MixHash
	}

	if rules.London {
		switch {
		case o.BaseFee != nil:
			p.BaseFee = new(big.Int).Set(o.BaseFee)
		case parent == nil || parent.BaseFee == nil:
			p.BaseFee = big.NewInt(InitialBaseFee)
		default:
			p.BaseFee = CalcBaseFee(parent.BaseFee, parent.GasUsed, parent.GasLimit, rules.BaseFee)
		}
	}

	if rules.Cancun {
		switch {
		case o.BlobGas != nil:
			bg := *o.BlobGas
			p.BlobGas = &bg
		case parent == nil || parent.ExcessBlobGas == nil:
			p.BlobGas = &BlobGas{}
		default:
			var used uint64
			if parent.BlobGasUsed != nil {
				used = *parent.BlobGasUsed
			}
			p.BlobGas = &BlobGas{ExcessGas: CalcExcessBlobGas(*parent.ExcessBlobGas, used, parent.BaseFee, rules.Blob, rules.Osaka)}
		}
		root := common.Hash{}
		if o.ParentBeaconBlockRoot != nil {
			root = *o.ParentBeaconBlockRoot
		}
		p.ParentBeaconBlockRoot = &root
	}
	return p
}

// Body holds the values only known once a block's transactions executed.
type Body struct {
	TxRoot          common.Hash
	ReceiptsRoot    common.Hash
	Bloom           types.Bloom
	GasUsed         uint64
	StateRoot       common.Hash
	UncleHash       common.Hash
	WithdrawalsRoot *common.Hash
	BlobGasUsed     uint64
	RequestsHash    *common.Hash
}

// Seal completes the header.
func (p *PartialHeader) Seal(b Body) *types.Header {
	h := &types.Header{
		ParentHash:       p.ParentHash,
		UncleHash:        b.UncleHash,
		Coinbase:         p.Beneficiary,
		Root:             b.StateRoot,
		TxHash:           b.TxRoot,
		ReceiptHash:      b.ReceiptsRoot,
		Bloom:            b.Bloom,
		Difficulty:       new(big.Int).Set(p.Difficulty),
		Number:           new(big.Int).SetUint64(p.Number),
		GasLimit:         p.GasLimit,
		GasUsed:          b.GasUsed,
		Time:             p.Timestamp,
		Extra:            common.CopyBytes(p.ExtraData),
		MixDigest:        p.MixHash,
		Nonce:            p.Nonce,
		WithdrawalsHash:  b.WithdrawalsRoot,
		ParentBeaconRoot: p.ParentBeaconBlockRoot,
		RequestsHash:     b.RequestsHash,
	}
	if h.Extra == nil {
		h.Extra = []byte{}
	}
	if p.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(p.BaseFee)
	}
	if p.BlobGas != nil {
		used, excess := b.BlobGasUsed, p.BlobGas.ExcessGas
		h.BlobGasUsed, h.ExcessBlobGas = &used, &excess
	}
	return h
}

// BlobGasPrice returns the blob base fee of the header under construction,
// or nil before Cancun.
func (p *PartialHeader) BlobGasPrice(bp BlobParams) *big.Int {
	if p.BlobGas == nil {
		return nil
	}
	return BlobGasPrice(p.BlobGas.ExcessGas, bp)
}

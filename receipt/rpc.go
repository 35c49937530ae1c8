package receipt

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPCReceipt is the JSON-RPC representation of a block receipt.
type RPCReceipt struct {
	Type              hexutil.Uint64  `json:"type"`
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []*types.Log    `json:"logs"`
	LogsBloom         types.Bloom     `json:"logsBloom"`
	Root              hexutil.Bytes   `json:"root,omitempty"`
	Status            *hexutil.Uint64 `json:"status,omitempty"`
	BlobGasUsed       *hexutil.Uint64 `json:"blobGasUsed,omitempty"`
	BlobGasPrice      *hexutil.Big    `json:"blobGasPrice,omitempty"`

	DepositNonce          *hexutil.Uint64 `json:"depositNonce,omitempty"`
	DepositReceiptVersion *hexutil.Uint64 `json:"depositReceiptVersion,omitempty"`
	L1GasUsed             *hexutil.Uint64 `json:"l1GasUsed,omitempty"`
	L1GasPrice            *hexutil.Big    `json:"l1GasPrice,omitempty"`
	L1Fee                 *hexutil.Big    `json:"l1Fee,omitempty"`
	L1FeeScalar           *string         `json:"l1FeeScalar,omitempty"`
	L1BaseFeeScalar       *hexutil.Uint64 `json:"l1BaseFeeScalar,omitempty"`
	L1BlobBaseFee         *hexutil.Big    `json:"l1BlobBaseFee,omitempty"`
	L1BlobBaseFeeScalar   *hexutil.Uint64 `json:"l1BlobBaseFeeScalar,omitempty"`
}

func u64(v uint64) *hexutil.Uint64 {
	h := hexutil.Uint64(v)
	return &h
}

func u64p(v *uint64) *hexutil.Uint64 {
	if v == nil {
		return nil
	}
	return u64(*v)
}

func hbig(b *big.Int) *hexutil.Big {
	if b == nil {
		return nil
	}
	return (*hexutil.Big)(b)
}

func fromU64(h *hexutil.Uint64) *uint64 {
	if h == nil {
		return nil
	}
	v := uint64(*h)
	return &v
}

func fromBig(h *hexutil.Big) *big.Int {
	if h == nil {
		return nil
	}
	return h.ToInt()
}

// NewRPCReceipt renders r for JSON-RPC.
func NewRPCReceipt(r *Block) *RPCReceipt {
	out := &RPCReceipt{
		Type:                  hexutil.Uint64(r.Type),
		TransactionHash:       r.TxHash,
		TransactionIndex:      hexutil.Uint64(r.TxIndex),
		BlockHash:             r.BlockHash,
		BlockNumber:           hexutil.Uint64(r.BlockNumber),
		From:                  r.From,
		To:                    r.To,
		CumulativeGasUsed:     hexutil.Uint64(r.CumulativeGasUsed),
		GasUsed:               hexutil.Uint64(r.GasUsed),
		EffectiveGasPrice:     hbig(r.EffectiveGasPrice),
		ContractAddress:       r.ContractAddress,
		Logs:                  r.Logs,
		LogsBloom:             r.Bloom,
		DepositNonce:          u64p(r.DepositNonce),
		DepositReceiptVersion: u64p(r.DepositReceiptVersion),
	}
	if out.Logs == nil {
		out.Logs = []*types.Log{}
	}
	if len(r.PostState) > 0 {
		out.Root = r.PostState
	} else {
		out.Status = u64(r.Status)
	}
	if r.Type == types.BlobTxType {
		out.BlobGasUsed = u64(r.BlobGasUsed)
		out.BlobGasPrice = hbig(r.BlobGasPrice)
	}
	if l1 := r.L1; l1 != nil {
		out.L1GasUsed = u64(l1.GasUsed)
		out.L1GasPrice = hbig(l1.GasPrice)
		out.L1Fee = hbig(l1.Fee)
		if l1.FeeScalar != nil {
			s := l1.FeeScalar.Text('f', -1)
			out.L1FeeScalar = &s
		}
		out.L1BaseFeeScalar = u64p(l1.BaseFeeScalar)
		out.L1BlobBaseFee = hbig(l1.BlobBaseFee)
		out.L1BlobBaseFeeScalar = u64p(l1.BlobBaseFeeScalar)
	}
	return out
}

// ToBlock converts a remote receipt.
func (r *RPCReceipt) ToBlock() *Block {
	exec := &Execution{
		Type:                  uint8(r.Type),
		PostState:             r.Root,
		CumulativeGasUsed:     uint64(r.CumulativeGasUsed),
		Bloom:                 r.LogsBloom,
		DepositNonce:          fromU64(r.DepositNonce),
		DepositReceiptVersion: fromU64(r.DepositReceiptVersion),
	}
	if r.Status != nil {
		exec.Status = uint64(*r.Status)
	}
	exec.Logs = make([]*types.Log, len(r.Logs))
	for i, l := range r.Logs {
		exec.Logs[i] = ExecutionLog(l)
	}
	tx := &Transaction{
		Execution:         exec,
		TxHash:            r.TransactionHash,
		TxIndex:           uint64(r.TransactionIndex),
		From:              r.From,
		To:                r.To,
		ContractAddress:   r.ContractAddress,
		GasUsed:           uint64(r.GasUsed),
		EffectiveGasPrice: fromBig(r.EffectiveGasPrice),
		BlobGasPrice:      fromBig(r.BlobGasPrice),
	}
	if r.BlobGasUsed != nil {
		tx.BlobGasUsed = uint64(*r.BlobGasUsed)
	}
	if r.L1Fee != nil || r.L1GasUsed != nil {
		tx.L1 = &L1Fee{
			GasPrice:          fromBig(r.L1GasPrice),
			Fee:               fromBig(r.L1Fee),
			BaseFeeScalar:     fromU64(r.L1BaseFeeScalar),
			BlobBaseFee:       fromBig(r.L1BlobBaseFee),
			BlobBaseFeeScalar: fromU64(r.L1BlobBaseFeeScalar),
		}
		if r.L1GasUsed != nil {
			tx.L1.GasUsed = uint64(*r.L1GasUsed)
		}
		if r.L1FeeScalar != nil {
			if f, err := strconv.ParseFloat(*r.L1FeeScalar, 64); err == nil {
				tx.L1.FeeScalar = big.NewFloat(f)
			}
		}
	}
	var timestamp uint64
	if len(r.Logs) > 0 {
		timestamp = r.Logs[0].BlockTimestamp
	}
	return &Block{
		Transaction: tx,
		BlockHash:   r.BlockHash,
		BlockNumber: uint64(r.BlockNumber),
		Timestamp:   timestamp,
		Logs:        r.Logs,
	}
}

// Package receipt holds EDR's layered receipt types. An Execution receipt
// is what the interpreter produces for one transaction; a Transaction
// receipt adds the transaction's identity and fees; a Block receipt adds
// the block it was mined in and carries fully-indexed filter logs.
package receipt

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/edrgo/edr/primitives"
)

// DepositType is the OP-stack deposit receipt envelope type.
const DepositType = 0x7e

// DepositReceiptVersion is the version written to Canyon+ deposit receipts.
const DepositReceiptVersion = 1

// Execution is a typed-envelope execution receipt. Pre-Byzantium receipts
// carry PostState; later ones carry Status.
type Execution struct {
	Type              uint8
	PostState         []byte
	Status            uint64
	CumulativeGasUsed uint64
	Bloom             types.Bloom
	Logs              []*types.Log

	// OP-stack deposit fields.
	DepositNonce          *uint64
	DepositReceiptVersion *uint64
}

// NewExecution builds an execution receipt. Logs are reduced to their
// (address, topics, data) part.
func NewExecution(typ uint8, success bool, cumulativeGas uint64, logs []*types.Log, postState []byte) *Execution {
	stripped := make([]*types.Log, len(logs))
	for i, l := range logs {
		stripped[i] = ExecutionLog(l)
	}
	r := &Execution{
		Type:              typ,
		PostState:         postState,
		CumulativeGasUsed: cumulativeGas,
		Logs:              stripped,
		Bloom:             primitives.LogsBloom(stripped),
	}
	if success {
		r.Status = types.ReceiptStatusSuccessful
	}
	return r
}

// Succeeded reports whether the transaction did not revert or halt.
// Pre-Byzantium receipts have no status and report true.
func (e *Execution) Succeeded() bool {
	return len(e.PostState) > 0 || e.Status == types.ReceiptStatusSuccessful
}

type depositRLP struct {
	PostStateOrStatus     []byte
	CumulativeGasUsed     uint64
	Bloom                 types.Bloom
	Logs                  []*types.Log
	DepositNonce          *uint64 `rlp:"optional"`
	DepositReceiptVersion *uint64 `rlp:"optional"`
}

func (e *Execution) statusEncoding() []byte {
	if len(e.PostState) > 0 {
		return e.PostState
	}
	if e.Status == types.ReceiptStatusSuccessful {
		return []byte{0x01}
	}
	return []byte{}
}

// MarshalBinary returns the consensus encoding used for receipts roots.
func (e *Execution) MarshalBinary() ([]byte, error) {
	if e.Type == DepositType {
		var buf bytes.Buffer
		buf.WriteByte(DepositType)
		err := rlp.Encode(&buf, &depositRLP{
			PostStateOrStatus:     e.statusEncoding(),
			CumulativeGasUsed:     e.CumulativeGasUsed,
			Bloom:                 e.Bloom,
			Logs:                  e.Logs,
			DepositNonce:          e.DepositNonce,
			DepositReceiptVersion: e.DepositReceiptVersion,
		})
		return buf.Bytes(), err
	}
	r := &types.Receipt{
		Type:              e.Type,
		PostState:         e.PostState,
		Status:            e.Status,
		CumulativeGasUsed: e.CumulativeGasUsed,
		Bloom:             e.Bloom,
		Logs:              e.Logs,
	}
	return r.MarshalBinary()
}

// UnmarshalExecution decodes the consensus encoding.
func UnmarshalExecution(raw []byte) (*Execution, error) {
	if len(raw) > 0 && raw[0] == DepositType {
		var d depositRLP
		if err := rlp.DecodeBytes(raw[1:], &d); err != nil {
			return nil, err
		}
		e := &Execution{
			Type:                  DepositType,
			CumulativeGasUsed:     d.CumulativeGasUsed,
			Bloom:                 d.Bloom,
			Logs:                  d.Logs,
			DepositNonce:          d.DepositNonce,
			DepositReceiptVersion: d.DepositReceiptVersion,
		}
		e.setStatus(d.PostStateOrStatus)
		return e, nil
	}
	var r types.Receipt
	if err := r.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &Execution{
		Type:              r.Type,
		PostState:         r.PostState,
		Status:            r.Status,
		CumulativeGasUsed: r.CumulativeGasUsed,
		Bloom:             r.Bloom,
		Logs:              r.Logs,
	}, nil
}

func (e *Execution) setStatus(b []byte) {
	switch {
	case len(b) == 1 && b[0] == 1:
		e.Status = types.ReceiptStatusSuccessful
	case len(b) == 32:
		e.PostState = b
	}
}

// L1Fee is the data-availability fee information OP-stack chains attach to
// receipts of non-deposit transactions.
type L1Fee struct {
	GasUsed           uint64
	GasPrice          *big.Int
	Fee               *big.Int
	FeeScalar         *big.Float
	BaseFeeScalar     *uint64
	BlobBaseFee       *big.Int
	BlobBaseFeeScalar *uint64
}

// Transaction is an execution receipt placed in a transaction's context.
type Transaction struct {
	*Execution

	TxHash            common.Hash
	TxIndex           uint64
	From              common.Address
	To                *common.Address
	ContractAddress   *common.Address
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	BlobGasUsed       uint64
	BlobGasPrice      *big.Int

	L1 *L1Fee
}

// Block is a transaction receipt placed in a mined block. Its logs carry
// block-wide log indices.
type Block struct {
	*Transaction

	BlockHash   common.Hash
	BlockNumber uint64
	Timestamp   uint64
	Logs        []*types.Log
}

// ExecutionLog strips the block and transaction metadata from l.
func ExecutionLog(l *types.Log) *types.Log {
	return &types.Log{
		Address: l.Address,
		Topics:  append([]common.Hash(nil), l.Topics...),
		Data:    common.CopyBytes(l.Data),
	}
}

// MapReceiptLogs promotes transaction receipts to block receipts, turning
// their execution logs into filter logs whose log index increases
// monotonically across the block.
func MapReceiptLogs(receipts []*Transaction, blockHash common.Hash, number, timestamp uint64) []*Block {
	out := make([]*Block, len(receipts))
	var index uint
	for i, r := range receipts {
		logs := make([]*types.Log, len(r.Execution.Logs))
		for j, l := range r.Execution.Logs {
			logs[j] = &types.Log{
				Address:        l.Address,
				Topics:         l.Topics,
				Data:           l.Data,
				BlockNumber:    number,
				TxHash:         r.TxHash,
				TxIndex:        uint(r.TxIndex),
				BlockHash:      blockHash,
				BlockTimestamp: timestamp,
				Index:          index,
			}
			index++
		}
		out[i] = &Block{Transaction: r, BlockHash: blockHash, BlockNumber: number, Timestamp: timestamp, Logs: logs}
	}
	return out
}

// Root returns the receipts root of receipts.
func Root(receipts []*Execution) (common.Hash, error) {
	items := make([][]byte, len(receipts))
	for i, r := range receipts {
		enc, err := r.MarshalBinary()
		if err != nil {
			return common.Hash{}, err
		}
		items[i] = enc
	}
	return primitives.OrderedTrieRoot(items), nil
}

// Bloom returns the OR of the receipts' blooms.
func Bloom(receipts []*Execution) types.Bloom {
	blooms := make([]types.Bloom, len(receipts))
	for i, r := range receipts {
		blooms[i] = r.Bloom
	}
	return primitives.BloomOr(blooms...)
}

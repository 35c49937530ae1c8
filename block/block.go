// Package block holds the two block variants a blockchain serves: locally
// mined blocks, which carry their receipts, and blocks fetched from a
// remote node, whose receipts are loaded on first use.
package block

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

// Block is the read view shared by local and remote blocks.
type Block interface {
	Hash() common.Hash
	// Header returns the block header. Callers must not modify it.
	Header() *types.Header
	Number() uint64
	Transactions() []*transaction.Signed
	OmmerHashes() []common.Hash
	// Withdrawals is nil before Shanghai.
	Withdrawals() []*types.Withdrawal
	// Receipts returns the receipts of the block's transactions, in
	// order.
	Receipts() ([]*receipt.Block, error)
	// Size is the length of the block's RLP encoding.
	Size() uint64
}

// Local is a block mined by EDR.
type Local struct {
	header      *types.Header
	hash        common.Hash
	txs         []*transaction.Signed
	receipts    []*receipt.Block
	withdrawals []*types.Withdrawal

	size atomic.Uint64
}

// NewLocal assembles a mined block. The transaction receipts are promoted
// to block receipts carrying the block's hash and block-wide log indices.
func NewLocal(h *types.Header, txs []*transaction.Signed, receipts []*receipt.Transaction, withdrawals []*types.Withdrawal) *Local {
	b := &Local{
		header:      types.CopyHeader(h),
		txs:         append([]*transaction.Signed(nil), txs...),
		withdrawals: copyWithdrawals(withdrawals),
	}
	b.hash = b.header.Hash()
	b.receipts = receipt.MapReceiptLogs(receipts, b.hash, b.Number(), h.Time)
	return b
}

// NewEmpty returns a block without transactions.
func NewEmpty(h *types.Header, withdrawals []*types.Withdrawal) *Local {
	return NewLocal(h, nil, nil, withdrawals)
}

// NewReserved returns an empty block standing in for a reserved slot. Its
// hash is given rather than derived, so a slot's identity does not depend
// on the headers of its neighbours.
func NewReserved(h *types.Header, withdrawals []*types.Withdrawal, hash common.Hash) *Local {
	b := &Local{
		header:      types.CopyHeader(h),
		withdrawals: copyWithdrawals(withdrawals),
		hash:        hash,
	}
	b.receipts = receipt.MapReceiptLogs(nil, hash, b.Number(), h.Time)
	return b
}

func (b *Local) Hash() common.Hash                   { return b.hash }
func (b *Local) Header() *types.Header               { return b.header }
func (b *Local) Number() uint64                      { return b.header.Number.Uint64() }
func (b *Local) Transactions() []*transaction.Signed { return b.txs }
func (b *Local) OmmerHashes() []common.Hash          { return nil }
func (b *Local) Withdrawals() []*types.Withdrawal    { return b.withdrawals }

func (b *Local) Receipts() ([]*receipt.Block, error) { return b.receipts, nil }

// TransactionReceipts returns the block receipts without the error the
// interface allows for.
func (b *Local) TransactionReceipts() []*receipt.Block { return b.receipts }

func (b *Local) Size() uint64 {
	if cached := b.size.Load(); cached != 0 {
		return cached
	}
	size := encodedSize(b.header, b.txs, nil, b.withdrawals)
	b.size.Store(size)
	return size
}

func copyWithdrawals(ws []*types.Withdrawal) []*types.Withdrawal {
	if ws == nil {
		return nil
	}
	out := make([]*types.Withdrawal, len(ws))
	for i, w := range ws {
		cpy := *w
		out[i] = &cpy
	}
	return out
}

type encodedBlock struct {
	Header      *types.Header
	Txs         []rlp.RawValue
	Uncles      []rlp.RawValue
	Withdrawals []*types.Withdrawal `rlp:"optional"`
}

func encodedSize(h *types.Header, txs []*transaction.Signed, uncles []rlp.RawValue, ws []*types.Withdrawal) uint64 {
	enc := encodedBlock{Header: h, Txs: make([]rlp.RawValue, 0, len(txs)), Uncles: uncles, Withdrawals: ws}
	if enc.Uncles == nil {
		enc.Uncles = []rlp.RawValue{}
	}
	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			continue
		}
		if tx.Type() != transaction.LegacyType {
			// Typed envelopes are byte strings inside the list.
			raw, _ = rlp.EncodeToBytes(raw)
		}
		enc.Txs = append(enc.Txs, raw)
	}
	out, err := rlp.EncodeToBytes(&enc)
	if err != nil {
		return 0
	}
	return uint64(len(out))
}

// TotalDifficulty adds b's difficulty to the total difficulty of its
// parent.
func TotalDifficulty(parentTD *big.Int, b Block) *big.Int {
	td := new(big.Int)
	if parentTD != nil {
		td.Set(parentTD)
	}
	if d := b.Header().Difficulty; d != nil {
		td.Add(td, d)
	}
	return td
}

package block

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/edrgo/edr/log"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/rpcclient"
	"github.com/edrgo/edr/transaction"
)

var logger = log.Module("block")

// ConvertFunc converts a remote transaction into EDR's representation. It
// is supplied by the chain spec since envelope types differ across chains.
type ConvertFunc func(*transaction.RPCTransaction) (*transaction.Signed, error)

// Remote is a block of the forked chain. Its receipts are fetched the first
// time they are needed.
type Remote struct {
	header      *types.Header
	hash        common.Hash
	txs         []*transaction.Signed
	ommers      []common.Hash
	withdrawals []*types.Withdrawal
	size        uint64

	ctx    context.Context
	client *rpcclient.Client

	once     sync.Once
	receipts []*receipt.Block
	err      error
}

// NewRemote wraps a block fetched with full transactions. ctx bounds the
// receipt fetch.
func NewRemote(ctx context.Context, rb *rpcclient.Block, client *rpcclient.Client, convert ConvertFunc) (*Remote, error) {
	txs := make([]*transaction.Signed, len(rb.Transactions))
	for i, rtx := range rb.Transactions {
		tx, err := convert(rtx)
		if err != nil {
			return nil, fmt.Errorf("block %d: transaction %d (%s): %w", rb.Number, i, rtx.Hash, err)
		}
		txs[i] = tx
	}
	return &Remote{
		header:      rb.Header(),
		hash:        rb.Hash,
		txs:         txs,
		ommers:      append([]common.Hash(nil), rb.Uncles...),
		withdrawals: copyWithdrawals(rb.Withdrawals),
		size:        uint64(rb.Size),
		ctx:         ctx,
		client:      client,
	}, nil
}

func (b *Remote) Hash() common.Hash                   { return b.hash }
func (b *Remote) Header() *types.Header               { return b.header }
func (b *Remote) Number() uint64                      { return b.header.Number.Uint64() }
func (b *Remote) Transactions() []*transaction.Signed { return b.txs }
func (b *Remote) OmmerHashes() []common.Hash          { return b.ommers }
func (b *Remote) Withdrawals() []*types.Withdrawal    { return b.withdrawals }
func (b *Remote) Size() uint64                        { return b.size }

// Receipts fetches the block's receipts with eth_getBlockReceipts, falling
// back to one eth_getTransactionReceipt per transaction on endpoints that
// lack it. A failed fetch is not retried.
func (b *Remote) Receipts() ([]*receipt.Block, error) {
	b.once.Do(func() {
		b.receipts, b.err = b.fetchReceipts()
	})
	return b.receipts, b.err
}

func (b *Remote) fetchReceipts() ([]*receipt.Block, error) {
	if len(b.txs) == 0 {
		return []*receipt.Block{}, nil
	}
	raw, err := b.client.BlockReceipts(b.ctx, b.Number())
	if rpcclient.IsMethodNotFound(err) {
		logger.Debug("Falling back to per-transaction receipts", "block", b.Number())
		raw, err = b.receiptsByTx()
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != len(b.txs) {
		return nil, fmt.Errorf("block %d: remote returned %d receipts for %d transactions", b.Number(), len(raw), len(b.txs))
	}
	out := make([]*receipt.Block, len(raw))
	for i, r := range raw {
		out[i] = r.ToBlock()
	}
	return out, nil
}

func (b *Remote) receiptsByTx() ([]*receipt.RPCReceipt, error) {
	out := make([]*receipt.RPCReceipt, 0, len(b.txs))
	for _, tx := range b.txs {
		r, err := b.client.TransactionReceipt(b.ctx, tx.Hash())
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, fmt.Errorf("block %d: missing receipt of %s", b.Number(), tx.Hash())
		}
		out = append(out, r)
	}
	return out, nil
}

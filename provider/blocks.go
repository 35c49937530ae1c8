package provider

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

// rpcBlock renders the block bs refers to, or nil if it does not exist.
func (d *Data[H]) rpcBlock(bs primitives.BlockSpec, full bool) (*RPCBlock, error) {
	b, pending, err := d.blockAt(bs)
	if err != nil || b == nil {
		return nil, err
	}
	var td *big.Int
	if !pending {
		if td, err = d.chain.TotalDifficulty(b.Hash()); err != nil {
			return nil, err
		}
	}
	return newRPCBlock(b, td, full, pending), nil
}

func (d *Data[H]) transactionCountIn(bs primitives.BlockSpec) (*uint64, error) {
	b, _, err := d.blockAt(bs)
	if err != nil || b == nil {
		return nil, err
	}
	n := uint64(len(b.Transactions()))
	return &n, nil
}

func position(b block.Block, i int) *transaction.BlockPosition {
	return &transaction.BlockPosition{Hash: b.Hash(), Number: b.Number(), Index: uint64(i), BaseFee: b.Header().BaseFee}
}

// transactionByHash looks in the mempool first, then in the chain.
func (d *Data[H]) transactionByHash(hash common.Hash) (*transaction.RPCTransaction, error) {
	if tx, ok := d.pool.Transaction(hash); ok {
		return transaction.NewRPCTransaction(tx, nil), nil
	}
	b, err := d.chain.BlockByTransaction(hash)
	if err != nil || b == nil {
		return nil, err
	}
	for i, tx := range b.Transactions() {
		if tx.Hash() == hash {
			return transaction.NewRPCTransaction(tx, position(b, i)), nil
		}
	}
	return nil, nil
}

func (d *Data[H]) transactionByIndex(bs primitives.BlockSpec, index uint64) (*transaction.RPCTransaction, error) {
	b, pending, err := d.blockAt(bs)
	if err != nil || b == nil {
		return nil, err
	}
	txs := b.Transactions()
	if index >= uint64(len(txs)) {
		return nil, nil
	}
	if pending {
		return transaction.NewRPCTransaction(txs[index], nil), nil
	}
	return transaction.NewRPCTransaction(txs[index], position(b, int(index))), nil
}

func (d *Data[H]) transactionReceipt(hash common.Hash) (*receipt.RPCReceipt, error) {
	r, err := d.chain.Receipt(hash)
	if err != nil || r == nil {
		return nil, err
	}
	return receipt.NewRPCReceipt(r), nil
}

// blockReceipts implements eth_getBlockReceipts. The pending block has
// none.
func (d *Data[H]) blockReceipts(bs primitives.BlockSpec) ([]*receipt.RPCReceipt, error) {
	if bs.IsPending() {
		return nil, nil
	}
	b, _, err := d.blockAt(bs)
	if err != nil || b == nil {
		return nil, err
	}
	receipts, err := b.Receipts()
	if err != nil {
		return nil, err
	}
	out := make([]*receipt.RPCReceipt, len(receipts))
	for i, r := range receipts {
		out[i] = receipt.NewRPCReceipt(r)
	}
	return out, nil
}

// metadata implements hardhat_metadata.
func (d *Data[H]) metadata() (*Metadata, error) {
	last, err := d.chain.LastBlock()
	if err != nil {
		return nil, err
	}
	m := &Metadata{
		ClientVersion:     ClientVersion,
		ChainID:           hexUint(d.chain.ChainID()),
		InstanceID:        d.instanceID,
		LatestBlockNumber: hexUint(last.Number()),
		LatestBlockHash:   last.Hash(),
	}
	if n, ok := d.chain.ForkBlockNumber(); ok {
		hash, err := d.chain.BlockHash(n)
		if err != nil {
			return nil, err
		}
		remoteID, _ := d.chain.RemoteChainID()
		m.ForkedNetwork = &ForkedNetwork{
			ChainID:         hexUint(remoteID),
			ForkBlockNumber: hexUint(n),
			ForkBlockHash:   hash,
		}
	}
	return m, nil
}

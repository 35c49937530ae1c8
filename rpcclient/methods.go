package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

var null = []byte("null")

func isNull(raw json.RawMessage) bool { return len(raw) == 0 || bytes.Equal(raw, null) }

// decode unmarshals raw into out, reporting false for a null result.
func decode(method string, raw json.RawMessage, out any) (bool, error) {
	if isNull(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s result: %w", method, err)
	}
	return true, nil
}

// pinned returns a store predicate for responses fixed to block n.
func (c *Client) pinned(ctx context.Context, n uint64) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool { return !isNull(raw) && c.isSafe(ctx, n) }
}

// BlockNumber returns the remote tip.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.request(ctx, nil, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if _, err := decode("eth_blockNumber", raw, &n); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.latest, c.latestAt = uint64(n), time.Now()
	c.mu.Unlock()
	return uint64(n), nil
}

// BlockByNumber returns the block at n with full transactions, or nil if
// the remote does not know it.
func (c *Client) BlockByNumber(ctx context.Context, n uint64) (*Block, error) {
	method := "eth_getBlockByNumber"
	raw, err := c.request(ctx, c.pinned(ctx, n), method, hexutil.Uint64(n), true)
	if err != nil {
		return nil, err
	}
	var b Block
	if ok, err := decode(method, raw, &b); !ok {
		return nil, err
	}
	return &b, nil
}

// BlockByHash returns the block with hash, or nil.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	method := "eth_getBlockByHash"
	store := func(raw json.RawMessage) bool {
		var b struct {
			Number hexutil.Uint64 `json:"number"`
		}
		ok, _ := decode(method, raw, &b)
		return ok && c.isSafe(ctx, uint64(b.Number))
	}
	raw, err := c.request(ctx, store, method, hash, true)
	if err != nil {
		return nil, err
	}
	var b Block
	if ok, err := decode(method, raw, &b); !ok {
		return nil, err
	}
	return &b, nil
}

// minedAt is a store predicate for objects carrying a blockNumber.
func (c *Client) minedAt(ctx context.Context, method string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var v struct {
			BlockNumber *hexutil.Big `json:"blockNumber"`
		}
		ok, _ := decode(method, raw, &v)
		return ok && v.BlockNumber != nil && v.BlockNumber.ToInt().IsUint64() &&
			c.isSafe(ctx, v.BlockNumber.ToInt().Uint64())
	}
}

// TransactionByHash returns the transaction with hash, or nil.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*transaction.RPCTransaction, error) {
	method := "eth_getTransactionByHash"
	raw, err := c.request(ctx, c.minedAt(ctx, method), method, hash)
	if err != nil {
		return nil, err
	}
	var tx transaction.RPCTransaction
	if ok, err := decode(method, raw, &tx); !ok {
		return nil, err
	}
	return &tx, nil
}

// TransactionReceipt returns the receipt of hash, or nil.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*receipt.RPCReceipt, error) {
	method := "eth_getTransactionReceipt"
	raw, err := c.request(ctx, c.minedAt(ctx, method), method, hash)
	if err != nil {
		return nil, err
	}
	var r receipt.RPCReceipt
	if ok, err := decode(method, raw, &r); !ok {
		return nil, err
	}
	return &r, nil
}

// BlockReceipts returns every receipt of block n. Endpoints without
// eth_getBlockReceipts fail with an error matched by IsMethodNotFound.
func (c *Client) BlockReceipts(ctx context.Context, n uint64) ([]*receipt.RPCReceipt, error) {
	method := "eth_getBlockReceipts"
	raw, err := c.request(ctx, c.pinned(ctx, n), method, hexutil.Uint64(n))
	if err != nil {
		return nil, err
	}
	var out []*receipt.RPCReceipt
	if _, err := decode(method, raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Proof returns the account at addr as of block n.
func (c *Client) Proof(ctx context.Context, addr common.Address, slots []common.Hash, n uint64) (*AccountProof, error) {
	method := "eth_getProof"
	if slots == nil {
		slots = []common.Hash{}
	}
	raw, err := c.request(ctx, c.pinned(ctx, n), method, addr, slots, hexutil.Uint64(n))
	if err != nil {
		return nil, err
	}
	var p AccountProof
	if ok, err := decode(method, raw, &p); !ok {
		if err == nil {
			err = fmt.Errorf("%s returned null for %s", method, addr)
		}
		return nil, err
	}
	return &p, nil
}

// StorageAt returns a storage slot of addr as of block n.
func (c *Client) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, n uint64) (common.Hash, error) {
	method := "eth_getStorageAt"
	raw, err := c.request(ctx, c.pinned(ctx, n), method, addr, slot, hexutil.Uint64(n))
	if err != nil {
		return common.Hash{}, err
	}
	var v hexutil.Bytes
	if _, err := decode(method, raw, &v); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(v), nil
}

// CodeAt returns the code of addr as of block n.
func (c *Client) CodeAt(ctx context.Context, addr common.Address, n uint64) ([]byte, error) {
	method := "eth_getCode"
	raw, err := c.request(ctx, c.pinned(ctx, n), method, addr, hexutil.Uint64(n))
	if err != nil {
		return nil, err
	}
	var code hexutil.Bytes
	if _, err := decode(method, raw, &code); err != nil {
		return nil, err
	}
	return code, nil
}

// Logs returns the logs matching f.
func (c *Client) Logs(ctx context.Context, f *LogFilter) ([]*types.Log, error) {
	method := "eth_getLogs"
	raw, err := c.request(ctx, c.pinned(ctx, f.ToBlock), method, f.arg())
	if err != nil {
		return nil, err
	}
	var logs []*types.Log
	if _, err := decode(method, raw, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

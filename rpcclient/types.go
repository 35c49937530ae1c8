package rpcclient

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/edrgo/edr/transaction"
)

// Block is a remote block as returned by eth_getBlockBy* with full
// transaction objects.
type Block struct {
	Hash                  common.Hash                   `json:"hash"`
	ParentHash            common.Hash                   `json:"parentHash"`
	UncleHash             common.Hash                   `json:"sha3Uncles"`
	Miner                 common.Address                `json:"miner"`
	StateRoot             common.Hash                   `json:"stateRoot"`
	TransactionsRoot      common.Hash                   `json:"transactionsRoot"`
	ReceiptsRoot          common.Hash                   `json:"receiptsRoot"`
	LogsBloom             types.Bloom                   `json:"logsBloom"`
	Difficulty            *hexutil.Big                  `json:"difficulty"`
	TotalDifficulty       *hexutil.Big                  `json:"totalDifficulty,omitempty"`
	Number                hexutil.Uint64                `json:"number"`
	GasLimit              hexutil.Uint64                `json:"gasLimit"`
	GasUsed               hexutil.Uint64                `json:"gasUsed"`
	Timestamp             hexutil.Uint64                `json:"timestamp"`
	ExtraData             hexutil.Bytes                 `json:"extraData"`
	MixHash               common.Hash                   `json:"mixHash"`
	Nonce                 types.BlockNonce              `json:"nonce"`
	BaseFeePerGas         *hexutil.Big                  `json:"baseFeePerGas,omitempty"`
	WithdrawalsRoot       *common.Hash                  `json:"withdrawalsRoot,omitempty"`
	BlobGasUsed           *hexutil.Uint64               `json:"blobGasUsed,omitempty"`
	ExcessBlobGas         *hexutil.Uint64               `json:"excessBlobGas,omitempty"`
	ParentBeaconBlockRoot *common.Hash                  `json:"parentBeaconBlockRoot,omitempty"`
	RequestsHash          *common.Hash                  `json:"requestsHash,omitempty"`
	Size                  hexutil.Uint64                `json:"size"`
	Uncles                []common.Hash                 `json:"uncles"`
	Transactions          []*transaction.RPCTransaction `json:"transactions"`
	Withdrawals           []*types.Withdrawal           `json:"withdrawals,omitempty"`
}

// Header converts the block's header fields.
func (b *Block) Header() *types.Header {
	h := &types.Header{
		ParentHash:       b.ParentHash,
		UncleHash:        b.UncleHash,
		Coinbase:         b.Miner,
		Root:             b.StateRoot,
		TxHash:           b.TransactionsRoot,
		ReceiptHash:      b.ReceiptsRoot,
		Bloom:            b.LogsBloom,
		Difficulty:       new(big.Int),
		Number:           new(big.Int).SetUint64(uint64(b.Number)),
		GasLimit:         uint64(b.GasLimit),
		GasUsed:          uint64(b.GasUsed),
		Time:             uint64(b.Timestamp),
		Extra:            common.CopyBytes(b.ExtraData),
		MixDigest:        b.MixHash,
		Nonce:            b.Nonce,
		WithdrawalsHash:  b.WithdrawalsRoot,
		ParentBeaconRoot: b.ParentBeaconBlockRoot,
		RequestsHash:     b.RequestsHash,
	}
	if b.Difficulty != nil {
		h.Difficulty.Set(b.Difficulty.ToInt())
	}
	if b.BaseFeePerGas != nil {
		h.BaseFee = new(big.Int).Set(b.BaseFeePerGas.ToInt())
	}
	if b.BlobGasUsed != nil {
		v := uint64(*b.BlobGasUsed)
		h.BlobGasUsed = &v
	}
	if b.ExcessBlobGas != nil {
		v := uint64(*b.ExcessBlobGas)
		h.ExcessBlobGas = &v
	}
	return h
}

// AccountProof is the eth_getProof result.
type AccountProof struct {
	Address      common.Address  `json:"address"`
	Balance      *hexutil.Big    `json:"balance"`
	CodeHash     common.Hash     `json:"codeHash"`
	Nonce        hexutil.Uint64  `json:"nonce"`
	StorageHash  common.Hash     `json:"storageHash"`
	AccountProof []string        `json:"accountProof"`
	StorageProof []StorageResult `json:"storageProof"`
}

// StorageResult is a slot of an AccountProof.
type StorageResult struct {
	Key   string       `json:"key"`
	Value *hexutil.Big `json:"value"`
	Proof []string     `json:"proof"`
}

// LogFilter selects logs for eth_getLogs over a closed block range.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (f *LogFilter) arg() map[string]any {
	arg := map[string]any{
		"fromBlock": hexutil.Uint64(f.FromBlock),
		"toBlock":   hexutil.Uint64(f.ToBlock),
	}
	if len(f.Addresses) > 0 {
		arg["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		arg["topics"] = f.Topics
	}
	return arg
}

package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

// RPCBlock is the JSON-RPC representation of a block. Hash and Nonce are
// null for the pending block.
type RPCBlock struct {
	Hash                  *common.Hash        `json:"hash"`
	ParentHash            common.Hash         `json:"parentHash"`
	Sha3Uncles            common.Hash         `json:"sha3Uncles"`
	Miner                 common.Address      `json:"miner"`
	StateRoot             common.Hash         `json:"stateRoot"`
	TransactionsRoot      common.Hash         `json:"transactionsRoot"`
	ReceiptsRoot          common.Hash         `json:"receiptsRoot"`
	LogsBloom             types.Bloom         `json:"logsBloom"`
	Difficulty            *hexutil.Big        `json:"difficulty"`
	TotalDifficulty       *hexutil.Big        `json:"totalDifficulty"`
	Number                hexutil.Uint64      `json:"number"`
	GasLimit              hexutil.Uint64      `json:"gasLimit"`
	GasUsed               hexutil.Uint64      `json:"gasUsed"`
	Timestamp             hexutil.Uint64      `json:"timestamp"`
	ExtraData             hexutil.Bytes       `json:"extraData"`
	MixHash               common.Hash         `json:"mixHash"`
	Nonce                 *types.BlockNonce   `json:"nonce"`
	BaseFeePerGas         *hexutil.Big        `json:"baseFeePerGas,omitempty"`
	WithdrawalsRoot       *common.Hash        `json:"withdrawalsRoot,omitempty"`
	BlobGasUsed           *hexutil.Uint64     `json:"blobGasUsed,omitempty"`
	ExcessBlobGas         *hexutil.Uint64     `json:"excessBlobGas,omitempty"`
	ParentBeaconBlockRoot *common.Hash        `json:"parentBeaconBlockRoot,omitempty"`
	RequestsHash          *common.Hash        `json:"requestsHash,omitempty"`
	Size                  hexutil.Uint64      `json:"size"`
	Uncles                []common.Hash       `json:"uncles"`
	Transactions          []any               `json:"transactions"`
	Withdrawals           []*types.Withdrawal `json:"withdrawals,omitempty"`
}

func newRPCBlock(b block.Block, td *big.Int, full, pending bool) *RPCBlock {
	h := b.Header()
	out := &RPCBlock{
		ParentHash:            h.ParentHash,
		Sha3Uncles:            h.UncleHash,
		Miner:                 h.Coinbase,
		StateRoot:             h.Root,
		TransactionsRoot:      h.TxHash,
		ReceiptsRoot:          h.ReceiptHash,
		LogsBloom:             h.Bloom,
		Difficulty:            (*hexutil.Big)(primitives.BigOrZero(h.Difficulty)),
		Number:                hexutil.Uint64(b.Number()),
		GasLimit:              hexutil.Uint64(h.GasLimit),
		GasUsed:               hexutil.Uint64(h.GasUsed),
		Timestamp:             hexutil.Uint64(h.Time),
		ExtraData:             h.Extra,
		MixHash:               h.MixDigest,
		BaseFeePerGas:         (*hexutil.Big)(h.BaseFee),
		WithdrawalsRoot:       h.WithdrawalsHash,
		BlobGasUsed:           (*hexutil.Uint64)(h.BlobGasUsed),
		ExcessBlobGas:         (*hexutil.Uint64)(h.ExcessBlobGas),
		ParentBeaconBlockRoot: h.ParentBeaconRoot,
		RequestsHash:          h.RequestsHash,
		Size:                  hexutil.Uint64(b.Size()),
		Uncles:                b.OmmerHashes(),
		Transactions:          make([]any, 0, len(b.Transactions())),
		Withdrawals:           b.Withdrawals(),
	}
	if out.Uncles == nil {
		out.Uncles = []common.Hash{}
	}
	if td != nil {
		out.TotalDifficulty = (*hexutil.Big)(td)
	}
	if !pending {
		hash, nonce := b.Hash(), h.Nonce
		out.Hash, out.Nonce = &hash, &nonce
	}
	for i, tx := range b.Transactions() {
		if !full {
			out.Transactions = append(out.Transactions, tx.Hash())
			continue
		}
		var pos *transaction.BlockPosition
		if !pending {
			pos = &transaction.BlockPosition{Hash: b.Hash(), Number: b.Number(), Index: uint64(i), BaseFee: h.BaseFee}
		}
		out.Transactions = append(out.Transactions, transaction.NewRPCTransaction(tx, pos))
	}
	return out
}

// CallArgs are the transaction fields of eth_call, eth_estimateGas and
// eth_sendTransaction.
type CallArgs struct {
	From                 *common.Address              `json:"from"`
	To                   *common.Address              `json:"to"`
	Gas                  *hexutil.Uint64              `json:"gas"`
	GasPrice             *hexutil.Big                 `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big                 `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big                 `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big                 `json:"value"`
	Nonce                *hexutil.Uint64              `json:"nonce"`
	Data                 *hexutil.Bytes               `json:"data"`
	Input                *hexutil.Bytes               `json:"input"`
	AccessList           *types.AccessList            `json:"accessList"`
	ChainID              *hexutil.Big                 `json:"chainId"`
	Type                 *hexutil.Uint64              `json:"type"`
	BlobVersionedHashes  []common.Hash                `json:"blobVersionedHashes"`
	MaxFeePerBlobGas     *hexutil.Big                 `json:"maxFeePerBlobGas"`
	AuthorizationList    []types.SetCodeAuthorization `json:"authorizationList"`
}

// data returns the calldata, preferring input over data.
func (a *CallArgs) data() ([]byte, error) {
	if a.Input != nil && a.Data != nil && !bytes.Equal(*a.Input, *a.Data) {
		return nil, invalidParams("both \"data\" and \"input\" are set and not equal")
	}
	switch {
	case a.Input != nil:
		return *a.Input, nil
	case a.Data != nil:
		return *a.Data, nil
	}
	return nil, nil
}

// request converts the fields that need no defaults.
func (a *CallArgs) request() (*transaction.Request, error) {
	data, err := a.data()
	if err != nil {
		return nil, err
	}
	r := &transaction.Request{
		To:            a.To,
		Data:          data,
		BlobHashes:    a.BlobVersionedHashes,
		AuthList:      a.AuthorizationList,
		GasPrice:      (*big.Int)(a.GasPrice),
		GasFeeCap:     (*big.Int)(a.MaxFeePerGas),
		GasTipCap:     (*big.Int)(a.MaxPriorityFeePerGas),
		Value:         (*big.Int)(a.Value),
		BlobGasFeeCap: (*big.Int)(a.MaxFeePerBlobGas),
	}
	if a.Gas != nil {
		r.Gas = uint64(*a.Gas)
	}
	if a.Nonce != nil {
		r.Nonce = uint64(*a.Nonce)
	}
	if a.AccessList != nil {
		r.AccessList = *a.AccessList
	}
	return r, nil
}

// OverrideAccount replaces parts of an account for the duration of a call.
// State replaces the whole storage; StateDiff patches single slots.
type OverrideAccount struct {
	Nonce     *hexutil.Uint64             `json:"nonce"`
	Code      *hexutil.Bytes              `json:"code"`
	Balance   *hexutil.Big                `json:"balance"`
	State     map[common.Hash]common.Hash `json:"state"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff"`
}

// StateOverride is the state override set of eth_call.
type StateOverride map[common.Address]OverrideAccount

// apply writes the overrides into o.
func (s StateOverride) apply(o *state.Overlay) error {
	d := state.NewDiff()
	for addr, acc := range s {
		if acc.State != nil && acc.StateDiff != nil {
			return invalidParams("account %s has both 'state' and 'stateDiff'", addr)
		}
		info, err := o.Basic(addr)
		if err != nil {
			return err
		}
		if info == nil {
			info = state.NewAccount()
		}
		if acc.Balance != nil {
			balance, overflow := uint256.FromBig((*big.Int)(acc.Balance))
			if overflow {
				return invalidParams("balance override of %s exceeds 256 bits", addr)
			}
			info.Balance = balance
		}
		if acc.Nonce != nil {
			info.Nonce = uint64(*acc.Nonce)
		}
		if acc.Code != nil {
			info.CodeHash = d.SetCode(*acc.Code)
		}
		d.SetAccount(addr, info)
		if acc.State != nil {
			d.Accounts[addr].StorageCleared = true
		}
		for slot, value := range acc.State {
			d.SetStorage(addr, slot, value)
		}
		for slot, value := range acc.StateDiff {
			d.SetStorage(addr, slot, value)
		}
	}
	o.Apply(d)
	return nil
}

// addressList is a single address or an array of them.
type addressList []common.Address

func (l *addressList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, (*[]common.Address)(l))
	}
	var addr common.Address
	if err := json.Unmarshal(data, &addr); err != nil {
		return err
	}
	*l = addressList{addr}
	return nil
}

// topicList is a position-wise list of topic alternatives. A null entry
// matches anything.
type topicList [][]common.Hash

func (l *topicList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(topicList, len(raw))
	for i, r := range raw {
		switch {
		case len(r) == 0 || string(r) == "null":
		case r[0] == '[':
			if err := json.Unmarshal(r, &out[i]); err != nil {
				return fmt.Errorf("topic %d: %w", i, err)
			}
		default:
			var h common.Hash
			if err := json.Unmarshal(r, &h); err != nil {
				return fmt.Errorf("topic %d: %w", i, err)
			}
			out[i] = []common.Hash{h}
		}
	}
	*l = out
	return nil
}

// LogFilterArgs are the criteria of eth_getLogs, eth_newFilter and logs
// subscriptions.
type LogFilterArgs struct {
	FromBlock *primitives.BlockSpec `json:"fromBlock"`
	ToBlock   *primitives.BlockSpec `json:"toBlock"`
	BlockHash *common.Hash          `json:"blockHash"`
	Address   addressList           `json:"address"`
	Topics    topicList             `json:"topics"`
}

// SubscriptionEvent is a notification for an eth_subscribe subscription.
type SubscriptionEvent struct {
	ID     string
	Result any
}

// Metadata is the result of hardhat_metadata.
type Metadata struct {
	ClientVersion     string         `json:"clientVersion"`
	ChainID           hexutil.Uint64 `json:"chainId"`
	InstanceID        common.Hash    `json:"instanceId"`
	LatestBlockNumber hexutil.Uint64 `json:"latestBlockNumber"`
	LatestBlockHash   common.Hash    `json:"latestBlockHash"`
	ForkedNetwork     *ForkedNetwork `json:"forkedNetwork,omitempty"`
}

// ForkedNetwork describes the remote network of a forked provider.
type ForkedNetwork struct {
	ChainID         hexutil.Uint64 `json:"chainId"`
	ForkBlockNumber hexutil.Uint64 `json:"forkBlockNumber"`
	ForkBlockHash   common.Hash    `json:"forkBlockHash"`
}

package provider

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/edrgo/edr/primitives"
)

func hexUint(v uint64) hexutil.Uint64 { return hexutil.Uint64(v) }

func hexBig(v *big.Int) *hexutil.Big { return (*hexutil.Big)(v) }

// quantity is an unsigned integer given as a JSON number or a hex string.
type quantity uint64

func (q *quantity) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var h hexutil.Uint64
		if err := h.UnmarshalJSON(data); err != nil {
			return err
		}
		*q = quantity(h)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*q = quantity(n)
	return nil
}

// intervalParam is the argument of evm_setIntervalMining: a delay, a
// [min, max] range, or false.
type intervalParam struct{ IntervalRange }

func (p *intervalParam) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("false")) {
		p.IntervalRange = IntervalRange{}
		return nil
	}
	return p.IntervalRange.UnmarshalJSON(data)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseParams decodes the positional params into dst. The first required
// params must be present; absent or null optional params leave their
// destination untouched.
func parseParams(params []json.RawMessage, required int, dst ...any) error {
	if len(params) > len(dst) {
		return invalidParams("Invalid number of parameters: expected at most %d, got %d", len(dst), len(params))
	}
	for i, d := range dst {
		if i >= len(params) || isNull(params[i]) {
			if i < required {
				return invalidParams("Missing value for required argument %d", i)
			}
			continue
		}
		if err := json.Unmarshal(params[i], d); err != nil {
			return invalidParams("Invalid value for argument %d: %v", i, err)
		}
	}
	return nil
}

// dispatch runs a method against the current data. Callers hold mu.
func (p *Provider[H]) dispatch(method string, params []json.RawMessage) (any, error) {
	d := p.data
	switch method {
	// web3 and net
	case "web3_clientVersion":
		return ClientVersion, parseParams(params, 0)
	case "web3_sha3":
		var data hexutil.Bytes
		if err := parseParams(params, 1, &data); err != nil {
			return nil, err
		}
		return primitives.Keccak256(data), nil
	case "net_version":
		id := p.cfg.NetworkID
		if id == 0 {
			id = d.chain.ChainID()
		}
		return strconv.FormatUint(id, 10), parseParams(params, 0)
	case "net_listening":
		return true, parseParams(params, 0)
	case "net_peerCount":
		return hexUint(0), parseParams(params, 0)

	// chain information
	case "eth_chainId":
		return hexUint(d.chain.ChainID()), parseParams(params, 0)
	case "eth_blockNumber":
		return hexUint(d.chain.LastBlockNumber()), parseParams(params, 0)
	case "eth_accounts":
		accounts := d.accounts
		if accounts == nil {
			accounts = []common.Address{}
		}
		return accounts, parseParams(params, 0)
	case "eth_coinbase":
		return d.coinbase, parseParams(params, 0)
	case "eth_mining", "eth_syncing":
		return false, parseParams(params, 0)
	case "eth_gasPrice":
		if err := parseParams(params, 0); err != nil {
			return nil, err
		}
		price, err := d.gasPrice()
		return hexBig(price), err
	case "eth_maxPriorityFeePerGas":
		return hexBig(new(big.Int).Set(defaultPriorityFee)), parseParams(params, 0)
	case "eth_blobBaseFee":
		if err := parseParams(params, 0); err != nil {
			return nil, err
		}
		return d.blobBaseFee()
	case "eth_feeHistory":
		var (
			count       quantity
			newest      primitives.BlockSpec
			percentiles []float64
		)
		if err := parseParams(params, 2, &count, &newest, &percentiles); err != nil {
			return nil, err
		}
		return d.feeHistory(uint64(count), newest, percentiles)

	// state
	case "eth_getBalance":
		var addr common.Address
		bs := primitives.Latest()
		if err := parseParams(params, 1, &addr, &bs); err != nil {
			return nil, err
		}
		balance, err := d.balanceAt(addr, bs)
		if err != nil {
			return nil, err
		}
		return hexBig(balance), nil
	case "eth_getCode":
		var addr common.Address
		bs := primitives.Latest()
		if err := parseParams(params, 1, &addr, &bs); err != nil {
			return nil, err
		}
		code, err := d.codeAt(addr, bs)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(code), nil
	case "eth_getStorageAt":
		var (
			addr common.Address
			slot hexutil.Big
		)
		bs := primitives.Latest()
		if err := parseParams(params, 2, &addr, &slot, &bs); err != nil {
			return nil, err
		}
		return d.storageAt(addr, common.BigToHash(slot.ToInt()), bs)
	case "eth_getTransactionCount":
		var addr common.Address
		bs := primitives.Latest()
		if err := parseParams(params, 1, &addr, &bs); err != nil {
			return nil, err
		}
		n, err := d.transactionCount(addr, bs)
		return hexUint(n), err

	// blocks and transactions
	case "eth_getBlockByNumber", "eth_getBlockByHash":
		var (
			bs   primitives.BlockSpec
			full bool
		)
		if method == "eth_getBlockByHash" {
			var hash common.Hash
			if err := parseParams(params, 2, &hash, &full); err != nil {
				return nil, err
			}
			bs = primitives.AtHash(hash)
		} else if err := parseParams(params, 2, &bs, &full); err != nil {
			return nil, err
		}
		b, err := d.rpcBlock(bs, full)
		if err != nil || b == nil {
			return nil, err
		}
		return b, nil
	case "eth_getBlockTransactionCountByHash", "eth_getBlockTransactionCountByNumber":
		bs, err := blockParam(method == "eth_getBlockTransactionCountByHash", params)
		if err != nil {
			return nil, err
		}
		n, err := d.transactionCountIn(bs)
		if err != nil || n == nil {
			return nil, err
		}
		return hexUint(*n), nil
	case "eth_getTransactionByHash":
		var hash common.Hash
		if err := parseParams(params, 1, &hash); err != nil {
			return nil, err
		}
		tx, err := d.transactionByHash(hash)
		if err != nil || tx == nil {
			return nil, err
		}
		return tx, nil
	case "eth_getTransactionByBlockHashAndIndex", "eth_getTransactionByBlockNumberAndIndex":
		var (
			bs    primitives.BlockSpec
			index hexutil.Uint64
		)
		if method == "eth_getTransactionByBlockHashAndIndex" {
			var hash common.Hash
			if err := parseParams(params, 2, &hash, &index); err != nil {
				return nil, err
			}
			bs = primitives.AtHash(hash)
		} else if err := parseParams(params, 2, &bs, &index); err != nil {
			return nil, err
		}
		tx, err := d.transactionByIndex(bs, uint64(index))
		if err != nil || tx == nil {
			return nil, err
		}
		return tx, nil
	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := parseParams(params, 1, &hash); err != nil {
			return nil, err
		}
		r, err := d.transactionReceipt(hash)
		if err != nil || r == nil {
			return nil, err
		}
		return r, nil
	case "eth_getBlockReceipts":
		var bs primitives.BlockSpec
		if err := parseParams(params, 1, &bs); err != nil {
			return nil, err
		}
		receipts, err := d.blockReceipts(bs)
		if err != nil || receipts == nil {
			return nil, err
		}
		return receipts, nil

	// logs, filters and subscriptions
	case "eth_getLogs":
		var args LogFilterArgs
		if err := parseParams(params, 1, &args); err != nil {
			return nil, err
		}
		return d.getLogs(&args)
	case "eth_newFilter":
		var args LogFilterArgs
		if err := parseParams(params, 1, &args); err != nil {
			return nil, err
		}
		return d.newLogFilter(&args, false)
	case "eth_newBlockFilter":
		return d.newBlockFilter(false), parseParams(params, 0)
	case "eth_newPendingTransactionFilter":
		return d.newPendingTransactionFilter(false), parseParams(params, 0)
	case "eth_getFilterChanges":
		var id string
		if err := parseParams(params, 1, &id); err != nil {
			return nil, err
		}
		return d.filterChanges(id), nil
	case "eth_getFilterLogs":
		var id string
		if err := parseParams(params, 1, &id); err != nil {
			return nil, err
		}
		return d.filterLogs(id)
	case "eth_uninstallFilter":
		var id string
		if err := parseParams(params, 1, &id); err != nil {
			return nil, err
		}
		return d.removeFilter(id, false), nil
	case "eth_subscribe":
		var (
			kind string
			args *LogFilterArgs
		)
		if err := parseParams(params, 1, &kind, &args); err != nil {
			return nil, err
		}
		return d.subscribe(kind, args)
	case "eth_unsubscribe":
		var id string
		if err := parseParams(params, 1, &id); err != nil {
			return nil, err
		}
		return d.removeFilter(id, true), nil

	// execution
	case "eth_sendTransaction":
		var args CallArgs
		if err := parseParams(params, 1, &args); err != nil {
			return nil, err
		}
		return d.sendTransaction(&args)
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		if err := parseParams(params, 1, &raw); err != nil {
			return nil, err
		}
		return d.sendRawTransaction(raw)
	case "eth_call":
		var (
			args      CallArgs
			overrides StateOverride
		)
		bs := primitives.Latest()
		if err := parseParams(params, 1, &args, &bs, &overrides); err != nil {
			return nil, err
		}
		out, err := d.call(&args, bs, overrides)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(out), nil
	case "eth_estimateGas":
		var args CallArgs
		bs := primitives.Pending()
		if err := parseParams(params, 1, &args, &bs); err != nil {
			return nil, err
		}
		gas, err := d.estimateGas(&args, bs)
		if err != nil {
			return nil, err
		}
		return hexUint(gas), nil
	case "debug_traceTransaction":
		var (
			hash common.Hash
			cfg  *TraceConfig
		)
		if err := parseParams(params, 1, &hash, &cfg); err != nil {
			return nil, err
		}
		return d.traceTransaction(hash, cfg)
	case "debug_traceCall":
		var (
			args CallArgs
			cfg  *TraceConfig
		)
		bs := primitives.Latest()
		if err := parseParams(params, 1, &args, &bs, &cfg); err != nil {
			return nil, err
		}
		return d.traceCall(&args, bs, cfg)

	// signing
	case "eth_sign", "personal_sign":
		var (
			addr common.Address
			msg  hexutil.Bytes
		)
		var err error
		if method == "eth_sign" {
			err = parseParams(params, 2, &addr, &msg)
		} else {
			err = parseParams(params, 2, &msg, &addr)
		}
		if err != nil {
			return nil, err
		}
		sig, err := d.signMessage(addr, msg)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(sig), nil
	case "eth_signTypedData_v4":
		var (
			addr common.Address
			data json.RawMessage
		)
		if err := parseParams(params, 2, &addr, &data); err != nil {
			return nil, err
		}
		sig, err := d.signTypedData(addr, data)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(sig), nil

	// hardhat_*
	case "hardhat_impersonateAccount":
		var addr common.Address
		if err := parseParams(params, 1, &addr); err != nil {
			return nil, err
		}
		d.impersonate(addr)
		return true, nil
	case "hardhat_stopImpersonatingAccount":
		var addr common.Address
		if err := parseParams(params, 1, &addr); err != nil {
			return nil, err
		}
		return d.stopImpersonating(addr), nil
	case "hardhat_setBalance":
		var (
			addr    common.Address
			balance hexutil.Big
		)
		if err := parseParams(params, 2, &addr, &balance); err != nil {
			return nil, err
		}
		return true, d.setBalance(addr, balance.ToInt())
	case "hardhat_setCode":
		var (
			addr common.Address
			code hexutil.Bytes
		)
		if err := parseParams(params, 2, &addr, &code); err != nil {
			return nil, err
		}
		return true, d.setCode(addr, code)
	case "hardhat_setNonce":
		var (
			addr  common.Address
			nonce hexutil.Uint64
		)
		if err := parseParams(params, 2, &addr, &nonce); err != nil {
			return nil, err
		}
		return true, d.setNonce(addr, uint64(nonce))
	case "hardhat_setStorageAt":
		var (
			addr  common.Address
			slot  hexutil.Big
			value common.Hash
		)
		if err := parseParams(params, 3, &addr, &slot, &value); err != nil {
			return nil, err
		}
		return true, d.setStorageAt(addr, common.BigToHash(slot.ToInt()), value)
	case "hardhat_mine":
		count, interval := hexutil.Uint64(1), hexutil.Uint64(1)
		if err := parseParams(params, 0, &count, &interval); err != nil {
			return nil, err
		}
		return true, d.mineBlocks(uint64(count), uint64(interval))
	case "hardhat_dropTransaction":
		var hash common.Hash
		if err := parseParams(params, 1, &hash); err != nil {
			return nil, err
		}
		return d.dropTransaction(hash)
	case "hardhat_setCoinbase":
		var addr common.Address
		if err := parseParams(params, 1, &addr); err != nil {
			return nil, err
		}
		d.setCoinbase(addr)
		return true, nil
	case "hardhat_setMinGasPrice":
		var price hexutil.Big
		if err := parseParams(params, 1, &price); err != nil {
			return nil, err
		}
		return true, d.setMinGasPrice(price.ToInt())
	case "hardhat_setNextBlockBaseFeePerGas":
		var fee hexutil.Big
		if err := parseParams(params, 1, &fee); err != nil {
			return nil, err
		}
		return true, d.setNextBlockBaseFee(fee.ToInt())
	case "hardhat_setPrevRandao":
		var mix common.Hash
		if err := parseParams(params, 1, &mix); err != nil {
			return nil, err
		}
		return true, d.setPrevRandao(mix)
	case "hardhat_setLoggingEnabled":
		var enabled bool
		if err := parseParams(params, 1, &enabled); err != nil {
			return nil, err
		}
		d.logging = enabled
		return true, nil
	case "hardhat_getAutomine":
		return d.autoMine, parseParams(params, 0)
	case "hardhat_metadata":
		if err := parseParams(params, 0); err != nil {
			return nil, err
		}
		return d.metadata()
	case "hardhat_reset":
		var opts *resetOptions
		if err := parseParams(params, 0, &opts); err != nil {
			return nil, err
		}
		return true, p.reset(opts)

	// evm_*
	case "evm_setAutomine":
		var enabled bool
		if err := parseParams(params, 1, &enabled); err != nil {
			return nil, err
		}
		d.autoMine = enabled
		return true, nil
	case "evm_setIntervalMining":
		var interval intervalParam
		if err := parseParams(params, 1, &interval); err != nil {
			return nil, err
		}
		return true, p.setIntervalMining(interval.IntervalRange)
	case "evm_setBlockGasLimit":
		var limit hexutil.Uint64
		if err := parseParams(params, 1, &limit); err != nil {
			return nil, err
		}
		return true, d.setBlockGasLimit(uint64(limit))
	case "evm_setNextBlockTimestamp":
		var ts quantity
		if err := parseParams(params, 1, &ts); err != nil {
			return nil, err
		}
		if err := d.setNextBlockTimestamp(uint64(ts)); err != nil {
			return nil, err
		}
		return strconv.FormatUint(uint64(ts), 10), nil
	case "evm_increaseTime":
		var seconds quantity
		if err := parseParams(params, 1, &seconds); err != nil {
			return nil, err
		}
		return strconv.FormatInt(d.increaseTime(uint64(seconds)), 10), nil
	case "evm_mine":
		var ts *quantity
		if err := parseParams(params, 0, &ts); err != nil {
			return nil, err
		}
		var timestamp *uint64
		if ts != nil {
			v := uint64(*ts)
			timestamp = &v
		}
		return "0", d.evmMine(timestamp)
	case "evm_snapshot":
		return d.takeSnapshot(), parseParams(params, 0)
	case "evm_revert":
		var id hexutil.Uint64
		if err := parseParams(params, 1, &id); err != nil {
			return nil, err
		}
		return d.revertToSnapshot(uint64(id))
	}
	return nil, methodNotFound(method)
}

// blockParam decodes the single block argument of the ByHash and ByNumber
// method variants.
func blockParam(byHash bool, params []json.RawMessage) (primitives.BlockSpec, error) {
	if byHash {
		var hash common.Hash
		if err := parseParams(params, 1, &hash); err != nil {
			return primitives.BlockSpec{}, err
		}
		return primitives.AtHash(hash), nil
	}
	var bs primitives.BlockSpec
	err := parseParams(params, 1, &bs)
	return bs, err
}

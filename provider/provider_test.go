package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/chainspec/l1"
	"github.com/edrgo/edr/signature"
)

const ownerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	owner    = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	contract = common.HexToAddress("0x00000000000000000000000000000000c0ffee00")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

// testConfig is a Cancun chain with a single owned account holding 1 ETH.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Hardfork = "cancun"
	cfg.Mnemonic = ""
	cfg.OwnedAccounts = []OwnedAccount{{SecretKey: ownerKey, Balance: (*hexutil.Big)(ether(1))}}
	return cfg
}

func newTestProvider(t *testing.T, cfg Config) *Provider[l1.Hardfork] {
	t.Helper()
	p, err := New[l1.Hardfork](context.Background(), l1.Spec{}, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func request(t *testing.T, p *Provider[l1.Hardfork], method string, params ...any) (json.RawMessage, error) {
	t.Helper()
	raw := make([]json.RawMessage, len(params))
	for i, v := range params {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		raw[i] = b
	}
	res, err := p.Handle(method, raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(res)
	require.NoError(t, err)
	return out, nil
}

func mustRequest(t *testing.T, p *Provider[l1.Hardfork], method string, params ...any) json.RawMessage {
	t.Helper()
	out, err := request(t, p, method, params...)
	require.NoError(t, err, method)
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func blockNumber(t *testing.T, p *Provider[l1.Hardfork]) uint64 {
	t.Helper()
	return uint64(decode[hexutil.Uint64](t, mustRequest(t, p, "eth_blockNumber")))
}

func balance(t *testing.T, p *Provider[l1.Hardfork], addr common.Address, tag string) *big.Int {
	t.Helper()
	b := decode[hexutil.Big](t, mustRequest(t, p, "eth_getBalance", addr, tag))
	return b.ToInt()
}

func TestSendTransactionAutomine(t *testing.T) {
	p := newTestProvider(t, testConfig())

	half := new(big.Int).Div(ether(1), big.NewInt(2))
	raw := mustRequest(t, p, "eth_sendTransaction", map[string]any{
		"from":  owner,
		"to":    bob,
		"value": (*hexutil.Big)(half),
	})
	hash := decode[common.Hash](t, raw)

	assert.Equal(t, uint64(1), blockNumber(t, p))
	assert.Equal(t, 0, balance(t, p, bob, "latest").Cmp(half))

	receipt := decode[map[string]any](t, mustRequest(t, p, "eth_getTransactionReceipt", hash))
	assert.Equal(t, "0x1", receipt["status"])

	nonce := decode[hexutil.Uint64](t, mustRequest(t, p, "eth_getTransactionCount", owner, "latest"))
	assert.Equal(t, hexutil.Uint64(1), nonce)

	tx := decode[map[string]any](t, mustRequest(t, p, "eth_getTransactionByHash", hash))
	assert.Equal(t, "0x1", tx["blockNumber"])
}

func TestBaseFeeAfterEmptyBlock(t *testing.T) {
	p := newTestProvider(t, testConfig())
	mustRequest(t, p, "evm_mine")

	var b struct {
		BaseFeePerGas hexutil.Big `json:"baseFeePerGas"`
	}
	require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", "latest", false), &b))
	assert.Equal(t, int64(875_000_000), b.BaseFeePerGas.ToInt().Int64())

	history := decode[FeeHistory](t, mustRequest(t, p, "eth_feeHistory", "0x1", "latest", []float64{}))
	assert.Equal(t, hexutil.Uint64(1), history.OldestBlock)
	require.Len(t, history.BaseFee, 2)
	assert.Equal(t, int64(875_000_000), history.BaseFee[0].ToInt().Int64())
	assert.Equal(t, int64(765_625_000), history.BaseFee[1].ToInt().Int64())
}

func TestManualMiningAndPendingBlock(t *testing.T) {
	p := newTestProvider(t, testConfig())
	mustRequest(t, p, "evm_setAutomine", false)
	assert.Equal(t, false, decode[bool](t, mustRequest(t, p, "hardhat_getAutomine")))

	hash := decode[common.Hash](t, mustRequest(t, p, "eth_sendTransaction", map[string]any{
		"from":  owner,
		"to":    bob,
		"value": "0x1",
	}))
	assert.Equal(t, uint64(0), blockNumber(t, p))

	pendingNonce := decode[hexutil.Uint64](t, mustRequest(t, p, "eth_getTransactionCount", owner, "pending"))
	latestNonce := decode[hexutil.Uint64](t, mustRequest(t, p, "eth_getTransactionCount", owner, "latest"))
	assert.Equal(t, hexutil.Uint64(1), pendingNonce)
	assert.Equal(t, hexutil.Uint64(0), latestNonce)

	var pending struct {
		Hash         *common.Hash  `json:"hash"`
		Transactions []common.Hash `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", "pending", false), &pending))
	assert.Nil(t, pending.Hash)
	assert.Equal(t, []common.Hash{hash}, pending.Transactions)
	assert.Equal(t, 0, balance(t, p, bob, "pending").Cmp(big.NewInt(1)))
	assert.Equal(t, 0, balance(t, p, bob, "latest").Sign())

	mustRequest(t, p, "evm_mine")
	assert.Equal(t, uint64(1), blockNumber(t, p))
	assert.Equal(t, 0, balance(t, p, bob, "latest").Cmp(big.NewInt(1)))
}

func TestSnapshotRevert(t *testing.T) {
	p := newTestProvider(t, testConfig())
	id := decode[string](t, mustRequest(t, p, "evm_snapshot"))

	mustRequest(t, p, "hardhat_setBalance", bob, "0x64")
	mustRequest(t, p, "evm_mine")
	mustRequest(t, p, "evm_mine")
	require.Equal(t, uint64(2), blockNumber(t, p))

	assert.True(t, decode[bool](t, mustRequest(t, p, "evm_revert", id)))
	assert.Equal(t, uint64(0), blockNumber(t, p))
	assert.Equal(t, 0, balance(t, p, bob, "latest").Sign())

	// A snapshot can only be reverted to once.
	assert.False(t, decode[bool](t, mustRequest(t, p, "evm_revert", id)))
}

func TestSnapshotRevertRestoresPoolFiltersAndClock(t *testing.T) {
	p := newTestProvider(t, testConfig())
	blockFilter := decode[string](t, mustRequest(t, p, "eth_newBlockFilter"))
	mustRequest(t, p, "evm_mine")
	var mined struct {
		Hash common.Hash `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", "0x1", false), &mined))

	mustRequest(t, p, "evm_setAutomine", false)
	kept := decode[common.Hash](t, mustRequest(t, p, "eth_sendTransaction", map[string]any{"from": owner, "to": bob, "value": "0x1"}))

	id := decode[string](t, mustRequest(t, p, "evm_snapshot"))
	before, err := strconv.ParseInt(decode[string](t, mustRequest(t, p, "evm_increaseTime", 0)), 10, 64)
	require.NoError(t, err)

	mustRequest(t, p, "eth_sendTransaction", map[string]any{"from": owner, "to": bob, "value": "0x2"})
	mustRequest(t, p, "evm_increaseTime", 1000)
	mustRequest(t, p, "evm_mine")
	require.Equal(t, uint64(2), blockNumber(t, p))

	require.True(t, decode[bool](t, mustRequest(t, p, "evm_revert", id)))
	assert.Equal(t, uint64(1), blockNumber(t, p))

	var pending struct {
		Transactions []common.Hash `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", "pending", false), &pending))
	assert.Equal(t, []common.Hash{kept}, pending.Transactions)

	after, err := strconv.ParseInt(decode[string](t, mustRequest(t, p, "evm_increaseTime", 0)), 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, before, after, 2)

	// Only the block mined before the snapshot is still unread.
	changes := decode[[]common.Hash](t, mustRequest(t, p, "eth_getFilterChanges", blockFilter))
	assert.Equal(t, []common.Hash{mined.Hash}, changes)
}

func TestHardhatSetters(t *testing.T) {
	p := newTestProvider(t, testConfig())

	mustRequest(t, p, "hardhat_setBalance", bob, "0x3e8")
	assert.Equal(t, int64(1000), balance(t, p, bob, "latest").Int64())

	mustRequest(t, p, "hardhat_setCode", contract, "0x6000")
	code := decode[hexutil.Bytes](t, mustRequest(t, p, "eth_getCode", contract, "latest"))
	assert.Equal(t, hexutil.Bytes{0x60, 0x00}, code)

	value := common.HexToHash("0x2a")
	mustRequest(t, p, "hardhat_setStorageAt", contract, "0x1", value)
	got := decode[common.Hash](t, mustRequest(t, p, "eth_getStorageAt", contract, "0x1", "latest"))
	assert.Equal(t, value, got)

	mustRequest(t, p, "hardhat_setNonce", bob, "0x5")
	_, err := request(t, p, "hardhat_setNonce", bob, "0x4")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidInput, rpcErr.Code)

	_, err = request(t, p, "evm_setNextBlockTimestamp", 1)
	require.ErrorAs(t, err, &rpcErr)
	assert.Contains(t, rpcErr.Message, "lower than or equal to previous block's timestamp")
}

func TestImpersonatedSend(t *testing.T) {
	p := newTestProvider(t, testConfig())
	mustRequest(t, p, "hardhat_setBalance", bob, (*hexutil.Big)(ether(1)))

	_, err := request(t, p, "eth_sendTransaction", map[string]any{"from": bob, "to": owner, "value": "0x1"})
	require.Error(t, err)

	mustRequest(t, p, "hardhat_impersonateAccount", bob)
	mustRequest(t, p, "eth_sendTransaction", map[string]any{"from": bob, "to": owner, "value": "0x1"})
	assert.Equal(t, uint64(1), blockNumber(t, p))

	assert.True(t, decode[bool](t, mustRequest(t, p, "hardhat_stopImpersonatingAccount", bob)))
	assert.False(t, decode[bool](t, mustRequest(t, p, "hardhat_stopImpersonatingAccount", bob)))
}

func TestCallAndEstimateGas(t *testing.T) {
	p := newTestProvider(t, testConfig())

	gas := decode[hexutil.Uint64](t, mustRequest(t, p, "eth_estimateGas", map[string]any{"from": owner, "to": bob, "value": "0x1"}))
	assert.Equal(t, hexutil.Uint64(params.TxGas), gas)

	// PUSH1 0 PUSH1 0 REVERT
	mustRequest(t, p, "hardhat_setCode", contract, "0x60006000fd")
	_, err := request(t, p, "eth_call", map[string]any{"to": contract})
	var failed *CallFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, CodeReverted, failed.ErrorCode())
	assert.Equal(t, "Transaction reverted without a reason string", failed.Error())

	_, err = request(t, p, "eth_estimateGas", map[string]any{"to": contract})
	var estimate *EstimateGasFailureError
	require.ErrorAs(t, err, &estimate)
	assert.NotNil(t, estimate.Trace)

	// PUSH1 42 PUSH1 0 MSTORE PUSH1 32 PUSH1 0 RETURN
	mustRequest(t, p, "hardhat_setCode", contract, "0x602a60005260206000f3")
	out := decode[hexutil.Bytes](t, mustRequest(t, p, "eth_call", map[string]any{"to": contract}))
	assert.Equal(t, common.HexToHash("0x2a").Bytes(), []byte(out))

	overridden := decode[hexutil.Bytes](t, mustRequest(t, p, "eth_call", map[string]any{"to": bob}, "latest",
		map[string]any{bob.Hex(): map[string]any{"code": "0x602a60005260206000f3"}}))
	assert.Equal(t, common.HexToHash("0x2a").Bytes(), []byte(overridden))
}

func TestEstimateGasIsMinimal(t *testing.T) {
	p := newTestProvider(t, testConfig())
	// PUSH1 1 PUSH1 0 SSTORE STOP
	mustRequest(t, p, "hardhat_setCode", contract, "0x600160005500")

	call := map[string]any{"from": owner, "to": contract}
	gas := decode[hexutil.Uint64](t, mustRequest(t, p, "eth_estimateGas", call))

	call["gas"] = gas
	mustRequest(t, p, "eth_call", call)

	call["gas"] = gas - 1
	_, err := request(t, p, "eth_call", call)
	assert.Error(t, err)
}

func TestSetCodeAuthorization(t *testing.T) {
	cfg := testConfig()
	cfg.Hardfork = "prague"
	p := newTestProvider(t, cfg)

	key, err := crypto.HexToECDSA("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	require.NoError(t, err)
	authority := crypto.PubkeyToAddress(key.PublicKey)

	authorize := func(target common.Address, nonce uint64) {
		t.Helper()
		auth, err := signature.SignAuthorization(types.SetCodeAuthorization{
			ChainID: *uint256.NewInt(cfg.ChainID),
			Address: target,
			Nonce:   nonce,
		}, key)
		require.NoError(t, err)
		mustRequest(t, p, "eth_sendTransaction", map[string]any{
			"from":              owner,
			"to":                bob,
			"authorizationList": []types.SetCodeAuthorization{auth},
		})
	}

	authorize(contract, 0)
	code := decode[hexutil.Bytes](t, mustRequest(t, p, "eth_getCode", authority, "latest"))
	assert.Equal(t, hexutil.Bytes(append([]byte{0xef, 0x01, 0x00}, contract.Bytes()...)), code)

	// Delegating to the zero address clears the designation.
	authorize(common.Address{}, 1)
	code = decode[hexutil.Bytes](t, mustRequest(t, p, "eth_getCode", authority, "latest"))
	assert.Empty(t, code)
	assert.Equal(t, hexutil.Uint64(2), decode[hexutil.Uint64](t, mustRequest(t, p, "eth_getTransactionCount", authority, "latest")))
}

func TestLogsAndFilters(t *testing.T) {
	p := newTestProvider(t, testConfig())
	blockFilter := decode[string](t, mustRequest(t, p, "eth_newBlockFilter"))
	logFilter := decode[string](t, mustRequest(t, p, "eth_newFilter", map[string]any{"address": contract}))

	// PUSH1 0 PUSH1 0 LOG0
	mustRequest(t, p, "hardhat_setCode", contract, "0x60006000a0")
	mustRequest(t, p, "eth_sendTransaction", map[string]any{"from": owner, "to": contract})

	logs := decode[[]map[string]any](t, mustRequest(t, p, "eth_getLogs", map[string]any{"fromBlock": "0x0"}))
	require.Len(t, logs, 1)
	assert.Equal(t, contract, common.HexToAddress(logs[0]["address"].(string)))

	hashes := decode[[]common.Hash](t, mustRequest(t, p, "eth_getFilterChanges", blockFilter))
	require.Len(t, hashes, 1)
	var latest struct {
		Hash common.Hash `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", "latest", false), &latest))
	assert.Equal(t, latest.Hash, hashes[0])
	assert.Empty(t, decode[[]common.Hash](t, mustRequest(t, p, "eth_getFilterChanges", blockFilter)))

	assert.Len(t, decode[[]map[string]any](t, mustRequest(t, p, "eth_getFilterChanges", logFilter)), 1)
	assert.Len(t, decode[[]map[string]any](t, mustRequest(t, p, "eth_getFilterLogs", logFilter)), 1)

	assert.True(t, decode[bool](t, mustRequest(t, p, "eth_uninstallFilter", blockFilter)))
	assert.Equal(t, "null", string(mustRequest(t, p, "eth_getFilterChanges", blockFilter)))
}

func TestSubscriptions(t *testing.T) {
	p := newTestProvider(t, testConfig())
	events := make(chan SubscriptionEvent, 4)
	sub := p.SubscribeEvents(events)
	defer sub.Unsubscribe()

	id := decode[string](t, mustRequest(t, p, "eth_subscribe", "newHeads"))
	mustRequest(t, p, "evm_mine")

	ev := <-events
	assert.Equal(t, id, ev.ID)
	assert.True(t, decode[bool](t, mustRequest(t, p, "eth_unsubscribe", id)))
}

func TestHardhatMineReservesBlocks(t *testing.T) {
	p := newTestProvider(t, testConfig())
	mustRequest(t, p, "hardhat_mine", "0x64", "0x2")
	assert.Equal(t, uint64(100), blockNumber(t, p))

	var first, last struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", "0x1", false), &first))
	require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", "0x64", false), &last))
	assert.Equal(t, uint64(first.Timestamp)+99*2, uint64(last.Timestamp))

	type link struct {
		Hash       common.Hash `json:"hash"`
		ParentHash common.Hash `json:"parentHash"`
	}
	get := func(tag string) link {
		var b link
		require.NoError(t, json.Unmarshal(mustRequest(t, p, "eth_getBlockByNumber", tag, false), &b))
		return b
	}
	// Fetched newest first, the reserved blocks still chain together.
	b50, b49 := get("0x32"), get("0x31")
	assert.Equal(t, b49.Hash, b50.ParentHash)
	assert.Equal(t, b50.Hash, get("0x33").ParentHash)

	mustRequest(t, p, "evm_mine")
	assert.Equal(t, get("0x64").Hash, get("0x65").ParentHash)
}

func TestSignMessage(t *testing.T) {
	p := newTestProvider(t, testConfig())
	sig := decode[hexutil.Bytes](t, mustRequest(t, p, "personal_sign", "0x68656c6c6f", owner))
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	_, err := request(t, p, "eth_sign", bob, "0x00")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
}

func TestMetadataAndReset(t *testing.T) {
	p := newTestProvider(t, testConfig())
	before := decode[Metadata](t, mustRequest(t, p, "hardhat_metadata"))
	assert.Equal(t, ClientVersion, before.ClientVersion)
	assert.Nil(t, before.ForkedNetwork)

	mustRequest(t, p, "evm_mine")
	mustRequest(t, p, "hardhat_reset")
	after := decode[Metadata](t, mustRequest(t, p, "hardhat_metadata"))
	assert.Equal(t, hexutil.Uint64(0), after.LatestBlockNumber)
	assert.NotEqual(t, before.InstanceID, after.InstanceID)
}

func TestUnknownMethodAndClose(t *testing.T) {
	p := newTestProvider(t, testConfig())
	_, err := request(t, p, "eth_doesNotExist")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)

	_, err = request(t, p, "eth_chainId", "extra")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	p.Close()
	_, err = request(t, p, "eth_chainId")
	assert.True(t, errors.Is(err, ErrClosed))
}

package geth

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	coinbase = common.HexToAddress("0xc014ba5ec014ba5ec014ba5ec014ba5ec014ba5e")
	answer   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	reverter = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

const gwei = 1_000_000_000

// answerCode returns 42 as a 32-byte word.
var answerCode = []byte{0x60, 0x2a, 0x5f, 0x52, 0x60, 0x20, 0x5f, 0xf3}

// revertCode reverts with empty data.
var revertCode = []byte{0x5f, 0x5f, 0xfd}

func newTestDB(t *testing.T) *state.DB {
	t.Helper()
	d := state.NewDiff()
	acc := state.NewAccount()
	acc.Balance = uint256.NewInt(1e18)
	d.SetAccount(alice, acc)
	for addr, code := range map[common.Address][]byte{
		answer:                       answerCode,
		reverter:                     revertCode,
		params.BeaconRootsAddress:    params.BeaconRootsCode,
		params.HistoryStorageAddress: params.HistoryStorageCode,
	} {
		c := state.NewAccount()
		c.Nonce = 1
		c.CodeHash = d.SetCode(code)
		d.SetAccount(addr, c)
	}
	o := state.NewOverlay(state.Empty{})
	o.Apply(d)
	return state.NewDB(o)
}

func testEnv(spec chainspec.SpecID) Env {
	excess := uint64(0)
	root := common.Hash{0xbe, 0xac}
	return Env{
		ChainID: 31337,
		Spec:    spec,
		Header: &types.Header{
			ParentHash:       common.Hash{0x01},
			Number:           big.NewInt(1),
			Time:             1_000,
			GasLimit:         30_000_000,
			Coinbase:         coinbase,
			Difficulty:       new(big.Int),
			BaseFee:          big.NewInt(gwei),
			ExcessBlobGas:    &excess,
			ParentBeaconRoot: &root,
			MixDigest:        common.Hash{0x42},
		},
		GetHash: func(n uint64) common.Hash { return common.BigToHash(new(big.Int).SetUint64(n)) },
	}
}

func fakeTx(t *testing.T, nonce uint64, to *common.Address, data []byte) *transaction.Signed {
	t.Helper()
	tx, err := (&transaction.Request{
		Type:      transaction.DynamicFeeType,
		ChainID:   big.NewInt(31337),
		Nonce:     nonce,
		GasTipCap: big.NewInt(gwei),
		GasFeeCap: big.NewInt(3 * gwei),
		Gas:       100_000,
		To:        to,
		Value:     big.NewInt(1),
		Data:      data,
	}).FakeSign(alice)
	require.NoError(t, err)
	return tx
}

func gasPool() *core.GasPool { return new(core.GasPool).AddGas(30_000_000) }

func TestChainConfigRules(t *testing.T) {
	r := Rules(1, chainspec.Cancun, 10, 0)
	assert.True(t, r.IsCancun)
	assert.True(t, r.IsShanghai)
	assert.True(t, r.IsMerge)
	assert.False(t, r.IsPrague)

	r = Rules(1, chainspec.Berlin, 10, 0)
	assert.True(t, r.IsBerlin)
	assert.False(t, r.IsLondon)
	assert.False(t, r.IsMerge)

	assert.Same(t, ChainConfig(1, chainspec.Osaka), ChainConfig(1, chainspec.Osaka))
	assert.Equal(t, 9, ChainConfig(1, chainspec.Osaka).BlobScheduleConfig.Prague.Max)
}

func TestBlockContext(t *testing.T) {
	env := testEnv(chainspec.Cancun)
	ctx := BlockContext(env.Header, env.Spec, env.GetHash)
	require.NotNil(t, ctx.Random)
	assert.Equal(t, common.Hash{0x42}, *ctx.Random)
	assert.Equal(t, big.NewInt(1), ctx.BlobBaseFee)

	env.Header.Difficulty = big.NewInt(7)
	pre := BlockContext(env.Header, chainspec.London, env.GetHash)
	assert.Nil(t, pre.Random)
	assert.Nil(t, pre.BlobBaseFee)
	assert.Equal(t, big.NewInt(7), pre.Difficulty)
}

func TestApplyTransfer(t *testing.T) {
	db := newTestDB(t)
	exec := NewExecutor(db, testEnv(chainspec.Prague))

	out, err := exec.ApplyTransaction(fakeTx(t, 0, &bob, nil), 0, gasPool())
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, uint64(params.TxGas), out.GasUsed)

	assert.Equal(t, uint64(1), db.GetBalance(bob).Uint64())
	assert.Equal(t, uint64(1), db.GetNonce(alice))
	assert.Equal(t, uint64(params.TxGas*gwei), db.GetBalance(coinbase).Uint64(), "coinbase earns the tip")

	diff := db.Diff()
	assert.Contains(t, diff.Accounts, bob)
	assert.Contains(t, diff.Accounts, coinbase)
}

func TestValidationErrorLeavesStateUntouched(t *testing.T) {
	db := newTestDB(t)
	exec := NewExecutor(db, testEnv(chainspec.Prague))

	_, err := exec.ApplyTransaction(fakeTx(t, 5, &bob, nil), 0, gasPool())
	require.ErrorIs(t, err, core.ErrNonceTooHigh)
	assert.True(t, db.Diff().IsEmpty())
	assert.Equal(t, uint64(0), db.GetNonce(alice))
}

func TestOutcomes(t *testing.T) {
	db := newTestDB(t)
	exec := NewExecutor(db, testEnv(chainspec.Prague))
	gp := gasPool()

	out, err := exec.ApplyTransaction(fakeTx(t, 0, &answer, nil), 0, gp)
	require.NoError(t, err)
	require.Equal(t, Success, out.Kind)
	assert.Equal(t, common.BigToHash(big.NewInt(42)).Bytes(), out.Output)

	out, err = exec.ApplyTransaction(fakeTx(t, 1, &reverter, nil), 1, gp)
	require.NoError(t, err)
	assert.Equal(t, Revert, out.Kind)
	_, ok := out.RevertReason()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), db.GetBalance(reverter).Uint64(), "reverted value transfer")

	out, err = exec.ApplyTransaction(fakeTx(t, 2, nil, []byte{0x00}), 2, gp)
	require.NoError(t, err)
	require.NotNil(t, out.ContractAddress)
	assert.Equal(t, crypto.CreateAddress(alice, 2), *out.ContractAddress)

	out, err = exec.ApplyTransaction(fakeTx(t, 3, &answer, nil), 3, gp)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), db.GetNonce(alice))
	assert.Equal(t, "success", out.Kind.String())
}

func TestCallIsFeeless(t *testing.T) {
	db := newTestDB(t)
	exec := NewExecutor(db, testEnv(chainspec.Prague))

	msg := CallMessage(&transaction.Request{To: &answer}, bob, CallOptions{GasCap: 1_000_000})
	assert.True(t, IsFeeless(msg))
	assert.Equal(t, uint64(1_000_000), msg.GasLimit)

	out, err := exec.Call(msg, gasPool())
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	assert.Equal(t, byte(42), out.Output[31])
}

func TestSystemCalls(t *testing.T) {
	db := newTestDB(t)
	env := testEnv(chainspec.Prague)
	exec := NewExecutor(db, env)
	exec.ApplySystemCalls()

	const historyBuffer = 8191
	idx := env.Header.Time % historyBuffer
	assert.Equal(t, common.BigToHash(new(big.Int).SetUint64(env.Header.Time)),
		db.GetState(params.BeaconRootsAddress, common.BigToHash(new(big.Int).SetUint64(idx))))
	assert.Equal(t, *env.Header.ParentBeaconRoot,
		db.GetState(params.BeaconRootsAddress, common.BigToHash(new(big.Int).SetUint64(idx+historyBuffer))))

	assert.Equal(t, env.Header.ParentHash, db.GetState(params.HistoryStorageAddress, common.Hash{}),
		"parent of block 1 is stored at slot 0")
}

func TestSystemCallsSkipHistoryStub(t *testing.T) {
	db := newTestDB(t)
	db.SetCode(params.HistoryStorageAddress, revertCode, tracing.CodeChangeUnspecified)
	db.Finalise(true)
	env := testEnv(chainspec.Prague)
	NewExecutor(db, env).ApplySystemCalls()
	assert.Equal(t, common.Hash{}, db.GetState(params.HistoryStorageAddress, common.Hash{}))
}

func TestReplayTracesOnlyTarget(t *testing.T) {
	txs := []*transaction.Signed{fakeTx(t, 0, &bob, nil), fakeTx(t, 1, &answer, nil)}
	var started int
	hooks := &tracing.Hooks{OnTxStart: func(*tracing.VMContext, *types.Transaction, common.Address) { started++ }}

	out, err := Replay(newTestDB(t), testEnv(chainspec.Prague), txs, 1, hooks)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 1, started)

	_, err = Replay(newTestDB(t), testEnv(chainspec.Prague), txs, 2, nil)
	assert.Error(t, err)
}

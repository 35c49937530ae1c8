package op

import (
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/receipt"
	"github.com/edrgo/edr/transaction"
)

type fakeState struct {
	storage  map[common.Hash]common.Hash
	balances map[common.Address]*uint256.Int
}

func newFakeState() *fakeState {
	return &fakeState{storage: map[common.Hash]common.Hash{}, balances: map[common.Address]*uint256.Int{}}
}

func (f *fakeState) GetState(addr common.Address, slot common.Hash) common.Hash {
	if addr != L1BlockAddress {
		return common.Hash{}
	}
	return f.storage[slot]
}

func (f *fakeState) GetBalance(addr common.Address) *uint256.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	return new(uint256.Int)
}

func (f *fakeState) GetNonce(common.Address) uint64 { return 0 }

func (f *fakeState) Credit(addr common.Address, amount *uint256.Int) {
	f.balances[addr] = new(uint256.Int).Add(f.GetBalance(addr), amount)
}

func (f *fakeState) Debit(addr common.Address, amount *uint256.Int) error {
	bal := f.GetBalance(addr)
	if bal.Lt(amount) {
		return errors.New("insufficient balance")
	}
	f.balances[addr] = new(uint256.Int).Sub(bal, amount)
	return nil
}

var sender = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestDataGas(t *testing.T) {
	enc := []byte{0, 0, 1, 2}
	assert.Equal(t, uint64(2*4+2*16), DataGas(enc, Regolith))
	assert.Equal(t, uint64(2*4+(2+68)*16), DataGas(enc, Bedrock))
}

func TestL1CostBedrock(t *testing.T) {
	st := newFakeState()
	st.storage[l1BaseFeeSlot] = common.BigToHash(big.NewInt(1000))
	st.storage[overheadSlot] = common.BigToHash(big.NewInt(188))
	st.storage[scalarSlot] = common.BigToHash(big.NewInt(684_000))

	enc := []byte{0, 1, 1}
	fee := L1Cost(st, enc, Regolith)

	gasUsed := uint64(4+2*16) + 188
	assert.Equal(t, gasUsed, fee.GasUsed)
	want := new(big.Int).SetUint64(gasUsed * 1000 * 684_000 / 1_000_000)
	assert.Equal(t, want.String(), fee.Fee.String())
	f, _ := fee.FeeScalar.Float64()
	assert.InDelta(t, 0.684, f, 1e-9)
	assert.Nil(t, fee.BaseFeeScalar)
}

func TestL1CostEcotone(t *testing.T) {
	st := newFakeState()
	st.storage[l1BaseFeeSlot] = common.BigToHash(big.NewInt(10))
	st.storage[l1BlobBaseFeeSlot] = common.BigToHash(big.NewInt(3))
	var packed common.Hash
	binary.BigEndian.PutUint32(packed[12:16], 1368)   // base fee scalar
	binary.BigEndian.PutUint32(packed[8:12], 810_949) // blob base fee scalar
	st.storage[scalarsSlot] = packed

	enc := make([]byte, 100)
	for i := range enc {
		enc[i] = 1
	}
	fee := L1Cost(st, enc, Ecotone)

	require.NotNil(t, fee.BaseFeeScalar)
	assert.Equal(t, uint64(1368), *fee.BaseFeeScalar)
	assert.Equal(t, uint64(810_949), *fee.BlobBaseFeeScalar)
	assert.Equal(t, uint64(1600), fee.GasUsed)

	// (16*10*1368 + 3*810949) * 1600 / (16 * 1e6)
	weighted := int64(16*10*1368 + 3*810_949)
	want := big.NewInt(weighted * 1600 / 16_000_000)
	assert.Equal(t, want.String(), fee.Fee.String())

	assert.Equal(t, fee.Fee.String(), L1Cost(st, enc, Fjord).Fee.String())
}

func TestHooksChargeAndCreditVault(t *testing.T) {
	st := newFakeState()
	st.storage[l1BaseFeeSlot] = common.BigToHash(big.NewInt(1_000_000))
	st.storage[scalarSlot] = common.BigToHash(big.NewInt(1_000_000))
	st.balances[sender] = uint256.NewInt(1e18)

	to := common.HexToAddress("0x01")
	tx, err := (&transaction.Request{Type: transaction.DynamicFeeType, ChainID: big.NewInt(10), GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1), Gas: 21000, To: &to}).FakeSign(sender)
	require.NoError(t, err)

	h := Spec{}.Hooks(Regolith)
	require.NoError(t, h.BeforeTransaction(st, tx))
	charged := new(uint256.Int).Sub(uint256.NewInt(1e18), st.GetBalance(sender))
	assert.False(t, charged.IsZero())

	fee, err := h.AfterTransaction(st, tx, 21000)
	require.NoError(t, err)
	require.NotNil(t, fee)
	assert.Equal(t, charged.ToBig().String(), fee.Fee.String())
	assert.Equal(t, charged, st.GetBalance(L1FeeVaultAddress))
}

func TestHooksInsufficientL1Fee(t *testing.T) {
	st := newFakeState()
	st.storage[l1BaseFeeSlot] = common.BigToHash(big.NewInt(1_000_000))
	st.storage[scalarSlot] = common.BigToHash(big.NewInt(1_000_000))

	to := common.HexToAddress("0x01")
	tx, err := (&transaction.Request{Type: transaction.LegacyType, ChainID: big.NewInt(10), GasPrice: big.NewInt(1), Gas: 21000, To: &to}).FakeSign(sender)
	require.NoError(t, err)

	err = Spec{}.Hooks(Ecotone).BeforeTransaction(st, tx)
	var insufficient *chainspec.InsufficientFundsError
	assert.ErrorAs(t, err, &insufficient)
}

func TestDepositMintAndReceipt(t *testing.T) {
	st := newFakeState()
	tx := transaction.NewDeposit(&transaction.Deposit{
		SourceHash: common.Hash{1},
		From:       sender,
		Mint:       big.NewInt(500),
		Value:      big.NewInt(0),
		Gas:        100_000,
	})

	h := Spec{}.Hooks(Canyon)
	require.NoError(t, h.BeforeTransaction(st, tx))
	assert.Equal(t, uint64(500), st.GetBalance(sender).Uint64())
	fee, err := h.AfterTransaction(st, tx, 21000)
	require.NoError(t, err)
	assert.Nil(t, fee)

	ctx := chainspec.ReceiptContext{Tx: tx, Success: true, CumulativeGas: 21000, Logs: []*types.Log{}, SenderNonce: 7}

	r := Spec{}.ExecutionReceipt(ctx, Canyon)
	require.NotNil(t, r.DepositNonce)
	assert.Equal(t, uint64(7), *r.DepositNonce)
	require.NotNil(t, r.DepositReceiptVersion)
	assert.Equal(t, uint64(receipt.DepositReceiptVersion), *r.DepositReceiptVersion)

	r = Spec{}.ExecutionReceipt(ctx, Regolith)
	require.NotNil(t, r.DepositNonce)
	assert.Nil(t, r.DepositReceiptVersion)

	r = Spec{}.ExecutionReceipt(ctx, Bedrock)
	assert.Nil(t, r.DepositNonce)
}

func TestValidateTransactionType(t *testing.T) {
	to := common.HexToAddress("0x01")
	blob, err := (&transaction.Request{Type: transaction.BlobType, ChainID: big.NewInt(10), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(1),
		BlobGasFeeCap: big.NewInt(1), BlobHashes: []common.Hash{{1}}, Gas: 21000, To: &to}).FakeSign(sender)
	require.NoError(t, err)
	assert.ErrorIs(t, Spec{}.ValidateTransactionType(blob, Isthmus), chainspec.ErrUnsupportedTransactionType)

	deposit := transaction.NewDeposit(&transaction.Deposit{From: sender, Value: big.NewInt(0)})
	assert.NoError(t, Spec{}.ValidateTransactionType(deposit, Bedrock))
}

func TestChainSchedules(t *testing.T) {
	cfg, ok := Spec{}.ChainConfig(MainnetChainID)
	require.True(t, ok)

	h, err := cfg.Activations.HardforkAt(105_235_063, 0)
	require.NoError(t, err)
	assert.Equal(t, Regolith, h)

	_, err = cfg.Activations.HardforkAt(100, 0)
	assert.Error(t, err)

	h, err = cfg.Activations.HardforkAt(130_000_000, 1_746_806_401)
	require.NoError(t, err)
	assert.Equal(t, Isthmus, h)

	params, ok := cfg.BaseFee.AtCondition(Ecotone, 120_000_000)
	require.True(t, ok)
	assert.Equal(t, canyonParams, params)

	params, ok = cfg.BaseFee.AtCondition(Regolith, 105_235_063)
	require.True(t, ok)
	assert.Equal(t, bedrockParams, params)
}

func TestParseHardfork(t *testing.T) {
	h, err := ParseHardfork("Ecotone")
	require.NoError(t, err)
	assert.Equal(t, Ecotone, h)
	assert.Equal(t, chainspec.Cancun, h.SpecID())

	_, err = ParseHardfork("cancun")
	assert.ErrorIs(t, err, chainspec.ErrUnknownHardfork)
}

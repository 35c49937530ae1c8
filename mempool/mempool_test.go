package mempool

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/state"
	"github.com/edrgo/edr/transaction"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	sink  = common.HexToAddress("0x000000000000000000000000000000000000dead")
)

const gwei = params.GWei

// accounts is a state.Reader holding only balances and nonces.
type accounts map[common.Address]*state.Account

func (a accounts) Basic(addr common.Address) (*state.Account, error) { return a[addr], nil }

func (a accounts) CodeByHash(common.Hash) ([]byte, error) { return nil, nil }

func (a accounts) Storage(common.Address, common.Hash) (common.Hash, error) {
	return common.Hash{}, nil
}

func funded(nonces map[common.Address]uint64) accounts {
	st := make(accounts)
	for _, addr := range []common.Address{alice, bob} {
		acc := state.NewAccount()
		acc.Balance = uint256.NewInt(params.Ether)
		acc.Nonce = nonces[addr]
		st[addr] = acc
	}
	return st
}

func dynamic(t *testing.T, from common.Address, nonce uint64, tip, feeCap int64) *transaction.Signed {
	t.Helper()
	tx, err := (&transaction.Request{
		Type:      transaction.DynamicFeeType,
		ChainID:   big.NewInt(31337),
		Nonce:     nonce,
		GasTipCap: big.NewInt(tip),
		GasFeeCap: big.NewInt(feeCap),
		Gas:       21_000,
		To:        &sink,
	}).FakeSign(from)
	require.NoError(t, err)
	return tx
}

func legacy(t *testing.T, from common.Address, nonce, gas uint64, price int64) *transaction.Signed {
	t.Helper()
	tx, err := (&transaction.Request{
		Type:     transaction.LegacyType,
		ChainID:  big.NewInt(31337),
		Nonce:    nonce,
		GasPrice: big.NewInt(price),
		Gas:      gas,
		To:       &sink,
	}).FakeSign(from)
	require.NoError(t, err)
	return tx
}

func TestPendingAndQueued(t *testing.T) {
	p := New(Config{BlockGasLimit: 30_000_000}, big.NewInt(gwei))
	st := funded(nil)

	second := dynamic(t, alice, 1, gwei, 2*gwei)
	require.NoError(t, p.Add(st, second))
	assert.Empty(t, p.Pending())
	assert.Equal(t, []*transaction.Signed{second}, p.Queued())
	assert.False(t, p.HasPending())

	first := dynamic(t, alice, 0, gwei, 2*gwei)
	require.NoError(t, p.Add(st, first))
	assert.ElementsMatch(t, []*transaction.Signed{first, second}, p.Pending())
	assert.Empty(t, p.Queued())
	assert.Equal(t, 2, p.Len())

	next, ok := p.NextNonce(alice)
	require.True(t, ok)
	assert.Equal(t, uint64(2), next)
	_, ok = p.NextNonce(bob)
	assert.False(t, ok)
}

func TestAddRejections(t *testing.T) {
	p := New(Config{BlockGasLimit: 1_000_000, TransactionGasCap: 500_000}, nil)
	st := funded(map[common.Address]uint64{alice: 3})

	var low *NonceTooLowError
	require.ErrorAs(t, p.Add(st, legacy(t, alice, 2, 21_000, gwei)), &low)
	assert.Equal(t, uint64(3), low.StateNonce)

	var capErr *chainspec.ExceedsTransactionGasCapError
	require.ErrorAs(t, p.Add(st, legacy(t, alice, 3, 600_000, gwei)), &capErr)
	assert.Equal(t, uint64(600_000), capErr.GasLimit)

	p.SetBlockGasLimit(400_000)
	assert.ErrorIs(t, p.Add(st, legacy(t, alice, 3, 450_000, gwei)), ErrExceedsBlockGasLimit)

	var funds *chainspec.InsufficientFundsError
	require.ErrorAs(t, p.Add(st, legacy(t, alice, 3, 21_000, params.Ether)), &funds)
	assert.Zero(t, funds.Available.Cmp(big.NewInt(params.Ether)))

	tx := legacy(t, alice, 3, 21_000, gwei)
	require.NoError(t, p.Add(st, tx))
	assert.ErrorIs(t, p.Add(st, tx), ErrAlreadyKnown)
	assert.Equal(t, 1, p.Len())
}

func TestReplacement(t *testing.T) {
	p := New(Config{}, nil)
	st := funded(nil)

	old := legacy(t, alice, 0, 21_000, 10*gwei)
	require.NoError(t, p.Add(st, old))

	var under *ReplacementUnderpricedError
	require.ErrorAs(t, p.Add(st, legacy(t, alice, 0, 21_000, 10*gwei+gwei/2)), &under)
	assert.Equal(t, big.NewInt(11*gwei), under.MinGasPrice)

	replacement := legacy(t, alice, 0, 21_000, 11*gwei)
	require.NoError(t, p.Add(st, replacement))
	assert.Equal(t, 1, p.Len())
	assert.False(t, p.Has(old.Hash()))
	assert.True(t, p.Has(replacement.Hash()))
	assert.Equal(t, []*transaction.Signed{replacement}, p.Pending())

	dyn := dynamic(t, bob, 0, 2*gwei, 10*gwei)
	require.NoError(t, p.Add(st, dyn))
	require.ErrorAs(t, p.Add(st, dynamic(t, bob, 0, 2*gwei, 20*gwei)), &under)
	assert.Nil(t, under.MinGasPrice)
	assert.Equal(t, big.NewInt(11*gwei), under.MinFeeCap)
	assert.Equal(t, big.NewInt(2*gwei+gwei/5), under.MinTipCap)
}

func TestReplacementBumpRoundsUp(t *testing.T) {
	p := New(Config{}, nil)
	st := funded(nil)

	require.NoError(t, p.Add(st, legacy(t, alice, 0, 21_000, 5)))
	var under *ReplacementUnderpricedError
	require.ErrorAs(t, p.Add(st, legacy(t, alice, 0, 22_000, 5)), &under)
	assert.Equal(t, big.NewInt(6), under.MinGasPrice)
	require.NoError(t, p.Add(st, legacy(t, alice, 0, 22_000, 6)))

	require.NoError(t, p.Add(st, dynamic(t, bob, 0, 1, 100)))
	require.ErrorAs(t, p.Add(st, dynamic(t, bob, 0, 1, 200)), &under)
	assert.Equal(t, big.NewInt(2), under.MinTipCap)
	require.NoError(t, p.Add(st, dynamic(t, bob, 0, 2, 200)))
	assert.Equal(t, 2, p.Len())
}

func TestUpdate(t *testing.T) {
	p := New(Config{BlockGasLimit: 30_000_000}, big.NewInt(gwei))
	st := funded(nil)

	mined := dynamic(t, alice, 0, gwei, 5*gwei)
	kept := dynamic(t, alice, 1, gwei, 5*gwei)
	cheap := dynamic(t, bob, 0, gwei, 2*gwei)
	behind := dynamic(t, bob, 1, gwei, 5*gwei)
	for _, tx := range []*transaction.Signed{mined, kept, cheap, behind} {
		require.NoError(t, p.Add(st, tx))
	}
	assert.Len(t, p.Pending(), 4)

	st = funded(map[common.Address]uint64{alice: 1})
	require.NoError(t, p.Update(st, big.NewInt(3*gwei)))
	assert.False(t, p.Has(mined.Hash()))
	assert.Equal(t, []*transaction.Signed{kept}, p.Pending())
	assert.Equal(t, []*transaction.Signed{cheap, behind}, p.Queued())

	require.NoError(t, p.Update(st, big.NewInt(gwei)))
	assert.ElementsMatch(t, []*transaction.Signed{kept, cheap, behind}, p.Pending())
	assert.Empty(t, p.Queued())

	p.SetBlockGasLimit(20_000)
	require.NoError(t, p.Update(st, big.NewInt(gwei)))
	assert.Zero(t, p.Len())
}

func TestRemoveDemotesLaterNonces(t *testing.T) {
	p := New(Config{}, nil)
	st := funded(nil)
	txs := make([]*transaction.Signed, 3)
	for i := range txs {
		txs[i] = legacy(t, alice, uint64(i), 21_000, gwei)
		require.NoError(t, p.Add(st, txs[i]))
	}

	removed, ok := p.Remove(txs[1].Hash())
	require.True(t, ok)
	assert.Equal(t, txs[1], removed)
	assert.Equal(t, []*transaction.Signed{txs[0]}, p.Pending())
	assert.Equal(t, []*transaction.Signed{txs[2]}, p.Queued())

	_, ok = p.Remove(txs[1].Hash())
	assert.False(t, ok)
}

func TestClone(t *testing.T) {
	p := New(Config{}, nil)
	st := funded(nil)
	require.NoError(t, p.Add(st, legacy(t, alice, 0, 21_000, gwei)))

	c := p.Clone()
	require.NoError(t, c.Add(st, legacy(t, alice, 1, 21_000, gwei)))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 2, c.Len())
}

func drain(it *Iterator) []*transaction.Signed {
	var out []*transaction.Signed
	for tx := it.Peek(); tx != nil; tx = it.Peek() {
		out = append(out, tx)
		it.Shift()
	}
	return out
}

func TestIteratorOrder(t *testing.T) {
	p := New(Config{}, nil)
	st := funded(nil)
	a0 := dynamic(t, alice, 0, gwei, 10*gwei)
	a1 := dynamic(t, alice, 1, 5*gwei, 10*gwei)
	b0 := dynamic(t, bob, 0, 2*gwei, 10*gwei)
	for _, tx := range []*transaction.Signed{a0, a1, b0} {
		require.NoError(t, p.Add(st, tx))
	}

	assert.Equal(t, []*transaction.Signed{b0, a0, a1}, drain(p.Iterator(Priority, nil)))
	assert.Equal(t, []*transaction.Signed{a0, a1, b0}, drain(p.Iterator(FIFO, nil)))

	// At a base fee of 9 gwei only 1 gwei of headroom is left for every tip.
	assert.Equal(t, []*transaction.Signed{a0, a1, b0}, drain(p.Iterator(Priority, big.NewInt(9*gwei))))

	it := p.Iterator(FIFO, nil)
	assert.Equal(t, a0, it.Peek())
	it.Pop()
	assert.Equal(t, b0, it.Peek())
	it.Shift()
	assert.Nil(t, it.Peek())
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("fifo")
	require.NoError(t, err)
	assert.Equal(t, FIFO, o)
	assert.Equal(t, "priority", Priority.String())
	_, err = ParseOrder("random")
	assert.Error(t, err)
}

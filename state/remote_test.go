package state

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/rpcclient"
)

var contractCode = []byte{0x60, 0x2a, 0x60, 0x00, 0x52}

type remoteEth struct {
	proofs   atomic.Int32
	codes    atomic.Int32
	storages atomic.Int32
}

func (r *remoteEth) ChainId() hexutil.Uint64 { return 1 }

func (r *remoteEth) BlockNumber() hexutil.Uint64 { return 100 }

func (r *remoteEth) GetProof(addr common.Address, slots []common.Hash, n hexutil.Uint64) *rpcclient.AccountProof {
	r.proofs.Add(1)
	if addr != alice {
		return &rpcclient.AccountProof{Address: addr, Balance: (*hexutil.Big)(new(big.Int)), StorageHash: types.EmptyRootHash}
	}
	return &rpcclient.AccountProof{
		Address:     addr,
		Balance:     (*hexutil.Big)(big.NewInt(12345)),
		Nonce:       3,
		CodeHash:    crypto.Keccak256Hash(contractCode),
		StorageHash: common.Hash{1},
	}
}

func (r *remoteEth) GetCode(addr common.Address, n hexutil.Uint64) hexutil.Bytes {
	r.codes.Add(1)
	return contractCode
}

func (r *remoteEth) GetStorageAt(addr common.Address, slot common.Hash, n hexutil.Uint64) hexutil.Bytes {
	r.storages.Add(1)
	return val1.Bytes()
}

func newRemote(t *testing.T, svc *remoteEth) *rpcclient.Client {
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", svc))
	t.Cleanup(srv.Stop)
	c, err := rpcclient.New(context.Background(), rpc.DialInProc(srv), rpcclient.Config{URL: "inproc://remote"})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCachedRemoteSplitsCode(t *testing.T) {
	svc := &remoteEth{}
	client := newRemote(t, svc)
	cache := NewRemoteCache(128)
	r := NewCachedRemote(NewRemote(context.Background(), client, 50), cache)

	acc, err := r.Basic(alice)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, uint64(12345), acc.Balance.Uint64())
	assert.Equal(t, uint64(3), acc.Nonce)

	code, err := r.CodeByHash(acc.CodeHash)
	require.NoError(t, err)
	assert.Equal(t, contractCode, code)

	_, err = r.Basic(alice)
	require.NoError(t, err)
	assert.Equal(t, int32(1), svc.proofs.Load())
	assert.Equal(t, int32(1), svc.codes.Load())

	missing, err := r.Basic(bob)
	require.NoError(t, err)
	assert.Nil(t, missing)

	for range 2 {
		v, err := r.Storage(alice, slot1)
		require.NoError(t, err)
		assert.Equal(t, val1, v)
	}
	assert.Equal(t, int32(1), svc.storages.Load())

	cache.Clear()
	_, err = r.CodeByHash(acc.CodeHash)
	assert.ErrorIs(t, err, ErrInvalidCodeHash)
}

func TestRemoteCodeByHashUnsupported(t *testing.T) {
	r := NewRemote(context.Background(), newRemote(t, &remoteEth{}), 50)
	_, err := r.CodeByHash(common.Hash{1})
	assert.ErrorIs(t, err, ErrInvalidCodeHash)
}

func TestForkedOverlayExecutes(t *testing.T) {
	client := newRemote(t, &remoteEth{})
	base := NewCachedRemote(NewRemote(context.Background(), client, 50), NewRemoteCache(128))
	o := NewOverlay(base)

	db := NewDB(o)
	assert.Equal(t, contractCode, db.GetCode(alice))
	assert.Equal(t, common.Hash{1}, db.GetStorageRoot(alice))
	db.SetState(alice, slot1, common.Hash{})
	db.Finalise(true)
	require.NoError(t, db.Error())
	o.Apply(db.Diff())

	v, err := o.Storage(alice, slot1)
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, v)
}

package transaction

import (
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/signature"
)

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	chainID   = big.NewInt(31337)
)

func testRequests() map[string]*Request {
	return map[string]*Request{
		"legacy-pre155": {Type: LegacyType, Nonce: 1, GasPrice: big.NewInt(1e9), Gas: 21000, To: &recipient, Value: big.NewInt(5)},
		"legacy":        {Type: LegacyType, ChainID: chainID, Nonce: 2, GasPrice: big.NewInt(1e9), Gas: 21000, To: &recipient},
		"access-list": {Type: AccessListType, ChainID: chainID, Nonce: 3, GasPrice: big.NewInt(2e9), Gas: 30000, To: &recipient,
			AccessList: types.AccessList{{Address: recipient, StorageKeys: []common.Hash{{1}}}}},
		"dynamic-fee": {Type: DynamicFeeType, ChainID: chainID, Nonce: 4, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(3e9), Gas: 21000, Data: []byte{1, 2}},
		"blob": {Type: BlobType, ChainID: chainID, Nonce: 5, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(3e9), Gas: 21000, To: &recipient,
			BlobGasFeeCap: big.NewInt(10), BlobHashes: []common.Hash{{0x01}}},
		"set-code": {Type: SetCodeType, ChainID: chainID, Nonce: 6, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(3e9), Gas: 50000, To: &recipient,
			AuthList: []types.SetCodeAuthorization{{Address: recipient, Nonce: 7}}},
	}
}

func TestSignEncodeDecodeRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := signature.Address(key)

	for name, req := range testRequests() {
		t.Run(name, func(t *testing.T) {
			signed, err := req.Sign(key)
			require.NoError(t, err)
			require.Equal(t, from, signed.Caller())

			raw, err := signed.MarshalBinary()
			require.NoError(t, err)
			decoded, err := Decode(raw, false)
			require.NoError(t, err)

			require.Equal(t, from, decoded.Caller())
			require.Equal(t, signed.Hash(), decoded.Hash())
			require.Equal(t, crypto.Keccak256Hash(raw), decoded.Hash())
			require.True(t, signed.Equal(decoded))
			require.Equal(t, req.Type, decoded.Type())
		})
	}
}

func TestCreateNotAllowedForBlobAndSetCode(t *testing.T) {
	key, _ := crypto.GenerateKey()
	for _, typ := range []uint8{BlobType, SetCodeType} {
		_, err := (&Request{Type: typ, ChainID: chainID}).Sign(key)
		require.ErrorIs(t, err, ErrCreateNotAllowed)
	}
}

func TestFakeSignedSenderAndHash(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	for name, req := range testRequests() {
		t.Run(name, func(t *testing.T) {
			ta, err := req.FakeSign(a)
			require.NoError(t, err)
			tb, err := req.FakeSign(b)
			require.NoError(t, err)
			again, err := req.FakeSign(a)
			require.NoError(t, err)

			require.True(t, ta.IsImpersonated())
			require.Equal(t, a, ta.Caller())
			require.Equal(t, b, tb.Caller())
			require.NotEqual(t, ta.Hash(), tb.Hash())
			require.Equal(t, ta.Hash(), again.Hash())
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil, false)
	require.ErrorIs(t, err, ErrEmptyInput)

	d := &Deposit{From: recipient, Gas: 100}
	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	_, err = Decode(raw, false)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDepositRoundTrip(t *testing.T) {
	d := &Deposit{
		SourceHash: common.Hash{0xaa},
		From:       common.HexToAddress("0xdeaddeaddeaddeaddeaddeaddeaddeaddead0001"),
		To:         &recipient,
		Mint:       big.NewInt(1000),
		Value:      big.NewInt(10),
		Gas:        1_000_000,
		IsSystemTx: false,
		Data:       []byte{0xca, 0xfe},
	}
	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, byte(DepositType), raw[0])

	tx, err := Decode(raw, true)
	require.NoError(t, err)
	require.True(t, tx.IsDeposit())
	require.Equal(t, d.From, tx.Caller())
	require.Equal(t, big.NewInt(1000), tx.Mint())
	require.Equal(t, crypto.Keccak256Hash(raw), tx.Hash())
	require.Equal(t, uint64(0), tx.Nonce())
}

func TestEffectiveGasTip(t *testing.T) {
	tx, err := testRequests()["dynamic-fee"].FakeSign(recipient)
	require.NoError(t, err)

	require.Equal(t, big.NewInt(1), tx.EffectiveGasTip(big.NewInt(1e9)))
	require.Equal(t, big.NewInt(1), tx.EffectiveGasTip(nil))
	require.Nil(t, tx.EffectiveGasTip(big.NewInt(4e9)))
	require.Equal(t, big.NewInt(1e9+1), tx.EffectiveGasPrice(big.NewInt(1e9)))

	tip := tx.EffectiveGasTip(big.NewInt(3e9))
	require.Equal(t, 0, tip.Sign())
}

func TestUpfrontCostIncludesBlobGas(t *testing.T) {
	tx, err := testRequests()["blob"].FakeSign(recipient)
	require.NoError(t, err)
	want := new(big.Int).Mul(big.NewInt(21000), big.NewInt(3e9))
	want.Add(want, big.NewInt(131072*10))
	require.Equal(t, want, tx.UpfrontCost())
}

func TestRPCRoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	for name, req := range testRequests() {
		t.Run(name, func(t *testing.T) {
			signed, err := req.Sign(key)
			require.NoError(t, err)
			pos := &BlockPosition{Hash: common.Hash{1}, Number: 3, Index: 0, BaseFee: big.NewInt(1)}

			enc, err := json.Marshal(NewRPCTransaction(signed, pos))
			require.NoError(t, err)
			var back RPCTransaction
			require.NoError(t, json.Unmarshal(enc, &back))

			got, err := back.ToSigned()
			require.NoError(t, err)
			require.Equal(t, signed.Hash(), got.Hash())
			require.Equal(t, signed.Caller(), got.Caller())
		})
	}
}

func TestLooseLegacyKeepsRemoteHash(t *testing.T) {
	remote := common.HexToHash("0x1234")
	r := &RPCTransaction{
		Type:         0x64,
		Hash:         remote,
		From:         recipient,
		Gas:          21000,
		MaxFeePerGas: (*hexutil.Big)(big.NewInt(7)),
		V:            (*hexutil.Big)(big.NewInt(37)),
		R:            (*hexutil.Big)(big.NewInt(1)),
		S:            (*hexutil.Big)(big.NewInt(1)),
	}
	_, err := r.ToSigned()
	require.ErrorIs(t, err, ErrUnsupportedType)

	tx, err := r.ToLegacyLoose()
	require.NoError(t, err)
	require.Equal(t, remote, tx.Hash())
	require.Equal(t, uint8(LegacyType), tx.Type())
	require.Equal(t, big.NewInt(7), tx.GasPrice())
	require.Equal(t, recipient, tx.Caller())
}

func blobTx(hashes []common.Hash, sc *types.BlobTxSidecar) *types.Transaction {
	return types.NewTx(&types.BlobTx{
		ChainID:    uint256.MustFromBig(chainID),
		GasTipCap:  uint256.NewInt(1),
		GasFeeCap:  uint256.NewInt(1),
		Gas:        21000,
		To:         recipient,
		BlobFeeCap: uint256.NewInt(1),
		BlobHashes: hashes,
		Sidecar:    sc,
	})
}

func TestVerifySidecarShape(t *testing.T) {
	var commitment kzg4844.Commitment
	hash := common.Hash(kzg4844.CalcBlobHashV1(sha256.New(), &commitment))

	require.ErrorIs(t, VerifySidecar(blobTx([]common.Hash{hash}, nil)), ErrMissingSidecar)

	twoHashes := blobTx([]common.Hash{hash, hash}, &types.BlobTxSidecar{
		Blobs:       make([]kzg4844.Blob, 1),
		Commitments: []kzg4844.Commitment{commitment},
		Proofs:      make([]kzg4844.Proof, 1),
	})
	require.ErrorIs(t, VerifySidecar(twoHashes), ErrBlobCountMismatch)

	// Neither one proof per blob nor one per cell.
	badCells := blobTx([]common.Hash{hash}, &types.BlobTxSidecar{
		Version:     types.BlobSidecarVersion1,
		Blobs:       make([]kzg4844.Blob, 1),
		Commitments: []kzg4844.Commitment{commitment},
		Proofs:      make([]kzg4844.Proof, 2),
	})
	require.ErrorIs(t, VerifySidecar(badCells), ErrBlobCountMismatch)
}

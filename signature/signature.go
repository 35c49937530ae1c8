// Package signature implements ECDSA signing and recovery for EDR, together
// with the "fakeable" signatures used to impersonate accounts whose secret
// key the runtime does not hold.
//
// A fake signature encodes the impersonated sender in both R and S. The
// sender is stored beside the values, so recovering a fake signature never
// touches secp256k1 and always returns the impersonated address.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	// ErrInvalidSignatureLength is returned for signatures that are not 65 bytes.
	ErrInvalidSignatureLength = errors.New("signature must be 65 bytes")
	// ErrInvalidRecoveryID is returned when v is not a valid recovery id.
	ErrInvalidRecoveryID = errors.New("invalid signature recovery id")
)

// Fakeable is the signature carried by every signed transaction. Real
// signatures cache the recovered sender; fake ones carry it by construction.
type Fakeable struct {
	V, R, S *big.Int
	fake    bool
	sender  common.Address
}

// NewReal wraps the signature values of a transaction whose sender has been
// recovered.
func NewReal(v, r, s *big.Int, sender common.Address) Fakeable {
	return Fakeable{V: v, R: r, S: s, sender: sender}
}

// NewFake creates an impersonation signature for sender. v is the value the
// envelope expects for the transaction type: 27 for pre-EIP-155 legacy,
// chainID*2+35 for EIP-155 legacy and 0 for typed transactions.
func NewFake(sender common.Address, v *big.Int) Fakeable {
	rs := FakeRS(sender)
	return Fakeable{V: v, R: rs, S: new(big.Int).Set(rs), fake: true, sender: sender}
}

// FakeRS returns the R and S value used for fake signatures of sender.
func FakeRS(sender common.Address) *big.Int {
	return new(big.Int).SetBytes(sender.Bytes())
}

// IsFake reports whether the signature impersonates its sender.
func (f Fakeable) IsFake() bool { return f.fake }

// Sender returns the signing or impersonated address.
func (f Fakeable) Sender() common.Address { return f.sender }

// LegacyV returns the v value for a legacy transaction with y-parity
// yParity, EIP-155 protected when chainID is non-nil.
func LegacyV(chainID *big.Int, yParity uint64) *big.Int {
	if chainID == nil {
		return new(big.Int).SetUint64(27 + yParity)
	}
	v := new(big.Int).Mul(chainID, big.NewInt(2))
	return v.Add(v, new(big.Int).SetUint64(35+yParity))
}

// Sign signs a 32-byte digest and returns the 65-byte [R || S || V] form
// with V in {0, 1}.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest[:], key)
}

// Recover returns the address that produced the 65-byte signature of digest.
// V may be given as {0, 1} or {27, 28}.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignatureLength
	}
	s := append([]byte(nil), sig...)
	if s[64] >= 27 {
		s[64] -= 27
	}
	if s[64] > 1 {
		return common.Address{}, ErrInvalidRecoveryID
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignMessage implements eth_sign / personal_sign: it signs the EIP-191
// prefixed hash of msg and returns the signature with V in {27, 28}.
func SignMessage(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := Sign(common.BytesToHash(accounts.TextHash(msg)), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverMessage recovers the signer of an EIP-191 message signature.
func RecoverMessage(msg, sig []byte) (common.Address, error) {
	return Recover(common.BytesToHash(accounts.TextHash(msg)), sig)
}

// SignTypedData implements eth_signTypedData_v4.
func SignTypedData(data apitypes.TypedData, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := Sign(common.BytesToHash(digest), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignAuthorization signs an EIP-7702 authorization tuple.
func SignAuthorization(auth types.SetCodeAuthorization, key *ecdsa.PrivateKey) (types.SetCodeAuthorization, error) {
	return types.SignSetCode(key, auth)
}

// Address returns the address controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

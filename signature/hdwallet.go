package signature

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// DefaultMnemonic is the well-known development mnemonic.
const DefaultMnemonic = "test test test test test test test test test test test junk"

// DefaultDerivationBase is the BIP-44 Ethereum account path prefix.
const DefaultDerivationBase = "m/44'/60'/0'/0"

var errInvalidChildKey = errors.New("derived key is invalid")

// DeriveKeys derives count secret keys from mnemonic along base/i, the
// scheme used for development accounts.
func DeriveKeys(mnemonic, passphrase, base string, count int) ([]*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	basePath, err := accounts.ParseDerivationPath(base)
	if err != nil {
		return nil, err
	}
	keys := make([]*ecdsa.PrivateKey, 0, count)
	for i := 0; i < count; i++ {
		path := append(accounts.DerivationPath{}, basePath...)
		path = append(path, uint32(i))
		key, err := DeriveKey(seed, path)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeriveKey walks a BIP-32 derivation path from a BIP-39 seed.
func DeriveKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	k, chainCode := new(big.Int).SetBytes(sum[:32]), sum[32:]

	n := crypto.S256().Params().N
	for _, index := range path {
		key, err := crypto.ToECDSA(pad32(k.Bytes()))
		if err != nil {
			return nil, err
		}
		var data []byte
		if index >= 0x80000000 {
			data = append([]byte{0}, pad32(k.Bytes())...)
		} else {
			data = crypto.CompressPubkey(&key.PublicKey)
		}
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], index)
		data = append(data, idx[:]...)

		mac := hmac.New(sha512.New, chainCode)
		mac.Write(data)
		sum := mac.Sum(nil)

		il := new(big.Int).SetBytes(sum[:32])
		if il.Cmp(n) >= 0 {
			return nil, errInvalidChildKey
		}
		k = il.Add(il, k)
		k.Mod(k, n)
		if k.Sign() == 0 {
			return nil, errInvalidChildKey
		}
		chainCode = sum[32:]
	}
	return crypto.ToECDSA(pad32(k.Bytes()))
}

func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

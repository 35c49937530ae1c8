package cheatcode

import (
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/edrgo/edr/signature"
)

var errInvalidMnemonic = errors.New("invalid mnemonic")

// privateKey converts a private key given as uint256.
func privateKey(v *big.Int) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(math.PaddedBigBytes(v, 32))
}

func deriveKey(mnemonic, base string, index uint32) (*big.Int, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errInvalidMnemonic
	}
	path, err := accounts.ParseDerivationPath(base)
	if err != nil {
		return nil, err
	}
	path = append(path, index)
	key, err := signature.DeriveKey(bip39.NewSeed(mnemonic, ""), path)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(crypto.FromECDSA(key)), nil
}

func init() {
	pure("sign(uint256,bytes32)", args("uint8", "bytes32", "bytes32"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		key, err := privateKey(a[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		digest := a[1].([32]byte)
		sig, err := signature.Sign(common.Hash(digest), key)
		if err != nil {
			return nil, err
		}
		return []any{sig[64] + 27, [32]byte(sig[:32]), [32]byte(sig[32:64])}, nil
	})
	pure("addr(uint256)", args("address"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		key, err := privateKey(a[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		return []any{signature.Address(key)}, nil
	})
	pure("deriveKey(string,uint32)", args("uint256"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		k, err := deriveKey(a[0].(string), signature.DefaultDerivationBase, a[1].(uint32))
		if err != nil {
			return nil, err
		}
		return []any{k}, nil
	})
	pure("deriveKey(string,string,uint32)", args("uint256"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		k, err := deriveKey(a[0].(string), a[1].(string), a[2].(uint32))
		if err != nil {
			return nil, err
		}
		return []any{k}, nil
	})
	pure("keccak256(bytes)", args("bytes32"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{[32]byte(crypto.Keccak256Hash(a[0].([]byte)))}, nil
	})
	pure("toBase64(bytes)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{base64.StdEncoding.EncodeToString(a[0].([]byte))}, nil
	})
	pure("toBase64(string)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{base64.StdEncoding.EncodeToString([]byte(a[0].(string)))}, nil
	})
	pure("toBase64URL(bytes)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{base64.URLEncoding.EncodeToString(a[0].([]byte))}, nil
	})
}

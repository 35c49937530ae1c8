package provider

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/signature"
	"github.com/edrgo/edr/state"
)

// accountAt returns addr's account after the block bs refers to. Missing
// accounts read as empty.
func (d *Data[H]) accountAt(addr common.Address, bs primitives.BlockSpec) (*state.Account, *state.Overlay, error) {
	st, err := d.stateAt(bs)
	if err != nil {
		return nil, nil, err
	}
	acc, err := st.Basic(addr)
	if err != nil {
		return nil, nil, err
	}
	if acc == nil {
		acc = state.NewAccount()
	}
	return acc, st, nil
}

func (d *Data[H]) balanceAt(addr common.Address, bs primitives.BlockSpec) (*big.Int, error) {
	acc, _, err := d.accountAt(addr, bs)
	if err != nil {
		return nil, err
	}
	return acc.Balance.ToBig(), nil
}

func (d *Data[H]) codeAt(addr common.Address, bs primitives.BlockSpec) ([]byte, error) {
	acc, st, err := d.accountAt(addr, bs)
	if err != nil {
		return nil, err
	}
	code, err := st.CodeByHash(acc.CodeHash)
	if err != nil {
		return nil, err
	}
	if code == nil {
		code = []byte{}
	}
	return code, nil
}

func (d *Data[H]) storageAt(addr common.Address, slot common.Hash, bs primitives.BlockSpec) (common.Hash, error) {
	st, err := d.stateAt(bs)
	if err != nil {
		return common.Hash{}, err
	}
	return st.Storage(addr, slot)
}

// transactionCount implements eth_getTransactionCount. The pending tag
// counts the sender's pending pool transactions too.
func (d *Data[H]) transactionCount(addr common.Address, bs primitives.BlockSpec) (uint64, error) {
	if bs.IsPending() {
		return d.pendingNonce(addr)
	}
	acc, _, err := d.accountAt(addr, bs)
	if err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}

// signingKey returns the key of an owned account. Impersonated accounts
// cannot sign messages.
func (d *Data[H]) signingKey(addr common.Address) (*ecdsa.PrivateKey, error) {
	key, ok := d.keys[addr]
	if !ok {
		return nil, invalidInput("%s: %s", ErrUnknownAccount, addr)
	}
	return key, nil
}

func (d *Data[H]) signMessage(addr common.Address, msg []byte) ([]byte, error) {
	key, err := d.signingKey(addr)
	if err != nil {
		return nil, err
	}
	return signature.SignMessage(msg, key)
}

// signTypedData implements eth_signTypedData_v4. raw is the typed data as
// a JSON object or as a string holding one.
func (d *Data[H]) signTypedData(addr common.Address, raw json.RawMessage) ([]byte, error) {
	key, err := d.signingKey(addr)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalidParams("invalid typed data: %v", err)
		}
		raw = json.RawMessage(s)
	}
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		return nil, invalidParams("invalid typed data: %v", err)
	}
	sig, err := signature.SignTypedData(td, key)
	if err != nil {
		return nil, invalidInput("%s", err.Error())
	}
	return sig, nil
}

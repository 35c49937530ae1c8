package geth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"

	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/transaction"
)

// ToMessage converts a signed transaction into an interpreter message for a
// block with baseFee (nil before London).
//
// Deposits pay no fees and carry no nonce. Impersonated senders may hold
// code, so the EOA check is skipped for them.
func ToMessage(tx *transaction.Signed, baseFee *big.Int) *core.Message {
	msg := &core.Message{
		From:                  tx.Caller(),
		To:                    tx.To(),
		Nonce:                 tx.Nonce(),
		Value:                 tx.Value(),
		GasLimit:              tx.Gas(),
		Data:                  tx.Data(),
		AccessList:            tx.AccessList(),
		BlobHashes:            tx.BlobHashes(),
		BlobGasFeeCap:         tx.BlobGasFeeCap(),
		SetCodeAuthorizations: tx.SetCodeAuthorizations(),
		SkipTransactionChecks: tx.IsImpersonated(),
	}
	if tx.IsDeposit() {
		msg.GasPrice, msg.GasFeeCap, msg.GasTipCap = new(big.Int), new(big.Int), new(big.Int)
		msg.SkipNonceChecks = true
		msg.SkipTransactionChecks = true
		return msg
	}
	msg.GasFeeCap = tx.GasFeeCap()
	msg.GasTipCap = tx.GasTipCap()
	msg.GasPrice = tx.EffectiveGasPrice(baseFee)
	return msg
}

// CallOptions controls how a call request becomes a message.
type CallOptions struct {
	// Nonce is used when the request leaves it unset.
	Nonce uint64
	// GasCap bounds the gas of the call; zero means no cap.
	GasCap uint64
}

// CallMessage converts an eth_call style request from sender. Calls skip
// the nonce and EOA checks, and requests without any fee field execute
// with zero gas price.
func CallMessage(r *transaction.Request, sender common.Address, opts CallOptions) *core.Message {
	gas := r.Gas
	if opts.GasCap > 0 && (gas == 0 || gas > opts.GasCap) {
		gas = opts.GasCap
	}
	nonce := r.Nonce
	if nonce == 0 {
		nonce = opts.Nonce
	}
	msg := &core.Message{
		From:                  sender,
		To:                    r.To,
		Nonce:                 nonce,
		Value:                 primitives.BigOrZero(r.Value),
		GasLimit:              gas,
		Data:                  r.Data,
		AccessList:            r.AccessList,
		BlobHashes:            r.BlobHashes,
		BlobGasFeeCap:         r.BlobGasFeeCap,
		SetCodeAuthorizations: r.AuthList,
		SkipNonceChecks:       true,
		SkipTransactionChecks: true,
	}
	switch {
	case r.GasPrice != nil:
		msg.GasPrice, msg.GasFeeCap, msg.GasTipCap = r.GasPrice, r.GasPrice, r.GasPrice
	case r.GasFeeCap != nil || r.GasTipCap != nil:
		msg.GasFeeCap = primitives.BigOrZero(r.GasFeeCap)
		msg.GasTipCap = primitives.BigOrZero(r.GasTipCap)
		msg.GasPrice = msg.GasFeeCap
	default:
		msg.GasPrice, msg.GasFeeCap, msg.GasTipCap = new(big.Int), new(big.Int), new(big.Int)
	}
	if msg.BlobHashes != nil && msg.BlobGasFeeCap == nil {
		msg.BlobGasFeeCap = new(big.Int)
	}
	return msg
}

// IsFeeless reports whether msg pays no gas price; the interpreter must
// then skip base-fee validation.
func IsFeeless(msg *core.Message) bool {
	return msg.GasFeeCap.Sign() == 0 && msg.GasTipCap.Sign() == 0
}

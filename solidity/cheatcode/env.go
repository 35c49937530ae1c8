package cheatcode

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/holiman/uint256"
)

var errOverflow = errors.New("value overflows 256 bits")

func init() {
	pure("deal(address,uint256)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		amount, overflow := uint256.FromBig(a[1].(*big.Int))
		if overflow {
			return nil, errOverflow
		}
		db, who := ctx.evm.StateDB, a[0].(common.Address)
		db.SubBalance(who, db.GetBalance(who), tracing.BalanceChangeUnspecified)
		db.AddBalance(who, amount, tracing.BalanceChangeUnspecified)
		return none()
	})
	pure("etch(address,bytes)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		ctx.evm.StateDB.SetCode(a[0].(common.Address), common.CopyBytes(a[1].([]byte)), tracing.CodeChangeUnspecified)
		return none()
	})
	pure("store(address,bytes32,bytes32)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		ctx.evm.StateDB.SetState(a[0].(common.Address), a[1].([32]byte), a[2].([32]byte))
		return none()
	})
	pure("load(address,bytes32)", args("bytes32"), func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		v := ctx.evm.StateDB.GetState(a[0].(common.Address), a[1].([32]byte))
		return []any{[32]byte(v)}, nil
	})
	pure("setNonce(address,uint64)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		who, nonce := a[0].(common.Address), a[1].(uint64)
		if cur := ctx.evm.StateDB.GetNonce(who); nonce < cur {
			return nil, errors.New("new nonce must be greater than the current nonce")
		}
		ctx.evm.StateDB.SetNonce(who, nonce, tracing.NonceChangeUnspecified)
		return none()
	})
	pure("setNonceUnsafe(address,uint64)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		ctx.evm.StateDB.SetNonce(a[0].(common.Address), a[1].(uint64), tracing.NonceChangeUnspecified)
		return none()
	})
	pure("getNonce(address)", args("uint64"), func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		return []any{ctx.evm.StateDB.GetNonce(a[0].(common.Address))}, nil
	})
	pure("getCode(address)", args("bytes"), func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		return []any{common.CopyBytes(ctx.evm.StateDB.GetCode(a[0].(common.Address)))}, nil
	})

	pure("warp(uint256)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		t, err := toUint64(a[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		ctx.evm.Context.Time = t
		return none()
	})
	pure("roll(uint256)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		ctx.evm.Context.BlockNumber = new(big.Int).Set(a[0].(*big.Int))
		return none()
	})
	pure("fee(uint256)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		ctx.evm.Context.BaseFee = new(big.Int).Set(a[0].(*big.Int))
		return none()
	})
	pure("difficulty(uint256)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		if ctx.evm.Context.Random != nil {
			return nil, errors.New("not supported after the merge, use prevrandao")
		}
		ctx.evm.Context.Difficulty = new(big.Int).Set(a[0].(*big.Int))
		return none()
	})
	pure("prevrandao(bytes32)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		if ctx.evm.Context.Random == nil {
			return nil, errors.New("not supported before the merge, use difficulty")
		}
		random := common.Hash(a[0].([32]byte))
		ctx.evm.Context.Random = &random
		return none()
	})
	pure("coinbase(address)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		ctx.evm.Context.Coinbase = a[0].(common.Address)
		return none()
	})
	pure("chainId(uint256)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		id := a[0].(*big.Int)
		if id.Sign() == 0 || !id.IsUint64() {
			return nil, errors.New("chain id must be a non-zero 64-bit value")
		}
		ctx.evm.ChainConfig().ChainID.Set(id)
		return none()
	})
	pure("txGasPrice(uint256)", nil, func(_ *Cheats, ctx *callContext, a []any) ([]any, error) {
		ctx.evm.TxContext.GasPrice = new(big.Int).Set(a[0].(*big.Int))
		return none()
	})
	pure("getBlockNumber()", args("uint256"), func(_ *Cheats, ctx *callContext, _ []any) ([]any, error) {
		return []any{new(big.Int).Set(ctx.evm.Context.BlockNumber)}, nil
	})
	pure("getBlockTimestamp()", args("uint256"), func(_ *Cheats, ctx *callContext, _ []any) ([]any, error) {
		return []any{new(big.Int).SetUint64(ctx.evm.Context.Time)}, nil
	})
}

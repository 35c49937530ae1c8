package provider

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/state"
)

func (d *Data[H]) setBalance(addr common.Address, balance *big.Int) error {
	b, overflow := uint256.FromBig(balance)
	if overflow || balance.Sign() < 0 {
		return invalidParams("balance %s does not fit 256 bits", balance)
	}
	return d.modifyAccount(addr, &state.AccountOverride{Balance: b})
}

func (d *Data[H]) setCode(addr common.Address, code []byte) error {
	if code == nil {
		code = []byte{}
	}
	return d.modifyAccount(addr, &state.AccountOverride{Code: code})
}

// setNonce implements hardhat_setNonce. Nonces only move forward.
func (d *Data[H]) setNonce(addr common.Address, nonce uint64) error {
	acc, err := d.account(addr)
	if err != nil {
		return err
	}
	if nonce < acc.Nonce {
		return invalidInput("New nonce (%d) must not be smaller than the existing nonce (%d)", nonce, acc.Nonce)
	}
	return d.modifyAccount(addr, &state.AccountOverride{Nonce: &nonce})
}

func (d *Data[H]) setStorageAt(addr common.Address, slot, value common.Hash) error {
	return d.modifyAccount(addr, &state.AccountOverride{Storage: map[common.Hash]common.Hash{slot: value}})
}

func (d *Data[H]) impersonate(addr common.Address) {
	d.impersonated.Add(addr)
}

func (d *Data[H]) stopImpersonating(addr common.Address) bool {
	if !d.impersonated.Contains(addr) {
		return false
	}
	d.impersonated.Remove(addr)
	return true
}

// dropTransaction implements hardhat_dropTransaction.
func (d *Data[H]) dropTransaction(hash common.Hash) (bool, error) {
	if _, ok := d.pool.Remove(hash); ok {
		d.pending = nil
		st, err := d.headState()
		if err != nil {
			return false, err
		}
		return true, d.pool.Update(st, d.nextBlockBaseFee())
	}
	b, err := d.chain.BlockByTransaction(hash)
	if err != nil {
		return false, err
	}
	if b != nil {
		return false, invalidInput("Transaction %s cannot be dropped because it's already mined", hash)
	}
	return false, nil
}

func (d *Data[H]) setCoinbase(addr common.Address) {
	d.coinbase = addr
	d.pending = nil
}

func (d *Data[H]) setMinGasPrice(price *big.Int) error {
	spec, err := d.nextSpec()
	if err != nil {
		return err
	}
	if spec >= chainspec.London {
		return invalidInput("hardhat_setMinGasPrice is not supported when EIP-1559 is active")
	}
	d.minGasPrice = new(big.Int).Set(price)
	d.pending = nil
	return nil
}

func (d *Data[H]) setNextBlockBaseFee(fee *big.Int) error {
	spec, err := d.nextSpec()
	if err != nil {
		return err
	}
	if spec < chainspec.London {
		return invalidInput("hardhat_setNextBlockBaseFeePerGas is disabled because EIP-1559 is not active")
	}
	d.nextBaseFee = new(big.Int).Set(fee)
	d.pending = nil
	st, err := d.headState()
	if err != nil {
		return err
	}
	return d.pool.Update(st, d.nextBaseFee)
}

func (d *Data[H]) setPrevRandao(mix common.Hash) error {
	h, err := d.nextHardfork()
	if err != nil {
		return err
	}
	if h.SpecID() < chainspec.Merge {
		return invalidInput("hardhat_setPrevRandao is only available in post-merge hardforks, the current hardfork is %s", h)
	}
	d.chain.PrevRandao().SetNext(mix)
	d.pending = nil
	return nil
}

func (d *Data[H]) setBlockGasLimit(limit uint64) error {
	if limit == 0 {
		return invalidInput("Block gas limit must be greater than 0")
	}
	d.blockGasLimit = limit
	d.pool.SetBlockGasLimit(limit)
	d.pending = nil
	return nil
}

// increaseTime implements evm_increaseTime and returns the total offset.
func (d *Data[H]) increaseTime(seconds uint64) int64 {
	d.timeOffset += int64(seconds)
	d.pending = nil
	return d.timeOffset
}

// checkTimestamp rejects a next block timestamp that does not advance the
// chain.
func (d *Data[H]) checkTimestamp(ts uint64) error {
	parent, err := d.lastHeader()
	if err != nil {
		return err
	}
	if ts < parent.Time || (ts == parent.Time && !d.cfg.AllowBlocksWithSameTimestamp) {
		return invalidInput("Timestamp %d is lower than or equal to previous block's timestamp %d", ts, parent.Time)
	}
	return nil
}

func (d *Data[H]) setNextBlockTimestamp(ts uint64) error {
	if err := d.checkTimestamp(ts); err != nil {
		return err
	}
	d.nextTimestamp = &ts
	d.pending = nil
	return nil
}

// evmMine implements evm_mine.
func (d *Data[H]) evmMine(ts *uint64) error {
	if ts != nil {
		if err := d.checkTimestamp(*ts); err != nil {
			return err
		}
	}
	res, _, err := d.mineBlock(modeManual, ts, nil, nil)
	if err != nil {
		return toRPCError(err)
	}
	if d.cfg.BailOnTransactionFailure {
		for i, out := range res.Outcomes {
			if !out.Succeeded() {
				return &TransactionFailedError{TxHash: res.Block.Transactions()[i].Hash(), Outcome: out}
			}
		}
	}
	return nil
}

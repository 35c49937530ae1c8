package provider

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/chainspec"
	"github.com/edrgo/edr/transaction"
)

// defaultPriorityFee is the tip eth_sendTransaction offers when the
// request names none.
var defaultPriorityFee = big.NewInt(params.GWei)

// preLondonGasPrice is the gas price of pre-London chains.
var preLondonGasPrice = big.NewInt(8 * params.GWei)

// sign signs r with the key of from, or fakes the signature of an
// impersonated account.
func (d *Data[H]) sign(r *transaction.Request, from common.Address) (*transaction.Signed, error) {
	if key, ok := d.keys[from]; ok {
		return r.Sign(key)
	}
	if d.impersonated.Contains(from) {
		return r.FakeSign(from)
	}
	return nil, invalidInput("%s: %s", ErrUnknownAccount, from)
}

// pendingNonce is the nonce a new transaction from addr gets.
func (d *Data[H]) pendingNonce(addr common.Address) (uint64, error) {
	if n, ok := d.pool.NextNonce(addr); ok {
		return n, nil
	}
	acc, err := d.account(addr)
	if err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}

// gasPrice implements eth_gasPrice.
func (d *Data[H]) gasPrice() (*big.Int, error) {
	spec, err := d.nextSpec()
	if err != nil {
		return nil, err
	}
	if spec < chainspec.London {
		return new(big.Int).Set(preLondonGasPrice), nil
	}
	baseFee := d.nextBlockBaseFee()
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return new(big.Int).Add(baseFee, defaultPriorityFee), nil
}

// transactionRequest fills the defaults of an eth_sendTransaction request.
func (d *Data[H]) transactionRequest(args *CallArgs) (*transaction.Request, common.Address, error) {
	if args.From == nil {
		return nil, common.Address{}, invalidInput("Missing \"from\" field")
	}
	from := *args.From
	r, err := args.request()
	if err != nil {
		return nil, from, err
	}
	r.ChainID = new(big.Int).SetUint64(d.chain.ChainID())
	if args.ChainID != nil && args.ChainID.ToInt().Cmp(r.ChainID) != 0 {
		return nil, from, invalidInput("chainId does not match: expected %d, got %s", d.chain.ChainID(), args.ChainID.ToInt())
	}
	if args.Nonce == nil {
		if r.Nonce, err = d.pendingNonce(from); err != nil {
			return nil, from, err
		}
	}
	if args.Gas == nil {
		r.Gas = d.blockGasLimit
		if gasCap := d.cfg.TransactionGasCap; gasCap > 0 && r.Gas > gasCap {
			r.Gas = gasCap
		}
	}
	spec, err := d.nextSpec()
	if err != nil {
		return nil, from, err
	}

	switch {
	case args.Type != nil:
		r.Type = uint8(*args.Type)
	case len(r.AuthList) > 0:
		r.Type = transaction.SetCodeType
	case len(r.BlobHashes) > 0:
		r.Type = transaction.BlobType
	case r.GasPrice != nil && r.AccessList != nil:
		r.Type = transaction.AccessListType
	case r.GasPrice != nil || spec < chainspec.London:
		r.Type = transaction.LegacyType
	default:
		r.Type = transaction.DynamicFeeType
	}

	switch r.Type {
	case transaction.LegacyType, transaction.AccessListType:
		if r.GasPrice == nil {
			if r.GasPrice, err = d.gasPrice(); err != nil {
				return nil, from, err
			}
		}
	default:
		switch {
		case r.GasTipCap == nil && r.GasFeeCap == nil:
			r.GasTipCap = new(big.Int).Set(defaultPriorityFee)
		case r.GasTipCap == nil:
			r.GasTipCap = new(big.Int).Set(defaultPriorityFee)
			if r.GasFeeCap.Cmp(r.GasTipCap) < 0 {
				r.GasTipCap.Set(r.GasFeeCap)
			}
		}
		if r.GasFeeCap == nil {
			baseFee := d.nextBlockBaseFee()
			if baseFee == nil {
				baseFee = new(big.Int)
			}
			r.GasFeeCap = new(big.Int).Mul(baseFee, big.NewInt(2))
			r.GasFeeCap.Add(r.GasFeeCap, r.GasTipCap)
		}
	}
	return r, from, nil
}

// sendTransaction implements eth_sendTransaction.
func (d *Data[H]) sendTransaction(args *CallArgs) (common.Hash, error) {
	r, from, err := d.transactionRequest(args)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := d.sign(r, from)
	if err != nil {
		return common.Hash{}, toRPCError(err)
	}
	return d.submit(tx)
}

// sendRawTransaction implements eth_sendRawTransaction.
func (d *Data[H]) sendRawTransaction(raw []byte) (common.Hash, error) {
	pooled, err := d.spec.DecodeTransaction(raw)
	if err != nil {
		return common.Hash{}, toRPCError(err)
	}
	tx := pooled.Signed
	if tx.IsDeposit() {
		return common.Hash{}, invalidInput("Deposit transactions cannot be submitted")
	}
	if cid := tx.ChainID(); cid != nil && cid.Sign() != 0 && cid.Uint64() != d.chain.ChainID() {
		return common.Hash{}, invalidInput("Trying to send a raw transaction with an invalid chainId. The expected chainId is %d", d.chain.ChainID())
	}
	return d.submit(tx)
}

// validate applies the checks the pool does not know about.
func (d *Data[H]) validate(tx *transaction.Signed) error {
	h, err := d.nextHardfork()
	if err != nil {
		return err
	}
	if err := d.spec.ValidateTransactionType(tx, h); err != nil {
		return toRPCError(err)
	}
	if h.SpecID() < chainspec.London && d.minGasPrice.Sign() > 0 && tx.GasPrice().Cmp(d.minGasPrice) < 0 {
		return invalidInput("Transaction gas price is %s, which is below the minimum of %s", tx.GasPrice(), d.minGasPrice)
	}
	if !d.autoMine {
		return nil
	}
	if baseFee := d.nextBlockBaseFee(); baseFee != nil && tx.GasFeeCap().Cmp(baseFee) < 0 {
		return invalidInput("Transaction maxFeePerGas (%s) is too low for the next block, which has a baseFeePerGas of %s", tx.GasFeeCap(), baseFee)
	}
	expected, err := d.pendingNonce(tx.Caller())
	if err != nil {
		return err
	}
	if tx.Nonce() > expected {
		return invalidInput("Nonce too high. Expected nonce to be %d but got %d. Note that transactions can't be queued when automining.", expected, tx.Nonce())
	}
	return nil
}

// submit adds tx to the pool and, when auto-mining, mines until it is
// included.
func (d *Data[H]) submit(tx *transaction.Signed) (common.Hash, error) {
	hash := tx.Hash()
	if err := d.validate(tx); err != nil {
		return hash, err
	}
	st, err := d.headState()
	if err != nil {
		return hash, err
	}
	if err := d.pool.Add(st, tx); err != nil {
		return hash, toRPCError(err)
	}
	d.pending = nil
	d.notifyPendingTransaction(hash)
	logger.Debug("Transaction added to the mempool", "hash", hash, "from", tx.Caller(), "nonce", tx.Nonce())
	if !d.autoMine {
		return hash, nil
	}
	return hash, d.mineUntilIncluded(tx)
}

// mineUntilIncluded mines blocks until tx is in one. Earlier pool
// transactions may need more than one block.
func (d *Data[H]) mineUntilIncluded(tx *transaction.Signed) error {
	hash := tx.Hash()
	for d.pool.Has(hash) {
		res, _, err := d.mineBlock(modeAuto, nil, nil, &hash)
		if err != nil {
			d.pool.Remove(hash)
			d.pending = nil
			return toRPCError(err)
		}
		for i, mined := range res.Block.Transactions() {
			if mined.Hash() != hash {
				continue
			}
			out := res.Outcomes[i]
			if !out.Succeeded() && d.cfg.BailOnTransactionFailure {
				return &TransactionFailedError{TxHash: hash, Outcome: out}
			}
			return nil
		}
		if len(res.Block.Transactions()) == 0 {
			d.pool.Remove(hash)
			return invalidInput("Transaction %s could not be mined", hash)
		}
	}
	return nil
}

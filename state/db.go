package state

import (
	"fmt"
	"maps"

	"github.com/ethereum/go-ethereum/common"
	gethstate "github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
)

// object is the in-memory view of one account inside a DB.
type object struct {
	addr   common.Address
	data   Account
	origin *Account

	code       []byte
	codeLoaded bool

	// src replaces the DB's reader for accounts carried over by Rebase.
	src Reader

	originStorage  map[common.Hash]common.Hash // reader values seen so far
	pendingStorage map[common.Hash]common.Hash // writes of finalised transactions
	dirtyStorage   map[common.Hash]common.Hash // writes of the current transaction

	// cleared hides the reader's storage; set when the account is created
	// or deleted inside the block.
	cleared        bool
	newContract    bool
	selfDestructed bool
	deleted        bool
}

func newObject(addr common.Address, origin *Account) *object {
	obj := &object{
		addr:           addr,
		origin:         origin,
		originStorage:  make(map[common.Hash]common.Hash),
		pendingStorage: make(map[common.Hash]common.Hash),
		dirtyStorage:   make(map[common.Hash]common.Hash),
	}
	if origin != nil {
		obj.data = *origin.Copy()
	} else {
		obj.data = *NewAccount()
	}
	if obj.data.CodeHash == (common.Hash{}) {
		obj.data.CodeHash = types.EmptyCodeHash
	}
	return obj
}

func (o *object) empty() bool {
	return o.data.Nonce == 0 && o.data.Balance.IsZero() && o.data.CodeHash == types.EmptyCodeHash
}

// DB is a journaled vm.StateDB reading through to a Reader. One DB is used
// per block: transactions run between Snapshot and Finalise, and Diff
// returns the block's changes relative to the reader.
type DB struct {
	reader  Reader
	objects map[common.Address]*object // nil value: known absent
	mutated map[common.Address]struct{}
	codes   map[common.Hash][]byte

	journal    *journal
	accessList *accessList
	transient  map[common.Address]map[common.Hash]common.Hash
	refund     uint64

	txHash  common.Hash
	txIndex int
	logs    map[common.Hash][]*types.Log
	logSize uint

	hooks *tracing.Hooks
	err   error
}

// NewDB returns a database executing on top of r.
func NewDB(r Reader) *DB {
	return &DB{
		reader:     r,
		objects:    make(map[common.Address]*object),
		mutated:    make(map[common.Address]struct{}),
		codes:      make(map[common.Hash][]byte),
		journal:    newJournal(),
		accessList: newAccessList(),
		transient:  make(map[common.Address]map[common.Hash]common.Hash),
		logs:       make(map[common.Hash][]*types.Log),
	}
}

// SetHooks installs tracer hooks notified of emitted logs.
func (db *DB) SetHooks(hooks *tracing.Hooks) { db.hooks = hooks }

// Error returns the first error raised by the reader. Execution results are
// meaningless once it is set.
func (db *DB) Error() error { return db.err }

func (db *DB) setError(err error) {
	if db.err == nil {
		db.err = err
	}
}

// SetTxContext sets the hash and index attached to subsequently added logs.
func (db *DB) SetTxContext(hash common.Hash, index int) {
	db.txHash = hash
	db.txIndex = index
}

func (db *DB) getObject(addr common.Address) *object {
	obj, ok := db.objects[addr]
	if !ok {
		acc, err := db.reader.Basic(addr)
		if err != nil {
			db.setError(fmt.Errorf("load account %s: %w", addr, err))
			return nil
		}
		if acc != nil {
			obj = newObject(addr, acc)
		}
		db.objects[addr] = obj
	}
	if obj == nil || obj.deleted {
		return nil
	}
	return obj
}

func (db *DB) readerOf(obj *object) Reader {
	if obj.src != nil {
		return obj.src
	}
	return db.reader
}

func (db *DB) createObject(addr common.Address) *object {
	prev := db.objects[addr]
	obj := newObject(addr, nil)
	obj.cleared = true
	db.journal.append(createObjectChange{addr: addr, prev: prev})
	db.objects[addr] = obj
	return obj
}

func (db *DB) getOrNewObject(addr common.Address) *object {
	if obj := db.getObject(addr); obj != nil {
		return obj
	}
	return db.createObject(addr)
}

func (db *DB) CreateAccount(addr common.Address) {
	db.getObject(addr)
	db.createObject(addr)
}

func (db *DB) CreateContract(addr common.Address) {
	obj := db.getObject(addr)
	if obj != nil && !obj.newContract {
		obj.newContract = true
		db.journal.append(createContractChange{addr: addr})
	}
}

func (db *DB) Exist(addr common.Address) bool { return db.getObject(addr) != nil }

func (db *DB) Empty(addr common.Address) bool {
	obj := db.getObject(addr)
	return obj == nil || obj.empty()
}

func (db *DB) GetBalance(addr common.Address) *uint256.Int {
	if obj := db.getObject(addr); obj != nil {
		return new(uint256.Int).Set(obj.data.Balance)
	}
	return new(uint256.Int)
}

func (db *DB) setBalance(obj *object, amount *uint256.Int) {
	db.journal.append(balanceChange{addr: obj.addr, prev: *obj.data.Balance})
	obj.data.Balance = new(uint256.Int).Set(amount)
}

func (db *DB) AddBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) uint256.Int {
	obj := db.getOrNewObject(addr)
	prev := *obj.data.Balance
	if amount.IsZero() {
		db.journal.append(touchChange{addr: addr})
		return prev
	}
	db.setBalance(obj, new(uint256.Int).Add(&prev, amount))
	return prev
}

func (db *DB) SubBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) uint256.Int {
	obj := db.getOrNewObject(addr)
	prev := *obj.data.Balance
	if amount.IsZero() {
		return prev
	}
	db.setBalance(obj, new(uint256.Int).Sub(&prev, amount))
	return prev
}

// Credit adds amount to addr's balance.
func (db *DB) Credit(addr common.Address, amount *uint256.Int) {
	db.AddBalance(addr, amount, tracing.BalanceChangeUnspecified)
}

// Debit subtracts amount from addr's balance, failing if it is too low.
func (db *DB) Debit(addr common.Address, amount *uint256.Int) error {
	if bal := db.GetBalance(addr); bal.Lt(amount) {
		return fmt.Errorf("insufficient balance: address %s have %s want %s", addr, bal, amount)
	}
	db.SubBalance(addr, amount, tracing.BalanceChangeUnspecified)
	return nil
}

func (db *DB) GetNonce(addr common.Address) uint64 {
	if obj := db.getObject(addr); obj != nil {
		return obj.data.Nonce
	}
	return 0
}

func (db *DB) SetNonce(addr common.Address, nonce uint64, _ tracing.NonceChangeReason) {
	obj := db.getOrNewObject(addr)
	db.journal.append(nonceChange{addr: addr, prev: obj.data.Nonce})
	obj.data.Nonce = nonce
}

func (db *DB) loadCode(obj *object) []byte {
	if obj.codeLoaded {
		return obj.code
	}
	obj.codeLoaded = true
	if obj.data.CodeHash == types.EmptyCodeHash {
		return nil
	}
	if code, ok := db.codes[obj.data.CodeHash]; ok {
		obj.code = code
		return code
	}
	code, err := db.readerOf(obj).CodeByHash(obj.data.CodeHash)
	if err != nil {
		db.setError(fmt.Errorf("load code %s of %s: %w", obj.data.CodeHash, obj.addr, err))
		obj.codeLoaded = false
		return nil
	}
	obj.code = code
	return code
}

func (db *DB) GetCode(addr common.Address) []byte {
	if obj := db.getObject(addr); obj != nil {
		return db.loadCode(obj)
	}
	return nil
}

func (db *DB) GetCodeSize(addr common.Address) int { return len(db.GetCode(addr)) }

func (db *DB) GetCodeHash(addr common.Address) common.Hash {
	if obj := db.getObject(addr); obj != nil {
		return obj.data.CodeHash
	}
	return common.Hash{}
}

func (db *DB) SetCode(addr common.Address, code []byte, _ tracing.CodeChangeReason) []byte {
	obj := db.getOrNewObject(addr)
	prev := db.loadCode(obj)
	db.journal.append(codeChange{addr: addr, prevCode: prev, prevHash: obj.data.CodeHash})
	hash := types.EmptyCodeHash
	if len(code) > 0 {
		hash = crypto.Keccak256Hash(code)
		db.codes[hash] = code
	}
	obj.code = code
	obj.codeLoaded = true
	obj.data.CodeHash = hash
	return prev
}

func (db *DB) AddRefund(gas uint64) {
	db.journal.append(refundChange{prev: db.refund})
	db.refund += gas
}

func (db *DB) SubRefund(gas uint64) {
	db.journal.append(refundChange{prev: db.refund})
	if gas > db.refund {
		panic(fmt.Sprintf("refund counter below zero (gas: %d > refund: %d)", gas, db.refund))
	}
	db.refund -= gas
}

func (db *DB) GetRefund() uint64 { return db.refund }

func (db *DB) committedState(obj *object, slot common.Hash) common.Hash {
	if v, ok := obj.pendingStorage[slot]; ok {
		return v
	}
	if obj.cleared {
		return common.Hash{}
	}
	if v, ok := obj.originStorage[slot]; ok {
		return v
	}
	v, err := db.readerOf(obj).Storage(obj.addr, slot)
	if err != nil {
		db.setError(fmt.Errorf("load storage %s of %s: %w", slot, obj.addr, err))
		return common.Hash{}
	}
	obj.originStorage[slot] = v
	return v
}

func (db *DB) GetCommittedState(addr common.Address, slot common.Hash) common.Hash {
	if obj := db.getObject(addr); obj != nil {
		return db.committedState(obj, slot)
	}
	return common.Hash{}
}

func (db *DB) GetState(addr common.Address, slot common.Hash) common.Hash {
	obj := db.getObject(addr)
	if obj == nil {
		return common.Hash{}
	}
	if v, ok := obj.dirtyStorage[slot]; ok {
		return v
	}
	return db.committedState(obj, slot)
}

func (db *DB) GetStateAndCommittedState(addr common.Address, slot common.Hash) (common.Hash, common.Hash) {
	obj := db.getObject(addr)
	if obj == nil {
		return common.Hash{}, common.Hash{}
	}
	committed := db.committedState(obj, slot)
	if v, ok := obj.dirtyStorage[slot]; ok {
		return v, committed
	}
	return committed, committed
}

func (db *DB) SetState(addr common.Address, slot, value common.Hash) common.Hash {
	obj := db.getOrNewObject(addr)
	prev, prevExists := obj.dirtyStorage[slot]
	current := prev
	if !prevExists {
		current = db.committedState(obj, slot)
	}
	if current == value {
		return current
	}
	db.journal.append(storageChange{addr: addr, slot: slot, prev: prev, prevExists: prevExists})
	obj.dirtyStorage[slot] = value
	return current
}

func (db *DB) GetStorageRoot(addr common.Address) common.Hash {
	obj := db.getObject(addr)
	if obj == nil {
		return common.Hash{}
	}
	if !obj.cleared && obj.origin != nil && obj.origin.StorageRoot != (common.Hash{}) && len(obj.pendingStorage) == 0 {
		return obj.origin.StorageRoot
	}
	if hasNonZero(obj.pendingStorage) {
		return storageRoot(obj.pendingStorage)
	}
	if !obj.cleared && obj.origin != nil && obj.origin.StorageRoot != (common.Hash{}) {
		return obj.origin.StorageRoot
	}
	return types.EmptyRootHash
}

func (db *DB) GetTransientState(addr common.Address, slot common.Hash) common.Hash {
	return db.transient[addr][slot]
}

func (db *DB) SetTransientState(addr common.Address, slot, value common.Hash) {
	prev := db.GetTransientState(addr, slot)
	if prev == value {
		return
	}
	db.journal.append(transientStorageChange{addr: addr, slot: slot, prev: prev})
	db.setTransient(addr, slot, value)
}

func (db *DB) setTransient(addr common.Address, slot, value common.Hash) {
	slots, ok := db.transient[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		db.transient[addr] = slots
	}
	slots[slot] = value
}

func (db *DB) SelfDestruct(addr common.Address) uint256.Int {
	obj := db.getObject(addr)
	if obj == nil {
		return uint256.Int{}
	}
	prev := *obj.data.Balance
	db.journal.append(selfDestructChange{addr: addr, prevDestructed: obj.selfDestructed, prevBalance: prev})
	obj.selfDestructed = true
	obj.data.Balance = new(uint256.Int)
	return prev
}

func (db *DB) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	obj := db.getObject(addr)
	if obj == nil {
		return uint256.Int{}, false
	}
	if obj.newContract {
		return db.SelfDestruct(addr), true
	}
	return *obj.data.Balance, false
}

func (db *DB) HasSelfDestructed(addr common.Address) bool {
	if obj := db.getObject(addr); obj != nil {
		return obj.selfDestructed
	}
	return false
}

func (db *DB) AddressInAccessList(addr common.Address) bool {
	return db.accessList.containsAddress(addr)
}

func (db *DB) SlotInAccessList(addr common.Address, slot common.Hash) (addressOk bool, slotOk bool) {
	return db.accessList.contains(addr, slot)
}

func (db *DB) AddAddressToAccessList(addr common.Address) {
	if db.accessList.addAddress(addr) {
		db.journal.append(accessListAddAccountChange{addr: addr})
	}
}

func (db *DB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	addrAdded, slotAdded := db.accessList.addSlot(addr, slot)
	if addrAdded {
		db.journal.append(accessListAddAccountChange{addr: addr})
	}
	if slotAdded {
		db.journal.append(accessListAddSlotChange{addr: addr, slot: slot})
	}
}

// Prepare resets transaction-scoped state and warms the addresses and
// slots required by EIP-2929, EIP-2930 and EIP-3651.
func (db *DB) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	if rules.IsBerlin {
		db.accessList = newAccessList()
		db.accessList.addAddress(sender)
		if dest != nil {
			db.accessList.addAddress(*dest)
		}
		for _, addr := range precompiles {
			db.accessList.addAddress(addr)
		}
		for _, el := range txAccesses {
			db.accessList.addAddress(el.Address)
			for _, key := range el.StorageKeys {
				db.accessList.addSlot(el.Address, key)
			}
		}
		if rules.IsShanghai {
			db.accessList.addAddress(coinbase)
		}
	}
	clear(db.transient)
}

// AccessList returns the warm addresses and slots of the current
// transaction.
func (db *DB) AccessList() types.AccessList {
	out := make(types.AccessList, 0, len(db.accessList.addresses))
	for addr, slots := range db.accessList.addresses {
		tuple := types.AccessTuple{Address: addr, StorageKeys: []common.Hash{}}
		for slot := range slots {
			tuple.StorageKeys = append(tuple.StorageKeys, slot)
		}
		out = append(out, tuple)
	}
	return out
}

func (db *DB) Snapshot() int { return db.journal.snapshot() }

func (db *DB) RevertToSnapshot(id int) { db.journal.revertToSnapshot(id, db) }

func (db *DB) AddLog(log *types.Log) {
	db.journal.append(logChange{txHash: db.txHash})
	log.TxHash = db.txHash
	log.TxIndex = uint(db.txIndex)
	log.Index = db.logSize
	db.logs[db.txHash] = append(db.logs[db.txHash], log)
	db.logSize++
	if db.hooks != nil && db.hooks.OnLog != nil {
		db.hooks.OnLog(log)
	}
}

// GetLogs returns the logs of txHash stamped with the block they landed in.
func (db *DB) GetLogs(txHash common.Hash, blockNumber uint64, blockHash common.Hash) []*types.Log {
	logs := db.logs[txHash]
	for _, l := range logs {
		l.BlockNumber = blockNumber
		l.BlockHash = blockHash
	}
	return logs
}

func (db *DB) AddPreimage(common.Hash, []byte) {}

func (db *DB) PointCache() *utils.PointCache { return nil }

func (db *DB) Witness() *stateless.Witness { return nil }

func (db *DB) AccessEvents() *gethstate.AccessEvents { return nil }

// Finalise ends the current transaction: self-destructed accounts, and
// touched empty ones when deleteEmptyObjects is set, are removed, and
// transaction writes become committed state.
func (db *DB) Finalise(deleteEmptyObjects bool) {
	for addr := range db.journal.dirties {
		obj, ok := db.objects[addr]
		if !ok || obj == nil {
			continue
		}
		db.mutated[addr] = struct{}{}
		if obj.deleted {
			continue
		}
		if obj.selfDestructed || (deleteEmptyObjects && obj.empty()) {
			obj.deleted = true
			obj.cleared = true
			obj.selfDestructed = false
			obj.newContract = false
			obj.data = *NewAccount()
			obj.code, obj.codeLoaded = nil, true
			clear(obj.pendingStorage)
			clear(obj.dirtyStorage)
			continue
		}
		maps.Copy(obj.pendingStorage, obj.dirtyStorage)
		clear(obj.dirtyStorage)
		obj.newContract = false
	}
	db.journal.reset()
	db.refund = 0
}

// Diff returns the changes of every finalised transaction relative to the
// reader.
func (db *DB) Diff() *Diff {
	d := NewDiff()
	for addr := range db.mutated {
		obj := db.objects[addr]
		if obj == nil || obj.deleted {
			d.Delete(addr)
			continue
		}
		info := obj.data
		info.StorageRoot = common.Hash{}
		d.Accounts[addr] = &AccountDiff{
			Info:           info.Copy(),
			StorageCleared: obj.cleared,
			Storage:        maps.Clone(obj.pendingStorage),
		}
		if code, ok := db.codes[obj.data.CodeHash]; ok {
			d.Codes[obj.data.CodeHash] = code
		}
	}
	return d
}

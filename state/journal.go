package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// journalEntry is a revertible state change.
type journalEntry interface {
	revert(db *DB)
	// dirtied returns the account the entry modified, if any.
	dirtied() *common.Address
}

// journal records state changes of the current transaction so call frames
// can be rolled back.
type journal struct {
	entries   []journalEntry
	dirties   map[common.Address]int
	snapshots map[int]int // snapshot id -> entry index
	nextID    int
}

func newJournal() *journal {
	return &journal{
		dirties:   make(map[common.Address]int),
		snapshots: make(map[int]int),
	}
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
	if addr := entry.dirtied(); addr != nil {
		j.dirties[*addr]++
	}
}

func (j *journal) snapshot() int {
	id := j.nextID
	j.nextID++
	j.snapshots[id] = len(j.entries)
	return id
}

func (j *journal) revertToSnapshot(id int, db *DB) {
	idx, ok := j.snapshots[id]
	if !ok {
		return
	}
	for i := len(j.entries) - 1; i >= idx; i-- {
		j.entries[i].revert(db)
		if addr := j.entries[i].dirtied(); addr != nil {
			if j.dirties[*addr]--; j.dirties[*addr] == 0 {
				delete(j.dirties, *addr)
			}
		}
	}
	j.entries = j.entries[:idx]
	for sid := range j.snapshots {
		if sid >= id {
			delete(j.snapshots, sid)
		}
	}
}

func (j *journal) reset() {
	j.entries = j.entries[:0]
	clear(j.dirties)
	clear(j.snapshots)
}

type (
	createObjectChange struct {
		addr common.Address
		prev *object
	}
	createContractChange struct {
		addr common.Address
	}
	touchChange struct {
		addr common.Address
	}
	balanceChange struct {
		addr common.Address
		prev uint256.Int
	}
	nonceChange struct {
		addr common.Address
		prev uint64
	}
	codeChange struct {
		addr     common.Address
		prevCode []byte
		prevHash common.Hash
	}
	storageChange struct {
		addr       common.Address
		slot       common.Hash
		prev       common.Hash
		prevExists bool
	}
	selfDestructChange struct {
		addr           common.Address
		prevDestructed bool
		prevBalance    uint256.Int
	}
	transientStorageChange struct {
		addr common.Address
		slot common.Hash
		prev common.Hash
	}
	accessListAddAccountChange struct {
		addr common.Address
	}
	accessListAddSlotChange struct {
		addr common.Address
		slot common.Hash
	}
	logChange struct {
		txHash common.Hash
	}
	refundChange struct {
		prev uint64
	}
)

func (ch createObjectChange) revert(db *DB) {
	db.objects[ch.addr] = ch.prev
}

func (ch createObjectChange) dirtied() *common.Address { return &ch.addr }

func (ch createContractChange) revert(db *DB) {
	db.objects[ch.addr].newContract = false
}

func (ch createContractChange) dirtied() *common.Address { return nil }

func (ch touchChange) revert(*DB) {}

func (ch touchChange) dirtied() *common.Address { return &ch.addr }

func (ch balanceChange) revert(db *DB) {
	db.objects[ch.addr].data.Balance = new(uint256.Int).Set(&ch.prev)
}

func (ch balanceChange) dirtied() *common.Address { return &ch.addr }

func (ch nonceChange) revert(db *DB) {
	db.objects[ch.addr].data.Nonce = ch.prev
}

func (ch nonceChange) dirtied() *common.Address { return &ch.addr }

func (ch codeChange) revert(db *DB) {
	obj := db.objects[ch.addr]
	obj.code = ch.prevCode
	obj.data.CodeHash = ch.prevHash
}

func (ch codeChange) dirtied() *common.Address { return &ch.addr }

func (ch storageChange) revert(db *DB) {
	obj := db.objects[ch.addr]
	if ch.prevExists {
		obj.dirtyStorage[ch.slot] = ch.prev
	} else {
		delete(obj.dirtyStorage, ch.slot)
	}
}

func (ch storageChange) dirtied() *common.Address { return &ch.addr }

func (ch selfDestructChange) revert(db *DB) {
	obj := db.objects[ch.addr]
	obj.selfDestructed = ch.prevDestructed
	obj.data.Balance = new(uint256.Int).Set(&ch.prevBalance)
}

func (ch selfDestructChange) dirtied() *common.Address { return &ch.addr }

func (ch transientStorageChange) revert(db *DB) {
	db.setTransient(ch.addr, ch.slot, ch.prev)
}

func (ch transientStorageChange) dirtied() *common.Address { return nil }

func (ch accessListAddAccountChange) revert(db *DB) {
	db.accessList.deleteAddress(ch.addr)
}

func (ch accessListAddAccountChange) dirtied() *common.Address { return nil }

func (ch accessListAddSlotChange) revert(db *DB) {
	db.accessList.deleteSlot(ch.addr, ch.slot)
}

func (ch accessListAddSlotChange) dirtied() *common.Address { return nil }

func (ch logChange) revert(db *DB) {
	logs := db.logs[ch.txHash]
	if len(logs) == 1 {
		delete(db.logs, ch.txHash)
	} else {
		db.logs[ch.txHash] = logs[:len(logs)-1]
	}
	db.logSize--
}

func (ch logChange) dirtied() *common.Address { return nil }

func (ch refundChange) revert(db *DB) {
	db.refund = ch.prev
}

func (ch refundChange) dirtied() *common.Address { return nil }

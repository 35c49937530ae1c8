package state

import "github.com/ethereum/go-ethereum/common"

// journalAccount returns the account a journal entry refers to.
func journalAccount(e journalEntry) (common.Address, bool) {
	switch ch := e.(type) {
	case createObjectChange:
		return ch.addr, true
	case createContractChange:
		return ch.addr, true
	case touchChange:
		return ch.addr, true
	case balanceChange:
		return ch.addr, true
	case nonceChange:
		return ch.addr, true
	case codeChange:
		return ch.addr, true
	case storageChange:
		return ch.addr, true
	case selfDestructChange:
		return ch.addr, true
	}
	return common.Address{}, false
}

// Rebase moves the database onto r, as switching the active fork of a test
// does. Accounts for which persistent returns true keep their current
// state and keep reading unloaded storage and code from the previous
// reader; every other account is forgotten and is loaded from r on next
// access. Journal entries of forgotten accounts are dropped, so reverting
// an outer snapshot only rolls back persistent accounts.
func (db *DB) Rebase(r Reader, persistent func(common.Address) bool) {
	prev := db.reader
	for addr, obj := range db.objects {
		if !persistent(addr) {
			delete(db.objects, addr)
			delete(db.mutated, addr)
			continue
		}
		if obj != nil && obj.src == nil {
			obj.src = prev
		}
	}

	j := db.journal
	kept := j.entries[:0]
	remap := make([]int, len(j.entries)+1)
	for i, e := range j.entries {
		remap[i] = len(kept)
		if addr, ok := journalAccount(e); ok && !persistent(addr) {
			if d := e.dirtied(); d != nil {
				if j.dirties[*d]--; j.dirties[*d] == 0 {
					delete(j.dirties, *d)
				}
			}
			continue
		}
		kept = append(kept, e)
	}
	remap[len(j.entries)] = len(kept)
	for id, idx := range j.snapshots {
		j.snapshots[id] = remap[idx]
	}
	j.entries = kept
	db.reader = r
}

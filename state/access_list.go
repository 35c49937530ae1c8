package state

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"
)

// accessList tracks warm addresses and storage slots per EIP-2929. An
// address with a nil slot set is warm without any warm slots.
type accessList struct {
	addresses map[common.Address]map[common.Hash]struct{}
}

func newAccessList() *accessList {
	return &accessList{addresses: make(map[common.Address]map[common.Hash]struct{})}
}

// addAddress reports whether addr was newly added.
func (al *accessList) addAddress(addr common.Address) bool {
	if _, ok := al.addresses[addr]; ok {
		return false
	}
	al.addresses[addr] = nil
	return true
}

// addSlot reports whether the address and the slot were newly added.
func (al *accessList) addSlot(addr common.Address, slot common.Hash) (addrAdded, slotAdded bool) {
	slots, ok := al.addresses[addr]
	if _, warm := slots[slot]; ok && warm {
		return false, false
	}
	if slots == nil {
		slots = make(map[common.Hash]struct{})
		al.addresses[addr] = slots
	}
	slots[slot] = struct{}{}
	return !ok, true
}

func (al *accessList) containsAddress(addr common.Address) bool {
	_, ok := al.addresses[addr]
	return ok
}

func (al *accessList) contains(addr common.Address, slot common.Hash) (addressOk, slotOk bool) {
	slots, ok := al.addresses[addr]
	if !ok {
		return false, false
	}
	_, slotOk = slots[slot]
	return true, slotOk
}

func (al *accessList) deleteAddress(addr common.Address) {
	delete(al.addresses, addr)
}

func (al *accessList) deleteSlot(addr common.Address, slot common.Hash) {
	if slots := al.addresses[addr]; slots != nil {
		delete(slots, slot)
	}
}

func (al *accessList) copy() *accessList {
	cp := newAccessList()
	for addr, slots := range al.addresses {
		cp.addresses[addr] = maps.Clone(slots)
	}
	return cp
}

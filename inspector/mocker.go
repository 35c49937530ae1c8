package inspector

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
)

type mockedCall struct {
	calldata []byte
	value    *big.Int
	output   []byte
	revert   bool
}

// Mocker answers calls with canned return data. A mock matches calls to
// its address whose calldata starts with the mocked calldata and, when the
// mock has a value, whose value equals it. The longest matching calldata
// wins.
type Mocker struct {
	mocks map[common.Address][]*mockedCall
}

// NewMocker returns a mocker without mocks.
func NewMocker() *Mocker {
	return &Mocker{mocks: make(map[common.Address][]*mockedCall)}
}

// Mock makes calls to addr matching calldata and value return output. A
// nil value matches any value. Mocking the same calldata and value again
// replaces the previous mock.
func (m *Mocker) Mock(addr common.Address, calldata []byte, value *big.Int, output []byte, revert bool) {
	mc := &mockedCall{calldata: common.CopyBytes(calldata), output: common.CopyBytes(output), revert: revert}
	if value != nil {
		mc.value = new(big.Int).Set(value)
	}
	list := m.mocks[addr]
	for i, old := range list {
		if bytes.Equal(old.calldata, mc.calldata) && sameValue(old.value, mc.value) {
			list[i] = mc
			return
		}
	}
	m.mocks[addr] = append(list, mc)
}

// Clear removes every mock.
func (m *Mocker) Clear() { clear(m.mocks) }

// Len returns the number of mocks.
func (m *Mocker) Len() int {
	n := 0
	for _, list := range m.mocks {
		n += len(list)
	}
	return n
}

func sameValue(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

// Intercept implements Handler.
func (m *Mocker) Intercept(c *Call) Action {
	var best *mockedCall
	for _, mc := range m.mocks[c.To] {
		if !bytes.HasPrefix(c.Input, mc.calldata) {
			continue
		}
		if mc.value != nil && (c.Value == nil || mc.value.Cmp(c.Value) != 0) {
			continue
		}
		// A value-specific mock beats a generic one with the same calldata.
		if best == nil || len(mc.calldata) > len(best.calldata) ||
			(len(mc.calldata) == len(best.calldata) && mc.value != nil) {
			best = mc
		}
	}
	if best == nil {
		return nil
	}
	return func(*vm.EVM, *Call) Result {
		if best.revert {
			return Revert(common.CopyBytes(best.output))
		}
		return Result{Output: common.CopyBytes(best.output)}
	}
}

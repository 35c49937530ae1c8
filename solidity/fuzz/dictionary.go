package fuzz

import (
	"math/big"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
)

// maxDictionaryWords bounds the words kept; later insertions are dropped.
const maxDictionaryWords = 1 << 14

// Dictionary holds interesting 32-byte words and addresses seen in code
// and during execution. Generators draw from it so inputs hit the
// constants contracts compare against. It is safe for concurrent use.
type Dictionary struct {
	mu        sync.RWMutex
	seen      mapset.Set[common.Hash]
	words     []common.Hash
	addresses []common.Address
	seenAddr  mapset.Set[common.Address]
}

// NewDictionary returns an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		seen:     mapset.NewThreadUnsafeSet[common.Hash](),
		seenAddr: mapset.NewThreadUnsafeSet[common.Address](),
	}
}

// AddWord inserts a word.
func (d *Dictionary) AddWord(w common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addWord(w)
}

func (d *Dictionary) addWord(w common.Hash) {
	if len(d.words) >= maxDictionaryWords || !d.seen.Add(w) {
		return
	}
	d.words = append(d.words, w)
}

// AddAddress inserts an address, also as a word.
func (d *Dictionary) AddAddress(a common.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seenAddr.Add(a) {
		d.addresses = append(d.addresses, a)
	}
	d.addWord(common.BytesToHash(a.Bytes()))
}

// AddCode inserts the operands of every PUSH instruction in code.
func (d *Dictionary) AddCode(code []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for pc := 0; pc < len(code); pc++ {
		op := vm.OpCode(code[pc])
		if !op.IsPush() || op == vm.PUSH0 {
			continue
		}
		n := int(op - vm.PUSH1 + 1)
		end := min(pc+1+n, len(code))
		d.addWord(common.BytesToHash(code[pc+1 : end]))
		pc += n
	}
}

// AddLogs inserts the topics and data words of logs.
func (d *Dictionary) AddLogs(logs []*types.Log) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range logs {
		for _, t := range l.Topics {
			d.addWord(t)
		}
		for i := 0; i+32 <= len(l.Data); i += 32 {
			d.addWord(common.BytesToHash(l.Data[i : i+32]))
		}
	}
}

// Len returns the number of words.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.words)
}

// word returns the i-th word modulo the dictionary size.
func (d *Dictionary) word(i uint64) (common.Hash, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.words) == 0 {
		return common.Hash{}, false
	}
	return d.words[i%uint64(len(d.words))], true
}

func (d *Dictionary) address(i uint64) (common.Address, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.addresses) == 0 {
		return common.Address{}, false
	}
	return d.addresses[i%uint64(len(d.addresses))], true
}

func wordInt(w common.Hash) *big.Int { return new(big.Int).SetBytes(w[:]) }

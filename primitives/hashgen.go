package primitives

import (
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// HashGenerator yields a deterministic sequence of hashes from a seed:
// h0 = keccak(seed), h(i+1) = keccak(h(i)). It is safe for concurrent use.
type HashGenerator struct {
	mu   sync.Mutex
	seed []byte
	next common.Hash
}

// NewHashGenerator creates a generator seeded with seed.
func NewHashGenerator(seed []byte) *HashGenerator {
	return &HashGenerator{seed: append([]byte(nil), seed...), next: Keccak256(seed)}
}

// Next returns the next hash in the sequence.
func (g *HashGenerator) Next() common.Hash {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.next
	g.next = Keccak256(h[:])
	return h
}

// Peek returns the next hash without advancing.
func (g *HashGenerator) Peek() common.Hash {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}

// SetNext overrides the next hash in the sequence.
func (g *HashGenerator) SetNext(h common.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = h
}

// At derives the hash for index n independently of the sequence position,
// used to synthesize headers of reserved blocks lazily.
func (g *HashGenerator) At(n uint64) common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], n)
	return Keccak256(g.seed, idx[:])
}

// Clone copies the generator including its position.
func (g *HashGenerator) Clone() *HashGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &HashGenerator{seed: g.seed, next: g.next}
}

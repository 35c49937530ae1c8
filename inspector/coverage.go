package inspector

import (
	"maps"
	"math/big"
	"math/bits"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/crypto"
)

// bitmap is a set of program counters.
type bitmap []uint64

func (b *bitmap) set(pc uint64) {
	i := int(pc / 64)
	if i >= len(*b) {
		*b = append(*b, make([]uint64, i-len(*b)+1)...)
	}
	(*b)[i] |= 1 << (pc % 64)
}

func (b bitmap) has(pc uint64) bool {
	i := int(pc / 64)
	return i < len(b) && b[i]&(1<<(pc%64)) != 0
}

func (b *bitmap) or(o bitmap) {
	if len(o) > len(*b) {
		*b = append(*b, make([]uint64, len(o)-len(*b))...)
	}
	for i, w := range o {
		(*b)[i] |= w
	}
}

func (b bitmap) pcs() []uint64 {
	var out []uint64
	for i, w := range b {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, uint64(i*64+tz))
			w &^= 1 << tz
		}
	}
	return out
}

// Coverage records which program counters ran, per code hash. Hits from
// several executions accumulate. Safe for concurrent use across
// executions, but one Hooks value must drive one execution at a time.
type Coverage struct {
	mu   sync.Mutex
	hits map[common.Hash]*bitmap

	// frames holds the code hash of each active frame, computed on its
	// first opcode.
	frames []*common.Hash
}

// NewCoverage returns an empty collector.
func NewCoverage() *Coverage {
	return &Coverage{hits: make(map[common.Hash]*bitmap)}
}

// Hooks returns the collector's interpreter hooks.
func (c *Coverage) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: func(int, byte, common.Address, common.Address, []byte, uint64, *big.Int) {
			c.frames = append(c.frames, nil)
		},
		OnExit: func(int, []byte, uint64, error, bool) {
			if n := len(c.frames); n > 0 {
				c.frames = c.frames[:n-1]
			}
		},
		OnOpcode: func(pc uint64, _ byte, _, _ uint64, scope tracing.OpContext, _ []byte, _ int, _ error) {
			n := len(c.frames)
			if n == 0 {
				return
			}
			if c.frames[n-1] == nil {
				h := crypto.Keccak256Hash(scope.ContractCode())
				c.frames[n-1] = &h
			}
			c.mark(*c.frames[n-1], pc)
		},
	}
}

func (c *Coverage) mark(code common.Hash, pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.hits[code]
	if !ok {
		b = new(bitmap)
		c.hits[code] = b
	}
	b.set(pc)
}

// Covered reports whether pc of the code with hash ran.
func (c *Coverage) Covered(code common.Hash, pc uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.hits[code]
	return ok && b.has(pc)
}

// Hits returns the sorted program counters that ran, per code hash.
func (c *Coverage) Hits() map[common.Hash][]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[common.Hash][]uint64, len(c.hits))
	for h, b := range c.hits {
		out[h] = b.pcs()
	}
	return out
}

// CodeHashes returns the hashes of all code that ran, sorted.
func (c *Coverage) CodeHashes() []common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.SortedFunc(maps.Keys(c.hits), func(a, b common.Hash) int { return a.Cmp(b) })
}

// Merge adds the hits of o.
func (c *Coverage) Merge(o *Coverage) {
	if c == o {
		return
	}
	o.mu.Lock()
	snapshot := make(map[common.Hash]bitmap, len(o.hits))
	for h, b := range o.hits {
		snapshot[h] = slices.Clone(*b)
	}
	o.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for h, b := range snapshot {
		dst, ok := c.hits[h]
		if !ok {
			dst = new(bitmap)
			c.hits[h] = dst
		}
		dst.or(b)
	}
}

package storage

import (
	"errors"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/edrgo/edr/block"
	"github.com/edrgo/edr/primitives"
	"github.com/edrgo/edr/receipt"
)

// ErrReservationParent is returned when a reservation does not extend the
// last block.
var ErrReservationParent = errors.New("reservation must start after the last block")

// reservation is a range of empty blocks that exist logically but have not
// been built.
type reservation struct {
	first, last uint64
	interval    uint64
	// previous is the header of block first-1, the template of every
	// fabricated header.
	previous     *types.Header
	previousHash common.Hash
	previousTD   *big.Int
}

func (r *reservation) contains(n uint64) bool { return r.first <= n && n <= r.last }

// Sparse stores blocks by number without requiring the chain to be dense:
// ranges of empty blocks can be reserved and are only built when looked up.
// Forked chains use it with the fork block as the initial last block.
type Sparse struct {
	mu           sync.RWMutex
	gen          *primitives.HashGenerator
	byNumber     map[uint64]*block.Local
	reservations []*reservation
	last         uint64
	index
}

// NewSparse returns an empty store whose last block number is last. gen
// derives the hashes and prevrandao values of fabricated blocks: block n
// of a reserved range has hash gen.At(n) whichever order the range is
// built in.
func NewSparse(last uint64, gen *primitives.HashGenerator) *Sparse {
	return &Sparse{
		gen:      gen,
		byNumber: make(map[uint64]*block.Local),
		last:     last,
		index:    newIndex(),
	}
}

// Reserve appends count empty blocks after previous, which must be the
// last block, spacing their timestamps by interval seconds.
func (s *Sparse) Reserve(count, interval uint64, previous block.Block, previousTD *big.Int) error {
	if count == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous.Number() != s.last {
		return ErrReservationParent
	}
	template := types.CopyHeader(previous.Header())
	if template.Difficulty == nil {
		template.Difficulty = new(big.Int)
	}
	s.reservations = append(s.reservations, &reservation{
		first:        s.last + 1,
		last:         s.last + count,
		interval:     interval,
		previous:     template,
		previousHash: previous.Hash(),
		previousTD:   new(big.Int).Set(previousTD),
	})
	s.last += count
	return nil
}

// IsReserved reports whether n lies in a reserved range that has not been
// built yet.
func (s *Sparse) IsReserved(n uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reservationOf(n) >= 0
}

func (s *Sparse) reservationOf(n uint64) int {
	for i, r := range s.reservations {
		if r.contains(n) {
			return i
		}
	}
	return -1
}

func (s *Sparse) BlockByHash(hash common.Hash) *block.Local {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byHash[hash]
}

// BlockByNumber returns the block at n, building it first if n was
// reserved.
func (s *Sparse) BlockByNumber(n uint64) *block.Local {
	s.mu.RLock()
	b, ok := s.byNumber[n]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byNumber[n]; ok {
		return b
	}
	i := s.reservationOf(n)
	if i < 0 {
		return nil
	}
	r := s.reservations[i]
	b = block.NewReserved(s.fabricate(r, n), emptyWithdrawals(r.previous), s.gen.At(n))
	td := new(big.Int).Add(r.previousTD, new(big.Int).Mul(r.previous.Difficulty, new(big.Int).SetUint64(n-r.first+1)))
	s.split(i, n, b, td)
	s.byNumber[n] = b
	s.add(b, td)
	return b
}

// fabricate derives the header of reserved block n. Reserved blocks are
// empty, so they share the state root of the block preceding the range.
func (s *Sparse) fabricate(r *reservation, n uint64) *types.Header {
	h := types.CopyHeader(r.previous)
	h.Number = new(big.Int).SetUint64(n)
	h.Time = r.previous.Time + r.interval*(n-r.first+1)
	h.ParentHash = r.previousHash
	if n != r.first {
		h.ParentHash = s.gen.At(n - 1)
	}
	h.UncleHash = types.EmptyUncleHash
	h.TxHash = types.EmptyTxsHash
	h.ReceiptHash = types.EmptyReceiptsHash
	h.Bloom = types.Bloom{}
	h.GasUsed = 0
	if h.Difficulty.Sign() == 0 {
		h.MixDigest = primitives.Keccak256(s.gen.At(n).Bytes())
	}
	if h.WithdrawalsHash != nil {
		root := types.EmptyWithdrawalsHash
		h.WithdrawalsHash = &root
	}
	if h.BlobGasUsed != nil {
		var zero uint64
		h.BlobGasUsed = &zero
	}
	if h.RequestsHash != nil {
		root := types.EmptyRequestsHash
		h.RequestsHash = &root
	}
	return h
}

func emptyWithdrawals(h *types.Header) []*types.Withdrawal {
	if h.WithdrawalsHash == nil {
		return nil
	}
	return []*types.Withdrawal{}
}

// split removes n from reservation i. The upper remainder is re-anchored on
// b so its blocks chain onto it.
func (s *Sparse) split(i int, n uint64, b *block.Local, td *big.Int) {
	r := s.reservations[i]
	var parts []*reservation
	if n > r.first {
		lower := *r
		lower.last = n - 1
		parts = append(parts, &lower)
	}
	if n < r.last {
		parts = append(parts, &reservation{
			first:        n + 1,
			last:         r.last,
			interval:     r.interval,
			previous:     b.Header(),
			previousHash: b.Hash(),
			previousTD:   td,
		})
	}
	s.reservations = slices.Replace(s.reservations, i, i+1, parts...)
}

func (s *Sparse) BlockByTransaction(txHash common.Hash) *block.Local {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byTx[txHash]
}

func (s *Sparse) Receipt(txHash common.Hash) *receipt.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipts[txHash]
}

func (s *Sparse) TotalDifficulty(hash common.Hash) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalDifficulty(hash)
}

func (s *Sparse) LastBlockNumber() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// InsertBlock stores b. A block inside a reserved range replaces the
// reserved slot.
func (s *Sparse) InsertBlock(b *block.Local, td *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := b.Number()
	if _, ok := s.byNumber[n]; ok {
		return &DuplicateBlockError{Hash: b.Hash(), Number: n}
	}
	if err := s.check(b); err != nil {
		return err
	}
	if i := s.reservationOf(n); i >= 0 {
		s.split(i, n, b, td)
	}
	s.byNumber[n] = b
	s.add(b, td)
	s.last = max(s.last, n)
	return nil
}

func (s *Sparse) RevertToBlock(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.last {
		return false
	}
	for num, b := range s.byNumber {
		if num > n {
			s.remove(b)
			delete(s.byNumber, num)
		}
	}
	s.reservations = slices.DeleteFunc(s.reservations, func(r *reservation) bool { return r.first > n })
	for _, r := range s.reservations {
		r.last = min(r.last, n)
	}
	s.last = n
	return true
}

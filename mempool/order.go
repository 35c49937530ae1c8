package mempool

import (
	"container/heap"
	"fmt"
	"math/big"

	"github.com/edrgo/edr/transaction"
)

// Order selects which pending transaction a miner takes next. Within one
// sender, transactions are always taken in nonce order.
type Order int

const (
	// Priority takes the highest effective miner tip first, ties broken by
	// arrival.
	Priority Order = iota
	// FIFO takes transactions in arrival order.
	FIFO
)

func (o Order) String() string {
	switch o {
	case Priority:
		return "priority"
	case FIFO:
		return "fifo"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

// ParseOrder parses "priority" or "fifo".
func ParseOrder(s string) (Order, error) {
	switch s {
	case "priority":
		return Priority, nil
	case "fifo":
		return FIFO, nil
	}
	return 0, fmt.Errorf("unknown mining order %q", s)
}

// head is the next transaction of one sender.
type head struct {
	rest []*entry
	tip  *big.Int
}

type heads struct {
	items   []*head
	order   Order
	baseFee *big.Int
}

func (h *heads) Len() int { return len(h.items) }

func (h *heads) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.order == Priority {
		if c := a.tip.Cmp(b.tip); c != 0 {
			return c > 0
		}
	}
	return a.rest[0].seq < b.rest[0].seq
}

func (h *heads) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *heads) Push(x any) { h.items = append(h.items, x.(*head)) }

func (h *heads) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return x
}

func (h *heads) refresh(hd *head) {
	hd.tip = hd.rest[0].tx.EffectiveGasTip(h.baseFee)
	if hd.tip == nil {
		hd.tip = new(big.Int)
	}
}

// Iterator walks the pending transactions of a pool snapshot in mining
// order. It is not safe for concurrent use.
type Iterator struct {
	h *heads
}

// Iterator returns the pending transactions, priced at baseFee, ordered by
// order. The pool may change afterwards without affecting the iterator.
func (p *Pool) Iterator(order Order, baseFee *big.Int) *Iterator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h := &heads{order: order, baseFee: baseFee}
	for _, a := range p.accounts {
		if len(a.pending) == 0 {
			continue
		}
		hd := &head{rest: append([]*entry(nil), a.pending...)}
		h.refresh(hd)
		h.items = append(h.items, hd)
	}
	heap.Init(h)
	return &Iterator{h: h}
}

// Peek returns the next transaction, or nil when none is left.
func (it *Iterator) Peek() *transaction.Signed {
	if it.h.Len() == 0 {
		return nil
	}
	return it.h.items[0].rest[0].tx
}

// Shift advances to the current sender's next transaction.
func (it *Iterator) Shift() {
	if it.h.Len() == 0 {
		return
	}
	hd := it.h.items[0]
	if hd.rest = hd.rest[1:]; len(hd.rest) == 0 {
		heap.Pop(it.h)
		return
	}
	it.h.refresh(hd)
	heap.Fix(it.h, 0)
}

// Pop drops every remaining transaction of the current sender.
func (it *Iterator) Pop() {
	if it.h.Len() == 0 {
		return
	}
	heap.Pop(it.h)
}

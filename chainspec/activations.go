package chainspec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownHardfork is returned when a hardfork name cannot be parsed.
	ErrUnknownHardfork = errors.New("unknown hardfork")
	// ErrUnsupportedTransactionType is returned for envelope types a chain rejects.
	ErrUnsupportedTransactionType = errors.New("unsupported transaction type")
	// ErrMissingHardforkActivations is returned when a chain id has no
	// activation table and none was configured.
	ErrMissingHardforkActivations = errors.New("no hardfork activations known for chain")
)

// Hardfork is the constraint every chain's hardfork enum satisfies. Values
// are totally ordered by their underlying integer.
type Hardfork interface {
	~uint8
	fmt.Stringer
	SpecID() SpecID
}

// ConditionKind tells whether a fork activates by block number or time.
type ConditionKind uint8

const (
	ByBlock ConditionKind = iota
	ByTimestamp
)

// ForkCondition is the activation point of a hardfork.
type ForkCondition struct {
	Kind  ConditionKind `json:"kind"`
	Value uint64        `json:"value"`
}

// AtBlock returns a block-number condition.
func AtBlock(n uint64) ForkCondition { return ForkCondition{Kind: ByBlock, Value: n} }

// AtTimestamp returns a timestamp condition.
func AtTimestamp(t uint64) ForkCondition { return ForkCondition{Kind: ByTimestamp, Value: t} }

// Satisfied reports whether a block with the given number and timestamp
// is at or past c.
func (c ForkCondition) Satisfied(number, timestamp uint64) bool {
	if c.Kind == ByTimestamp {
		return timestamp >= c.Value
	}
	return number >= c.Value
}

func (c ForkCondition) String() string {
	if c.Kind == ByTimestamp {
		return fmt.Sprintf("timestamp %d", c.Value)
	}
	return fmt.Sprintf("block %d", c.Value)
}

// less orders block conditions before timestamp conditions.
func (c ForkCondition) less(o ForkCondition) bool {
	if c.Kind != o.Kind {
		return c.Kind < o.Kind
	}
	return c.Value < o.Value
}

// Activation pairs a condition with the hardfork it activates.
type Activation[H Hardfork] struct {
	Condition ForkCondition
	Hardfork  H
}

// Activations is a hardfork schedule sorted by condition.
type Activations[H Hardfork] []Activation[H]

// NewActivations sorts acts into a schedule.
func NewActivations[H Hardfork](acts ...Activation[H]) Activations[H] {
	out := append(Activations[H](nil), acts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Condition.less(out[j].Condition) })
	return out
}

// HardforkAt returns the greatest activation satisfied by (number, timestamp).
func (a Activations[H]) HardforkAt(number, timestamp uint64) (H, error) {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i].Condition.Satisfied(number, timestamp) {
			return a[i].Hardfork, nil
		}
	}
	var zero H
	return zero, &UnknownBlockSpecError{BlockNumber: number, Timestamp: timestamp, Activations: a.String()}
}

// ConditionOf returns the first condition that activates h.
func (a Activations[H]) ConditionOf(h H) (ForkCondition, bool) {
	for _, act := range a {
		if act.Hardfork == h {
			return act.Condition, true
		}
	}
	return ForkCondition{}, false
}

// Latest returns the last scheduled hardfork.
func (a Activations[H]) Latest() (H, bool) {
	if len(a) == 0 {
		var zero H
		return zero, false
	}
	return a[len(a)-1].Hardfork, true
}

func (a Activations[H]) String() string {
	parts := make([]string, len(a))
	for i, act := range a {
		parts[i] = fmt.Sprintf("%s@%s", act.Hardfork, act.Condition)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// UnknownBlockSpecError is returned when no activation covers a block.
type UnknownBlockSpecError struct {
	BlockNumber uint64
	Timestamp   uint64
	Activations string
}

func (e *UnknownBlockSpecError) Error() string {
	return fmt.Sprintf("no hardfork activation for block %d (timestamp %d) in %s", e.BlockNumber, e.Timestamp, e.Activations)
}

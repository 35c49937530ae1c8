package chainspec

import (
	"github.com/edrgo/edr/header"
)

// BaseFeeActivation keys a parameter set either by hardfork or by block
// number. Exactly one of Hardfork and Block is set.
type BaseFeeActivation[H Hardfork] struct {
	Hardfork *H
	Block    *uint64
	Params   header.BaseFeeParams
}

// ForHardfork returns an activation keyed by hardfork.
func ForHardfork[H Hardfork](h H, p header.BaseFeeParams) BaseFeeActivation[H] {
	return BaseFeeActivation[H]{Hardfork: &h, Params: p}
}

// ForBlock returns an activation keyed by block number.
func ForBlock[H Hardfork](n uint64, p header.BaseFeeParams) BaseFeeActivation[H] {
	return BaseFeeActivation[H]{Block: &n, Params: p}
}

// BaseFeeParams is either a constant parameter set or a dynamic schedule.
type BaseFeeParams[H Hardfork] struct {
	constant *header.BaseFeeParams
	dynamic  []BaseFeeActivation[H]
}

// ConstantBaseFee returns parameters that never change.
func ConstantBaseFee[H Hardfork](p header.BaseFeeParams) BaseFeeParams[H] {
	return BaseFeeParams[H]{constant: &p}
}

// DynamicBaseFee returns a schedule. Activations are searched in insertion
// order.
func DynamicBaseFee[H Hardfork](acts ...BaseFeeActivation[H]) BaseFeeParams[H] {
	return BaseFeeParams[H]{dynamic: append([]BaseFeeActivation[H](nil), acts...)}
}

// IsZero reports whether no parameters were configured.
func (b BaseFeeParams[H]) IsZero() bool {
	return b.constant == nil && len(b.dynamic) == 0
}

// AtCondition returns the parameters for a block at hardfork h and number
// n. A satisfied block-number activation takes precedence over hardfork
// activations; within each kind the last satisfied activation in insertion
// order wins.
func (b BaseFeeParams[H]) AtCondition(h H, n uint64) (header.BaseFeeParams, bool) {
	if b.constant != nil {
		return *b.constant, true
	}
	var byBlock, byFork *header.BaseFeeParams
	for i := range b.dynamic {
		act := &b.dynamic[i]
		switch {
		case act.Block != nil && *act.Block <= n:
			byBlock = &act.Params
		case act.Hardfork != nil && *act.Hardfork <= h:
			byFork = &act.Params
		}
	}
	if byBlock != nil {
		return *byBlock, true
	}
	if byFork != nil {
		return *byFork, true
	}
	return header.BaseFeeParams{}, false
}

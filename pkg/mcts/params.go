// Package mcts implements the batched PUCT search engine of spec.md
// §4.D: selection with virtual loss and forced rollouts, Actor-batched
// leaf expansion across any number of simultaneous game roots, and
// negamax-style backup. Grounded on the teacher's mcts package
// (_examples/Elvenson-alphabeth/mcts/{node,tree,search}.go), generalized
// from the teacher's uintptr-addressed "naughty pointer" node graph to
// the arena.Index-addressed storage of pkg/arena, and from a single
// fixed two-player game to any game.State/game.Actor pair.
package mcts

import (
	"time"

	"github.com/chewxy/math32"
)

// Params holds the engine's tunables, named directly after spec §4.D.
type Params struct {
	PUCT                     float64
	VirtualLoss              uint32
	NumRolloutPerThread      int
	TotalTime                time.Duration
	TimeRatio                float64
	UseValuePrior            bool
	StoreStateInNode         bool
	StoreStateInterval       int
	RandomizedRollouts       bool
	SamplingMCTS             bool
	ForcedRolloutsMultiplier float64
	MoveSelectUseMCTSValue   bool
	MoveSelectMinVisits      uint32
	SampleBeforeStepIdx      int

	// Temper reweights the policy target into sampling weights for
	// sampleTempered, used for every ply before SampleBeforeStepIdx (spec
	// §4.D "Move selection"; spec §9 open question: the source's formula
	// is unusual, so it's kept opaque and configurable rather than
	// hardcoded). nil selects DefaultTemper.
	Temper func(probs []float32, k int) []float32
}

// temper returns p.Temper, or DefaultTemper if unset.
func (p Params) temper() func(probs []float32, k int) []float32 {
	if p.Temper != nil {
		return p.Temper
	}
	return DefaultTemper
}

// DefaultTemper implements the literal formula spec §9 attributes to the
// original source for sampleBeforeStepIdx's tempered sampling:
// exp(p^2 * 2) - (1 - 0.5/k), applied per policy-target probability p
// over k legal actions.
func DefaultTemper(probs []float32, k int) []float32 {
	correction := float32(1 - 0.5/float64(k))
	weights := make([]float32, len(probs))
	for i, p := range probs {
		weights[i] = math32.Exp(p*p*2) - correction
	}
	return weights
}

// DefaultParams returns reasonable defaults in the teacher's ballpark
// (see _examples/Elvenson-alphabeth/agogo.go's MCTSConfig defaults).
func DefaultParams() Params {
	return Params{
		PUCT:                     1.5,
		VirtualLoss:              3,
		NumRolloutPerThread:      8,
		TimeRatio:                0.05,
		UseValuePrior:            true,
		StoreStateInNode:         true,
		StoreStateInterval:       4,
		ForcedRolloutsMultiplier: 2,
		MoveSelectMinVisits:      1,
		SampleBeforeStepIdx:      0,
	}
}

func (p Params) storeInterval() int {
	if p.StoreStateInterval <= 0 {
		return 1
	}
	return p.StoreStateInterval
}

// Budget bounds one Run call: a rollout count, a wall-clock deadline, or
// both (whichever is hit first stops the loop). A Budget with neither
// set runs exactly one rollout, since at least one expansion is needed
// to produce a move.
type Budget struct {
	NumRollouts int
	Deadline    time.Time
}

func (b Budget) exceeded(rollouts int, now time.Time) bool {
	if b.NumRollouts > 0 && rollouts >= b.NumRollouts {
		return true
	}
	if !b.Deadline.IsZero() && now.After(b.Deadline) {
		return true
	}
	return false
}

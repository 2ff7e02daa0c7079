package mcts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corvidlabs/selfplay/game"
)

func TestDefaultTemperFavorsHigherProbability(t *testing.T) {
	weights := DefaultTemper([]float32{0.1, 0.9}, 2)
	assert.Len(t, weights, 2)
	assert.Greater(t, weights[1], weights[0], "a higher policy-target probability must get a larger weight")
}

func TestSampleTemperedUsesConfiguredFunc(t *testing.T) {
	e := &Engine{params: Params{Temper: func(probs []float32, k int) []float32 {
		return []float32{0, 1}
	}}}
	legal := []game.Action{0, 1}
	for i := 0; i < 20; i++ {
		a := e.sampleTempered(legal, []float32{0.5, 0.5})
		assert.Equal(t, game.Action(1), a, "a weight of 0 on action 0 must never be sampled")
	}
}

func TestSampleTemperedClampsNegativeWeights(t *testing.T) {
	e := &Engine{params: Params{Temper: func(probs []float32, k int) []float32 {
		return []float32{-5, 3}
	}}}
	legal := []game.Action{0, 1}
	for i := 0; i < 20; i++ {
		a := e.sampleTempered(legal, []float32{0.1, 0.9})
		assert.Equal(t, game.Action(1), a, "a negative weight must be clamped to zero, never sampled")
	}
}

func TestSampleTemperedNoLegalActionsReturnsNoAction(t *testing.T) {
	e := &Engine{}
	assert.Equal(t, game.NoAction, e.sampleTempered(nil, nil))
}

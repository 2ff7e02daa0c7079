package mcts

import (
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/corvidlabs/selfplay/game"
)

// sampleTempered samples bestAction from e.params.Temper's reweighting
// of the policy target, used for the first sampleBeforeStepIdx plies of
// a game to diversify training data (spec §4.D "Move selection").
// Negative weights (DefaultTemper's correction term can produce them for
// small probabilities) are clamped to zero before sampling.
func (e *Engine) sampleTempered(legal []game.Action, policyTarget []float32) game.Action {
	if len(legal) == 0 {
		return game.NoAction
	}
	weights := e.params.temper()(policyTarget, len(legal))
	var total float32
	for i, w := range weights {
		if w < 0 {
			w = 0
			weights[i] = 0
		}
		total += w
	}
	if total <= 0 {
		return legal[0]
	}
	x := rand.Float32() * total
	var cum float32
	for i, w := range weights {
		cum += w
		if x <= cum {
			return legal[i]
		}
	}
	return legal[len(legal)-1]
}

// samplingWeights builds the softmax-over-(visit count + prior)
// distribution used for tree-level sampling (spec §4.D "Tree-level
// sampling (samplingMcts)"), replacing argmax selection with a sampled
// pick when Params.SamplingMCTS is set.
func samplingWeights(priors []float32, visitCounts []uint32) []float32 {
	weights := make([]float32, len(priors))
	var total float32
	for i := range priors {
		w := math32.Exp(float32(visitCounts[i]) + priors[i])
		weights[i] = w
		total += w
	}
	if total <= 0 {
		for i := range weights {
			weights[i] = 1.0 / float32(len(weights))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// sampleFromDistribution draws one index from a normalized probability
// vector.
func sampleFromDistribution(weights []float32) int {
	x := rand.Float32()
	var cum float32
	for i, w := range weights {
		cum += w
		if x <= cum {
			return i
		}
	}
	return len(weights) - 1
}

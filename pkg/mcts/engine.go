package mcts

import (
	"context"
	"time"

	"github.com/chewxy/math32"

	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/pkg/arena"
	"github.com/corvidlabs/selfplay/pkg/failure"
)

// Root is one in-flight game's search root. Idx must already be
// acquired and Init'd in storage, with State set to the concrete
// position (tree reuse carries the real post-move state in from the
// orchestrator, so the engine never needs to reconstruct unknown
// states).
type Root struct {
	Idx        arena.Index
	State      game.State
	RootPlayer int
}

// Result is one root's finished-move summary: the root's own value
// estimate, the visit-count policy target aligned to LegalActions, and
// the action chosen for play.
type Result struct {
	RootValue    float64
	LegalActions []game.Action
	PolicyTarget []float32
	BestAction   game.Action
	Rollouts     int

	// RawPolicy/RawValue are the network's direct output for the root
	// (PiVal at settle time), distinct from PolicyTarget (visit-count
	// derived) and RootValue (the backed-up mean); pkg/player's
	// trajectory slots need both (spec §4.E: "(policy, value,
	// mctsPolicyTarget, bestAction)").
	RawPolicy []float32
	RawValue  float32
}

// Engine runs batched PUCT search over a fixed-capacity arena.
type Engine struct {
	arena  *arena.Storage
	params Params
}

// NewEngine binds an engine to a node storage and parameter set.
func NewEngine(storage *arena.Storage, params Params) *Engine {
	return &Engine{arena: storage, params: params}
}

type pathStep struct {
	nodeIdx arena.Index
	mover   int
}

type pendingLeaf struct {
	path            []pathStep
	leafNodeIdx     arena.Index
	leafState       game.State
	leafPlayer      int
	value           float64
	terminal        bool
	needsExpansion  bool
	onePlayerGame   bool
}

// Run executes rollouts against every root in lockstep, batching leaf
// evaluations for the same call through actor, until budget is
// exhausted or ctx is canceled. A termination via ctx is checked at
// rollout-chunk boundaries and simply stops early with whatever partial
// search was done (spec §4.D: "the engine returns whatever result it
// has"). An Actor error aborts the whole call: spec treats Actor
// exceptions as fatal for the current move, not retryable.
func (e *Engine) Run(ctx context.Context, roots []Root, actor game.Actor) ([]Result, error) {
	return e.RunBudget(ctx, roots, actor, e.defaultBudget())
}

// RunBudget is Run with an explicit Budget override.
func (e *Engine) RunBudget(ctx context.Context, roots []Root, actor game.Actor, budget Budget) ([]Result, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	if budget.NumRollouts <= 0 && budget.Deadline.IsZero() {
		budget.NumRollouts = 1
	}

	chunk := e.params.NumRolloutPerThread
	if chunk <= 0 {
		chunk = 1
	}

	rollouts := 0
	for !budget.exceeded(rollouts, time.Now()) {
		if ctx.Err() != nil {
			break
		}
		for c := 0; c < chunk && !budget.exceeded(rollouts, time.Now()); c++ {
			if err := e.rolloutOnce(roots, actor); err != nil {
				return nil, err
			}
			rollouts++
		}
		if ctx.Err() != nil {
			break
		}
	}

	results := make([]Result, len(roots))
	for i, r := range roots {
		results[i] = e.finalize(r, rollouts)
	}
	return results, nil
}

func (e *Engine) defaultBudget() Budget {
	if e.params.TotalTime > 0 && e.params.TimeRatio > 0 {
		return Budget{Deadline: time.Now().Add(time.Duration(float64(e.params.TotalTime) * e.params.TimeRatio))}
	}
	return Budget{NumRollouts: 1}
}

func (e *Engine) rolloutOnce(roots []Root, actor game.Actor) error {
	pendings := make([]pendingLeaf, len(roots))
	for i, r := range roots {
		pendings[i] = e.selectLeaf(r)
	}

	needEval := make([]int, 0, len(pendings))
	for i, p := range pendings {
		if p.needsExpansion {
			needEval = append(needEval, i)
		}
	}

	if len(needEval) > 0 {
		actor.BatchResize(len(needEval))
		for bi, pi := range needEval {
			actor.BatchPrepare(bi, pendings[pi].leafState, nil)
		}
		if err := actor.BatchEvaluate(len(needEval)); err != nil {
			return failure.New(failure.ActionError, "mcts.rolloutOnce", err)
		}
		for bi, pi := range needEval {
			piv := actor.BatchResult(bi, pendings[pi].leafState)
			node := e.arena.Node(pendings[pi].leafNodeIdx)
			node.Settle(piv)
			pendings[pi].value = float64(piv.Value)
			pendings[pi].leafPlayer = piv.PlayerID

			path := pendings[pi].path
			if len(path) >= 2 {
				parent := e.arena.Node(path[len(path)-2].nodeIdx)
				parentMover := path[len(path)-2].mover
				v := pendings[pi].value
				if !pendings[pi].onePlayerGame && parentMover != piv.PlayerID {
					v = -v
				}
				parent.RecordChildValue(v)
			}
		}
	}

	for _, p := range pendings {
		e.backup(p)
	}
	return nil
}

// selectLeaf descends from the root by PUCT selection (with forced
// rollouts and virtual loss) until it reaches an unvisited or terminal
// node, per spec §4.D's rollout loop steps 1-2.
func (e *Engine) selectLeaf(r Root) pendingLeaf {
	nodeIdx := r.Idx
	node := e.arena.Node(nodeIdx)
	cursor := r.State
	onePlayer := cursor.IsOnePlayerGame()
	path := []pathStep{{nodeIdx: nodeIdx, mover: cursor.CurrentPlayer()}}

	for node.IsVisited() && !cursor.Terminated() {
		legal := cursor.LegalActions()
		if len(legal) == 0 {
			break
		}
		action := e.selectAction(node, legal)

		next := cursor.Clone()
		next.Forward(action)
		childHash := next.Hash()
		key := arena.ChildKey{Action: action}
		if cursor.IsStochastic() {
			key.Hash = childHash
		}

		acquireFailed := false
		childIdx, created := node.FindOrCreateChild(key, func() arena.Index {
			idx, err := e.arena.Acquire()
			if err != nil {
				acquireFailed = true
				return arena.Nil
			}
			e.arena.Init(idx, nodeIdx, childHash, nil)
			return idx
		})
		if acquireFailed {
			break
		}

		child := e.arena.Node(childIdx)
		if created && e.params.StoreStateInNode && len(path)%e.params.storeInterval() == 0 {
			child.State = next.Clone()
		}
		child.AddVirtualLoss(e.params.VirtualLoss)

		nodeIdx = childIdx
		node = child
		cursor = next
		path = append(path, pathStep{nodeIdx: nodeIdx, mover: cursor.CurrentPlayer()})
	}

	leaf := pendingLeaf{
		path:          path,
		leafNodeIdx:   nodeIdx,
		leafState:     cursor,
		onePlayerGame: onePlayer,
	}
	if cursor.Terminated() {
		leaf.terminal = true
		leaf.leafPlayer = r.RootPlayer
		leaf.value = float64(cursor.Reward(r.RootPlayer))
	} else {
		leaf.needsExpansion = !node.IsVisited()
		if !leaf.needsExpansion {
			// Already visited (the descent stopped at a settled node
			// because it has no legal actions or the arena is full):
			// reuse its stored PiVal value as-is rather than
			// re-querying the actor.
			piv := node.PiVal
			leaf.leafPlayer = piv.PlayerID
			leaf.value = float64(piv.Value)
		}
	}
	return leaf
}

// backup walks leaf.path from leaf to root, applying the signed value
// and virtual-loss release at each node (spec §4.D step 3).
func (e *Engine) backup(p pendingLeaf) {
	vl := e.params.VirtualLoss
	for i := len(p.path) - 1; i >= 0; i-- {
		step := p.path[i]
		v := p.value
		if !p.onePlayerGame && step.mover != p.leafPlayer {
			v = -v
		}
		e.arena.Node(step.nodeIdx).Backup(v, vl)
	}
}

// selectAction implements PUCT with child value priors, the standard
// virtual-loss Q adjustment, and forced rollouts, breaking ties by
// smallest action index (spec §4.D step 1). When Params.SamplingMCTS is
// set, the final argmax is replaced by a softmax-over-(visits, prior)
// sample — orthogonal to forced rollouts, which still short-circuit
// first.
func (e *Engine) selectAction(node *arena.Node, legal []game.Action) game.Action {
	parentVisits := float64(node.VisitCount())

	scores := make([]float64, len(legal))
	priors := make([]float32, len(legal))
	visits := make([]uint32, len(legal))

	for i, a := range legal {
		key := arena.ChildKey{Action: a}
		childIdx, ok := node.FindChild(key)

		p := float64(node.PolicyAt(i))
		priors[i] = float32(p)

		var q float64
		var effVisits uint32
		if ok {
			child := e.arena.Node(childIdx)
			effVisits = child.VisitCountEffective()
			visits[i] = child.VisitCount()
			if effVisits == 0 {
				q = e.childPrior(node)
			} else {
				q = child.VirtualLossAdjustedMean(float64(e.params.VirtualLoss))
			}

			if e.params.ForcedRolloutsMultiplier > 0 {
				threshold := p * sqrtf(parentVisits) * e.params.ForcedRolloutsMultiplier
				if threshold > float64(child.VisitCount()) {
					return a
				}
			}
		} else {
			q = e.childPrior(node)
		}

		u := e.params.PUCT * p * sqrtf(parentVisits) / (1 + float64(effVisits))
		scores[i] = q + u
	}

	if e.params.SamplingMCTS {
		weights := samplingWeights(priors, visits)
		return legal[sampleFromDistribution(weights)]
	}

	best := legal[0]
	bestScore := negInf
	for i, a := range legal {
		if scores[i] > bestScore || (scores[i] == bestScore && a < best) {
			bestScore = scores[i]
			best = a
		}
	}
	return best
}

func (e *Engine) childPrior(node *arena.Node) float64 {
	if !e.params.UseValuePrior {
		return 0
	}
	return node.ChildValuePrior()
}

var negInf = float64(math32.Inf(-1))

// sqrtf mirrors the teacher's mcts/node.go Select, which runs PUCT's
// sqrt(parentVisits) through math32 rather than the stdlib math
// package.
func sqrtf(v float64) float64 {
	return float64(math32.Sqrt(float32(v)))
}

// finalize computes the root's move-selection outputs once the budget
// is spent (spec §4.D "Move selection").
func (e *Engine) finalize(r Root, rollouts int) Result {
	node := e.arena.Node(r.Idx)
	legal := r.State.LegalActions()

	visits := make([]uint32, len(legal))
	total := uint32(0)
	for i, a := range legal {
		if childIdx, ok := node.FindChild(arena.ChildKey{Action: a}); ok {
			v := e.arena.Node(childIdx).VisitCount()
			visits[i] = v
			total += v
		}
	}

	policyTarget := make([]float32, len(legal))
	if total > 0 {
		for i, v := range visits {
			policyTarget[i] = float32(v) / float32(total)
		}
	}

	var rootValue float64
	if node.VisitCount() > 0 {
		rootValue = node.MeanValue()
	}

	best := e.selectBestAction(node, legal, visits)
	if r.State.StepIdx() < e.params.SampleBeforeStepIdx {
		best = e.sampleTempered(legal, policyTarget)
	}

	piv := node.PiVal

	return Result{
		RootValue:    rootValue,
		LegalActions: legal,
		PolicyTarget: policyTarget,
		BestAction:   best,
		Rollouts:     rollouts,
		RawPolicy:    piv.Policy,
		RawValue:     piv.Value,
	}
}

func (e *Engine) selectBestAction(node *arena.Node, legal []game.Action, visits []uint32) game.Action {
	if len(legal) == 0 {
		return game.NoAction
	}
	if e.params.MoveSelectUseMCTSValue {
		if a, ok := e.bestByValue(node, legal, visits); ok {
			return a
		}
	}
	best := legal[0]
	bestVisits := visits[0]
	for i := 1; i < len(legal); i++ {
		if visits[i] > bestVisits {
			bestVisits = visits[i]
			best = legal[i]
		}
	}
	return best
}

// bestByValue picks the legal action with the highest empirical child
// value among those meeting MoveSelectMinVisits, per spec §4.D: "argmax
// of empirical child value, requiring a minimum visit threshold".
func (e *Engine) bestByValue(node *arena.Node, legal []game.Action, visits []uint32) (game.Action, bool) {
	found := false
	best := legal[0]
	bestValue := negInf
	for i, a := range legal {
		if visits[i] < e.params.MoveSelectMinVisits {
			continue
		}
		childIdx, ok := node.FindChild(arena.ChildKey{Action: a})
		if !ok {
			continue
		}
		v := e.arena.Node(childIdx).MeanValue()
		if !found || v > bestValue {
			found = true
			bestValue = v
			best = a
		}
	}
	return best, found
}

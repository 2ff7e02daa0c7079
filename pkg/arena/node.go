// Package arena implements the fixed-capacity MCTS node storage of
// spec.md §3/§4.A: an integer-indexed arena (not raw pointers), acquired
// on expansion and released in bulk by FreeTree. Grounded on the
// teacher's mcts.MCTS node allocation (alloc/free/cleanup in
// _examples/Elvenson-alphabeth/mcts/tree.go) and mcts.Node's per-node
// mutex (mcts/node.go), generalized from a single global *MCTS receiver
// to a standalone Storage any number of trees can share.
package arena

import (
	"sync"

	"github.com/corvidlabs/selfplay/game"
)

// Index is an arena slot. It never changes once a node is acquired, even
// across games: nodes are reused, not relocated.
type Index int32

// Nil is the null index, used for "no parent" and "no child".
const Nil Index = -1

// ChildKey identifies an edge out of a node. Hash is zero for
// deterministic games; stochastic games key multiple children off the
// same action by the post-move state hash (spec §3 Node.children).
type ChildKey struct {
	Action game.Action
	Hash   uint64
}

// Stats holds the mutable accumulators backing selection and backup.
type Stats struct {
	ValueSum         float64
	VisitCount       uint32
	VirtualLoss      uint32
	SumChildV        float64
	NumChildExplored uint32
}

// Node is one arena element. parent is Nil at the root. State is
// populated only at a configurable depth interval (spec §3) to save
// memory; callers that need it otherwise must re-derive it by replaying
// actions from the nearest ancestor that has one.
type Node struct {
	mu sync.Mutex

	Parent    Index
	StateHash uint64
	State     game.State
	Visited   bool
	PiVal     game.PiVal
	Children  map[ChildKey]Index
	Stats     Stats
}

func (n *Node) reset(parent Index, stateHash uint64) {
	n.Parent = parent
	n.StateHash = stateHash
	n.State = nil
	n.Visited = false
	n.PiVal = game.PiVal{}
	if n.Children == nil {
		n.Children = make(map[ChildKey]Index, 4)
	} else {
		for k := range n.Children {
			delete(n.Children, k)
		}
	}
	n.Stats = Stats{}
}

// FindChild looks up the child reached by key under the node's mutex,
// the only place the children map is read or written concurrently with
// mutation (spec §4.A: "the engine takes it only while mutating the
// children map").
func (n *Node) FindChild(key ChildKey) (Index, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx, ok := n.Children[key]
	return idx, ok
}

// FindOrCreateChild returns the existing child for key, or stores the
// value returned by create (evaluated under the lock, at most once).
func (n *Node) FindOrCreateChild(key ChildKey, create func() Index) (idx Index, created bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.Children[key]; ok {
		return existing, false
	}
	idx = create()
	n.Children[key] = idx
	return idx, true
}

// ChildIndices returns a snapshot of the node's children.
func (n *Node) ChildIndices() []Index {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Index, 0, len(n.Children))
	for _, idx := range n.Children {
		out = append(out, idx)
	}
	return out
}

// ChildEntries returns a snapshot of (key, index) pairs.
func (n *Node) ChildEntries() []struct {
	Key ChildKey
	Idx Index
} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]struct {
		Key ChildKey
		Idx Index
	}, 0, len(n.Children))
	for k, idx := range n.Children {
		out = append(out, struct {
			Key ChildKey
			Idx Index
		}{k, idx})
	}
	return out
}

// NumChildren reports the child count under lock.
func (n *Node) NumChildren() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Children)
}

// AddVirtualLoss bumps the in-flight virtual loss counter by vl.
func (n *Node) AddVirtualLoss(vl uint32) {
	n.mu.Lock()
	n.Stats.VirtualLoss += vl
	n.mu.Unlock()
}

// Backup applies one rollout's contribution: value_sum += v,
// visit_count += 1, virtual_loss -= vl (floored at zero).
func (n *Node) Backup(v float64, vl uint32) {
	n.mu.Lock()
	n.Stats.ValueSum += v
	n.Stats.VisitCount++
	if n.Stats.VirtualLoss >= vl {
		n.Stats.VirtualLoss -= vl
	} else {
		n.Stats.VirtualLoss = 0
	}
	n.mu.Unlock()
}

// Settle marks a freshly-evaluated leaf visited and records its PiVal.
func (n *Node) Settle(piVal game.PiVal) {
	n.mu.Lock()
	n.Visited = true
	n.PiVal = piVal
	n.mu.Unlock()
}

// IsVisited reports whether Settle has been called.
func (n *Node) IsVisited() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Visited
}

// VisitCount, MeanValue, VirtualLossCount read Stats under lock.
func (n *Node) VisitCount() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Stats.VisitCount
}

func (n *Node) VirtualLossCount() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Stats.VirtualLoss
}

func (n *Node) MeanValue() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Stats.VisitCount == 0 {
		return 0
	}
	return n.Stats.ValueSum / float64(n.Stats.VisitCount)
}

// VirtualLossAdjustedMean treats each in-flight virtual loss as a
// pseudo-visit of value -vlWeight, the standard virtual-loss Q estimate
// used during selection: (value_sum - vlWeight*virtual_loss) /
// (visit_count + virtual_loss).
func (n *Node) VirtualLossAdjustedMean(vlWeight float64) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	denom := float64(n.Stats.VisitCount) + float64(n.Stats.VirtualLoss)
	if denom == 0 {
		return 0
	}
	return (n.Stats.ValueSum - vlWeight*float64(n.Stats.VirtualLoss)) / denom
}

// VisitCountEffective is visit_count + virtual_loss, the denominator
// PUCT's exploration term uses so in-flight rollouts discourage
// immediate re-selection of the same branch.
func (n *Node) VisitCountEffective() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Stats.VisitCount + n.Stats.VirtualLoss
}

// RecordChildValue folds a completed child's observed value into this
// node's child-value-prior accumulator (spec §4.D "Child value priors").
func (n *Node) RecordChildValue(v float64) {
	n.mu.Lock()
	n.Stats.SumChildV += v
	n.Stats.NumChildExplored++
	n.mu.Unlock()
}

// ChildValuePrior returns the mean of siblings' observed values, or 0 if
// none have been explored yet.
func (n *Node) ChildValuePrior() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Stats.NumChildExplored == 0 {
		return 0
	}
	return n.Stats.SumChildV / float64(n.Stats.NumChildExplored)
}

// PolicyAt returns the evaluator's prior for the legalIdx-th legal
// action, or 0 if the policy vector doesn't cover it (e.g. not yet
// Settled).
func (n *Node) PolicyAt(legalIdx int) float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if legalIdx < 0 || legalIdx >= len(n.PiVal.Policy) {
		return 0
	}
	return n.PiVal.Policy[legalIdx]
}

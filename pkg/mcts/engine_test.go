package mcts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/pkg/arena"
)

// uniformActor is a synthetic Actor: uniform policy over legal actions,
// value 0, used by the scenario tests where the actual network
// evaluation is irrelevant.
type uniformActor struct {
	mu    sync.Mutex
	batch []game.State
}

func (u *uniformActor) Evaluate(s game.State) (game.PiVal, error) { return u.piv(s), nil }
func (u *uniformActor) BatchResize(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.batch = make([]game.State, n)
}
func (u *uniformActor) BatchPrepare(i int, s game.State, rnnIn []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.batch[i] = s
}
func (u *uniformActor) BatchEvaluate(n int) error { return nil }
func (u *uniformActor) BatchResult(i int, s game.State) game.PiVal {
	return u.piv(s)
}
func (u *uniformActor) piv(s game.State) game.PiVal {
	legal := s.LegalActions()
	var policy []float32
	if len(legal) > 0 {
		policy = make([]float32, len(legal))
		for i := range policy {
			policy[i] = 1.0 / float32(len(legal))
		}
	}
	return game.PiVal{PlayerID: s.CurrentPlayer(), Value: 0, Policy: policy}
}
func (u *uniformActor) RecordMove(s game.State)          {}
func (u *uniformActor) Result(s game.State, reward float32) {}
func (u *uniformActor) Terminate()                       {}
func (u *uniformActor) IsTournamentOpponent() bool       { return false }
func (u *uniformActor) ModelID() string                  { return "test" }

var _ game.Actor = (*uniformActor)(nil)

// s1State is a two-player state that is already terminal: "X won" with
// X as player 0.
type s1State struct{}

func (s *s1State) CurrentPlayer() int    { return 0 }
func (s *s1State) StepIdx() int          { return 0 }
func (s *s1State) Terminated() bool      { return true }
func (s *s1State) Reward(player int) float32 {
	if player == 0 {
		return 1
	}
	return -1
}
func (s *s1State) IsOnePlayerGame() bool           { return false }
func (s *s1State) IsStochastic() bool              { return false }
func (s *s1State) StochasticReset() bool           { return false }
func (s *s1State) Forward(a game.Action) bool      { return false }
func (s *s1State) Hash() uint64                    { return 1 }
func (s *s1State) Clone() game.State               { c := *s; return &c }
func (s *s1State) LegalActions() []game.Action     { return nil }
func (s *s1State) Features() []float32             { return []float32{0} }
func (s *s1State) FeatureSize() []int              { return []int{1} }
func (s *s1State) ActionSize() []int               { return []int{0} }
func (s *s1State) RandomRolloutReward(player int) float32 { return 0 }

var _ game.State = (*s1State)(nil)

func TestS1TerminalRootBacksUpWithNoChild(t *testing.T) {
	storage := arena.NewStorage(4)
	root, err := storage.Acquire()
	require.NoError(t, err)
	storage.Init(root, arena.Nil, 1, &s1State{})

	engine := NewEngine(storage, DefaultParams())
	_, err = engine.RunBudget(context.Background(), []Root{{Idx: root, State: &s1State{}, RootPlayer: 0}}, &uniformActor{}, Budget{NumRollouts: 1})
	require.NoError(t, err)

	node := storage.Node(root)
	assert.Equal(t, uint32(1), node.VisitCount())
	assert.Equal(t, float64(1), node.MeanValue())
	assert.Equal(t, 0, node.NumChildren())
}

// s2State is an 8-action one-player state that becomes terminal
// (reward 0) after a single move, for testing concurrent selection
// spread.
type s2State struct {
	terminal bool
}

func (s *s2State) CurrentPlayer() int { return 0 }
func (s *s2State) StepIdx() int       { return 0 }
func (s *s2State) Terminated() bool   { return s.terminal }
func (s *s2State) Reward(player int) float32 {
	return 0
}
func (s *s2State) IsOnePlayerGame() bool { return true }
func (s *s2State) IsStochastic() bool    { return false }
func (s *s2State) StochasticReset() bool { return false }
func (s *s2State) Forward(a game.Action) bool {
	s.terminal = true
	return true
}
func (s *s2State) Hash() uint64 {
	if s.terminal {
		return 1
	}
	return 0
}
func (s *s2State) Clone() game.State { c := *s; return &c }
func (s *s2State) LegalActions() []game.Action {
	if s.terminal {
		return nil
	}
	out := make([]game.Action, 8)
	for i := range out {
		out[i] = game.Action(i)
	}
	return out
}
func (s *s2State) Features() []float32             { return []float32{0} }
func (s *s2State) FeatureSize() []int               { return []int{1} }
func (s *s2State) ActionSize() []int                { return []int{8} }
func (s *s2State) RandomRolloutReward(player int) float32 { return 0 }

var _ game.State = (*s2State)(nil)

func TestS2ConcurrentSelectionSpreadsAcrossChildren(t *testing.T) {
	// Scenario S2: empty tree, 64 goroutines each requesting 1 rollout on
	// an 8-child synthetic state; afterward sum(child.visit_count) == 64
	// and no single child absorbed every rollout.
	storage := arena.NewStorage(128)
	root, err := storage.Acquire()
	require.NoError(t, err)
	storage.Init(root, arena.Nil, 0, &s2State{})

	engine := NewEngine(storage, DefaultParams())
	actor := &uniformActor{}

	// Expand the root once up front: "empty tree" means no accumulated
	// child visit statistics, not a root that is itself still unsettled —
	// otherwise which of the 64 concurrent rollouts happens to win the
	// root-expansion race (and so never reaches a child at all) is
	// nondeterministic, and the total would be 63 or 64 depending on it.
	_, err = engine.RunBudget(context.Background(), []Root{{Idx: root, State: &s2State{}, RootPlayer: 0}}, actor, Budget{NumRollouts: 1})
	require.NoError(t, err)
	require.True(t, storage.Node(root).IsVisited())
	require.Equal(t, 0, storage.Node(root).NumChildren())

	const n = 64
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.RunBudget(context.Background(), []Root{{Idx: root, State: &s2State{}, RootPlayer: 0}}, actor, Budget{NumRollouts: 1})
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, e := range errs {
		require.NoError(t, e)
	}

	rootNode := storage.Node(root)
	total := uint32(0)
	maxChild := uint32(0)
	for _, entry := range rootNode.ChildEntries() {
		v := storage.Node(entry.Idx).VisitCount()
		total += v
		if v > maxChild {
			maxChild = v
		}
	}
	assert.Equal(t, uint32(n), total)
	assert.Less(t, maxChild, uint32(n))
}

func TestResultPolicyTargetSumsToOneAndValueInRange(t *testing.T) {
	// Invariants 3 and 4.
	storage := arena.NewStorage(128)
	root, err := storage.Acquire()
	require.NoError(t, err)
	state := &s2State{}
	storage.Init(root, arena.Nil, 0, state)

	engine := NewEngine(storage, DefaultParams())
	results, err := engine.RunBudget(context.Background(), []Root{{Idx: root, State: state, RootPlayer: 0}}, &uniformActor{}, Budget{NumRollouts: 32})
	require.NoError(t, err)
	require.Len(t, results, 1)

	sum := float32(0)
	for _, p := range results[0].PolicyTarget {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, float32(1), sum, 1e-6)
	assert.GreaterOrEqual(t, results[0].RootValue, -1.0)
	assert.LessOrEqual(t, results[0].RootValue, 1.0)
}

func TestForcedRolloutsOverrideUCB(t *testing.T) {
	// Invariant 9: with forcedRolloutsMultiplier = 2, a child whose
	// p*sqrt(Nroot)*2 > child.N is chosen even though another arm has a
	// much better raw UCB score.
	storage := arena.NewStorage(8)
	root, err := storage.Acquire()
	require.NoError(t, err)
	storage.Init(root, arena.Nil, 0, nil)
	rootNode := storage.Node(root)
	rootNode.Visited = true
	rootNode.Stats.VisitCount = 100
	rootNode.PiVal.Policy = []float32{0.01, 0.1}

	exploited, err := storage.Acquire()
	require.NoError(t, err)
	storage.Init(exploited, root, 0, nil)
	storage.Node(exploited).Stats = arena.Stats{ValueSum: 89, VisitCount: 90}
	rootNode.Children[arena.ChildKey{Action: 0}] = exploited

	underexplored, err := storage.Acquire()
	require.NoError(t, err)
	storage.Init(underexplored, root, 0, nil)
	storage.Node(underexplored).Stats = arena.Stats{ValueSum: -1, VisitCount: 1}
	rootNode.Children[arena.ChildKey{Action: 1}] = underexplored

	params := DefaultParams()
	params.ForcedRolloutsMultiplier = 2
	params.UseValuePrior = false
	engine := NewEngine(storage, params)

	action := engine.selectAction(rootNode, []game.Action{0, 1})
	assert.Equal(t, game.Action(1), action)

	params.ForcedRolloutsMultiplier = 0
	rawUCB := NewEngine(storage, params).selectAction(rootNode, []game.Action{0, 1})
	assert.Equal(t, game.Action(0), rawUCB, "without forced rollouts, raw UCB prefers the exploited arm")
}

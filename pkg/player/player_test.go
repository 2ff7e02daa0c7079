package player

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/pkg/arena"
	"github.com/corvidlabs/selfplay/pkg/mcts"
)

// flatState is a minimal one-player, two-action game that terminates
// after a single move: enough to drive the engine without pulling in
// any real game implementation.
type flatState struct {
	terminal bool
}

func (s *flatState) CurrentPlayer() int           { return 0 }
func (s *flatState) StepIdx() int                 { return 0 }
func (s *flatState) Terminated() bool             { return s.terminal }
func (s *flatState) Reward(player int) float32    { return 0 }
func (s *flatState) IsOnePlayerGame() bool        { return true }
func (s *flatState) IsStochastic() bool           { return false }
func (s *flatState) StochasticReset() bool        { return false }
func (s *flatState) Forward(a game.Action) bool   { s.terminal = true; return true }
func (s *flatState) Hash() uint64 {
	if s.terminal {
		return 1
	}
	return 0
}
func (s *flatState) Clone() game.State { c := *s; return &c }
func (s *flatState) LegalActions() []game.Action {
	if s.terminal {
		return nil
	}
	return []game.Action{0, 1}
}
func (s *flatState) Features() []float32                 { return []float32{0} }
func (s *flatState) FeatureSize() []int                  { return []int{1} }
func (s *flatState) ActionSize() []int                   { return []int{2} }
func (s *flatState) RandomRolloutReward(player int) float32 { return 0 }

var _ game.State = (*flatState)(nil)

type flatActor struct{}

func (flatActor) Evaluate(s game.State) (game.PiVal, error) { return flatActor{}.piv(s), nil }
func (flatActor) BatchResize(n int)                         {}
func (flatActor) BatchPrepare(i int, s game.State, rnnIn []byte) {}
func (flatActor) BatchEvaluate(n int) error                 { return nil }
func (flatActor) BatchResult(i int, s game.State) game.PiVal {
	return flatActor{}.piv(s)
}
func (flatActor) piv(s game.State) game.PiVal {
	legal := s.LegalActions()
	policy := make([]float32, len(legal))
	for i := range policy {
		policy[i] = 1.0 / float32(len(policy))
	}
	return game.PiVal{PlayerID: s.CurrentPlayer(), Value: 0, Policy: policy}
}
func (flatActor) RecordMove(s game.State)          {}
func (flatActor) Result(s game.State, reward float32) {}
func (flatActor) Terminate()                       {}
func (flatActor) IsTournamentOpponent() bool        { return false }
func (flatActor) ModelID() string                   { return "test" }

var _ game.Actor = flatActor{}

func newTestEngine(t *testing.T) (*mcts.Engine, *arena.Storage) {
	t.Helper()
	storage := arena.NewStorage(128)
	return mcts.NewEngine(storage, mcts.DefaultParams()), storage
}

func TestActMCTSUnlimitedTimeNeverDecrementsRemaining(t *testing.T) {
	engine, storage := newTestEngine(t)
	root, err := storage.Acquire()
	require.NoError(t, err)
	state := &flatState{}
	storage.Init(root, arena.Nil, 0, state)

	p := New(engine, flatActor{}, 0, 0)
	_, err = p.ActMCTS(context.Background(), []Input{{Idx: root, State: state, RootPlayer: 0}})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), p.RemainingTime())
}

func TestBudgetLockedComputesDeadlineFromRemainingTimeAndRatio(t *testing.T) {
	engine, _ := newTestEngine(t)
	clock := quartz.NewMock(t)
	p := New(engine, flatActor{}, 10*time.Second, 0.5, WithClock(clock))

	p.mu.Lock()
	budget := p.budgetLocked()
	p.mu.Unlock()

	require.False(t, budget.Deadline.IsZero())
	assert.Equal(t, clock.Now().Add(5*time.Second), budget.Deadline)
}

func TestBudgetLockedFallsBackToOneRolloutWhenTimeExhausted(t *testing.T) {
	engine, _ := newTestEngine(t)
	p := New(engine, flatActor{}, 10*time.Second, 0.5)
	p.remainingTime = 0

	p.mu.Lock()
	budget := p.budgetLocked()
	p.mu.Unlock()

	assert.Equal(t, 1, budget.NumRollouts)
	assert.True(t, budget.Deadline.IsZero())
}

func TestHumanPlayerReportsSubmittedMoveInOrder(t *testing.T) {
	h := NewHumanPlayer(flatActor{})
	state := &flatState{}

	done := make(chan []MoveResult, 1)
	errCh := make(chan error, 1)
	go func() {
		results, err := h.ActMCTS(context.Background(), []Input{{State: state, RootPlayer: 0}})
		done <- results
		errCh <- err
	}()

	h.SubmitMove(game.Action(1))

	results := <-done
	require.NoError(t, <-errCh)
	require.Len(t, results, 1)
	assert.Equal(t, game.Action(1), results[0].BestAction)
}

func TestHumanPlayerCancelledContextReturnsError(t *testing.T) {
	h := NewHumanPlayer(flatActor{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.ActMCTS(ctx, []Input{{State: &flatState{}, RootPlayer: 0}})
	assert.Error(t, err)
}

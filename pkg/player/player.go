// Package player implements the MCTS player of spec.md §4.E: a thin,
// per-move time-budgeted wrapper around pkg/mcts, plus a pseudo-player
// that takes its moves from a blocking queue instead of searching.
// Grounded on the teacher's agent.Agent / arena.Arena.Play
// (_examples/Elvenson-alphabeth/agent.go, arena.go), which hold the same
// per-move timing and trajectory-slot extraction, generalized from a
// fixed two-agent match to batched multi-root play and an injectable
// clock.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/pkg/arena"
	"github.com/corvidlabs/selfplay/pkg/mcts"
)

// Input is one root to search, matching the orchestrator's "to act"
// batch entries (spec §4.F).
type Input struct {
	Idx        arena.Index
	State      game.State
	RootPlayer int
}

// MoveResult is the trajectory slot recorded per move: the network's
// raw (policy, value) at the root, the MCTS-derived visit-count policy
// target, and the chosen action (spec §4.E).
type MoveResult struct {
	Policy           []float32
	Value            float32
	MCTSPolicyTarget []float32
	RootValue        float64
	BestAction       game.Action
}

// MCTSPlayer is what the orchestrator drives: a batched move function.
// Both Player and HumanPlayer implement it so the orchestrator never
// needs to know which kind of player slot it's dealing with.
type MCTSPlayer interface {
	ActMCTS(ctx context.Context, inputs []Input) ([]MoveResult, error)
}

// Player wraps an mcts.Engine and a game.Actor with the per-move time
// budget: remainingTime decremented by each move's wall-clock only when
// totalTime > 0.
type Player struct {
	mu     sync.Mutex
	engine *mcts.Engine
	actor  game.Actor
	clock  quartz.Clock

	totalTime     time.Duration
	timeRatio     float64
	remainingTime time.Duration
}

// Option configures a Player at construction.
type Option func(*Player)

// WithClock overrides the real clock, for deterministic time-budget
// tests.
func WithClock(c quartz.Clock) Option {
	return func(p *Player) { p.clock = c }
}

// New builds a Player with totalTime == 0 meaning no clock (each move
// passes an empty Budget, which RunBudget runs as a single rollout).
func New(engine *mcts.Engine, actor game.Actor, totalTime time.Duration, timeRatio float64, opts ...Option) *Player {
	p := &Player{
		engine:        engine,
		actor:         actor,
		clock:         quartz.NewReal(),
		totalTime:     totalTime,
		timeRatio:     timeRatio,
		remainingTime: totalTime,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ActMCTS runs one batched search across inputs and converts the raw
// mcts.Result set into trajectory slots.
func (p *Player) ActMCTS(ctx context.Context, inputs []Input) ([]MoveResult, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	budget := p.budgetLocked()
	p.mu.Unlock()

	roots := make([]mcts.Root, len(inputs))
	for i, in := range inputs {
		roots[i] = mcts.Root{Idx: in.Idx, State: in.State, RootPlayer: in.RootPlayer}
	}

	start := p.clock.Now()
	results, err := p.engine.RunBudget(ctx, roots, p.actor, budget)
	elapsed := p.clock.Now().Sub(start)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.totalTime > 0 {
		p.remainingTime -= elapsed
		if p.remainingTime < 0 {
			p.remainingTime = 0
		}
	}
	p.mu.Unlock()

	out := make([]MoveResult, len(results))
	for i, r := range results {
		out[i] = MoveResult{
			Policy:           r.RawPolicy,
			Value:            r.RawValue,
			MCTSPolicyTarget: r.PolicyTarget,
			RootValue:        r.RootValue,
			BestAction:       r.BestAction,
		}
	}
	return out, nil
}

// budgetLocked computes this move's search budget: an empty Budget
// (which RunBudget runs as a single rollout) when totalTime is 0, else a
// deadline remainingTime*timeRatio out. Must be called with p.mu held.
func (p *Player) budgetLocked() mcts.Budget {
	if p.totalTime <= 0 {
		return mcts.Budget{}
	}
	moveBudget := time.Duration(float64(p.remainingTime) * p.timeRatio)
	if moveBudget <= 0 {
		return mcts.Budget{NumRollouts: 1}
	}
	return mcts.Budget{Deadline: p.clock.Now().Add(moveBudget)}
}

// RemainingTime reports the player's clock remaining, for stats/UI.
func (p *Player) RemainingTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingTime
}

var _ MCTSPlayer = (*Player)(nil)

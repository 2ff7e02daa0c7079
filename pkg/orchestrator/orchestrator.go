// Package orchestrator implements the game orchestrator of spec.md
// §4.F: a single-thread driver that keeps N games in flight, groups
// identical player slots so their leaf evaluations share one inference
// batch, applies resignation heuristics, and emits training
// trajectories. Grounded on the teacher's Arena.Play
// (_examples/Elvenson-alphabeth/arena.go: search -> apply -> bookkeep ->
// switch player, win/loss/draw accounting), generalized from a single
// fixed two-agent match to N concurrent games and player-slot merging,
// which the teacher's Arena does not need.
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/pkg/arena"
	"github.com/corvidlabs/selfplay/pkg/player"
)

// Default resignation thresholds (spec §9 open question: "Resignation
// thresholds (7 vs 2 in batched vs single-game loops) appear hand-tuned
// ... keep configurable, do not infer intent"). These are just the
// defaults; Config overrides them explicitly.
const (
	DefaultResignThresholdBatched = 7
	DefaultResignThresholdSingle  = 2
	resignValueCutoff             = 0.95
	resignProbability             = 2.0 / 3.0
)

// TrajectoryFrame is one per-player training sample: the aligned
// (features, policy target, policy mask, value target) slice the
// spec's §6 data channel to the training system carries.
type TrajectoryFrame struct {
	Features     []float32
	PolicyTarget []float32
	PolicyMask   []float32
	ValueTarget  float32
}

// TrajectorySink receives finished trajectory frames, one call per
// game-episode-per-player (spec §6: "Frames are pushed when an episode
// ends").
type TrajectorySink interface {
	PushTrajectory(playerSlot int, frames []TrajectoryFrame)
}

// StatAccumulator is a plain {count, sum, sum_sq} triple for
// downstream mean/variance reporting (spec §4.F: "Stats collected ...
// each as a triple (count, sum, sum_sq)").
type StatAccumulator struct {
	Count int
	Sum   float64
	SumSq float64
}

func (s *StatAccumulator) observe(v float64) {
	s.Count++
	s.Sum += v
	s.SumSq += v * v
}

// Mean returns the running mean, or 0 if no observations yet.
func (s StatAccumulator) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Stats is the full set the orchestrator tracks per spec §4.F.
type Stats struct {
	mu                sync.Mutex
	GameDurationSteps StatAccumulator
	GameDurationSecs  StatAccumulator
	RolloutsPerSecond StatAccumulator
	MoveDurationSecs  StatAccumulator
}

func (s *Stats) recordMove(elapsed time.Duration, rollouts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MoveDurationSecs.observe(elapsed.Seconds())
	if elapsed > 0 {
		s.RolloutsPerSecond.observe(float64(rollouts) / elapsed.Seconds())
	}
}

func (s *Stats) recordGame(steps int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GameDurationSteps.observe(float64(steps))
	s.GameDurationSecs.observe(elapsed.Seconds())
}

// Snapshot returns a copy of the stats safe to read concurrently with
// further updates.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		GameDurationSteps: s.GameDurationSteps,
		GameDurationSecs:  s.GameDurationSecs,
		RolloutsPerSecond: s.RolloutsPerSecond,
		MoveDurationSecs:  s.MoveDurationSecs,
	}
}

// StateFactory produces a fresh root state for a replacement game, and
// assigns it a starting arena root index.
type StateFactory func() game.State

// gameSlot is one in-flight game, matching spec §3's "games" list
// element.
type gameSlot struct {
	state    game.State
	rootIdx  arena.Index
	step     int
	started  time.Time
	episodes int

	perPlayerFrames [2][]TrajectoryFrame
	resignCounter   [2]int
	canResign       bool
	resigned        int // -1 = not resigned, 0 = player 0 lost, 1 = player 1 lost
}

// Config bundles the orchestrator's tunables.
type Config struct {
	NumGames               int
	EpisodeBudget          int // 0 = unlimited replacement games
	ResignThresholdBatched int
	ResignThresholdSingle  int
	Batched                bool // selects which resign threshold applies
	Eval                   bool // disables resignation entirely (spec: "canResign is disabled in eval mode")
	Rand                   *rand.Rand
}

func (c Config) resignThreshold() int {
	if c.Batched {
		if c.ResignThresholdBatched > 0 {
			return c.ResignThresholdBatched
		}
		return DefaultResignThresholdBatched
	}
	if c.ResignThresholdSingle > 0 {
		return c.ResignThresholdSingle
	}
	return DefaultResignThresholdSingle
}

// Orchestrator runs Config.NumGames games in flight on the calling
// goroutine's Step loop, merging player.MCTSPlayer slots that are
// pointer-identical (spec §4.F: "remap[i] = min j such that players[j]
// == players[i]").
type Orchestrator struct {
	cfg     Config
	storage *arena.Storage
	factory StateFactory
	players []player.MCTSPlayer
	sink    TrajectorySink
	stats   Stats

	games []*gameSlot
	remap []int

	terminated bool
}

// New builds an Orchestrator over storage with one gameSlot per
// Config.NumGames and len(players) player slots.
func New(cfg Config, storage *arena.Storage, factory StateFactory, players []player.MCTSPlayer, sink TrajectorySink) *Orchestrator {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	o := &Orchestrator{
		cfg:     cfg,
		storage: storage,
		factory: factory,
		players: players,
		sink:    sink,
	}
	o.remap = computeRemap(players)
	o.games = make([]*gameSlot, cfg.NumGames)
	for i := range o.games {
		o.games[i] = o.newGameSlot()
	}
	return o
}

// computeRemap implements spec §4.F's pointer-equality player merge.
func computeRemap(players []player.MCTSPlayer) []int {
	remap := make([]int, len(players))
	for i := range players {
		remap[i] = i
		for j := 0; j < i; j++ {
			if players[j] == players[i] {
				remap[i] = j
				break
			}
		}
	}
	return remap
}

func (o *Orchestrator) newGameSlot() *gameSlot {
	st := o.factory()
	idx, err := o.storage.Acquire()
	if err != nil {
		panic(err) // FatalConfig per spec §7: capacity exhausted aborts the process.
	}
	o.storage.Init(idx, arena.Nil, st.Hash(), st)
	canResign := !o.cfg.Eval && o.cfg.Rand.Float64() < resignProbability
	return &gameSlot{
		state:     st,
		rootIdx:   idx,
		started:   time.Now(),
		canResign: canResign,
		resigned:  -1,
	}
}

// Terminate sets the orchestrator's termination flag; the current Step
// call finishes, but no further rollouts are attempted (spec §5:
// "Cancellation: a termination flag propagates from the orchestrator
// down to the engine").
func (o *Orchestrator) Terminate() { o.terminated = true }

// Stats returns a snapshot of the running per-orchestrator statistics.
func (o *Orchestrator) Stats() Stats { return o.stats.Snapshot() }

// Step runs one round: finalize terminal/resigned games (emitting
// trajectories and starting replacements), then drive every in-flight
// game one ply via its merged player slot. Returns false once the
// termination flag is observed.
func (o *Orchestrator) Step(ctx context.Context) (bool, error) {
	if o.terminated {
		return false, nil
	}

	o.finalizeDoneGames()

	toAct := make([][]player.Input, len(o.players))
	gameBySlot := make([][]*gameSlot, len(o.players))
	for _, g := range o.games {
		if g == nil {
			continue
		}
		slot := g.state.CurrentPlayer()
		p := o.remap[slot]
		toAct[p] = append(toAct[p], player.Input{Idx: g.rootIdx, State: g.state, RootPlayer: slot})
		gameBySlot[p] = append(gameBySlot[p], g)
	}

	for p := range o.players {
		if len(toAct[p]) == 0 {
			continue
		}
		start := time.Now()
		results, err := o.players[p].ActMCTS(ctx, toAct[p])
		elapsed := time.Since(start)
		if err != nil {
			return false, err
		}
		for i, res := range results {
			g := gameBySlot[p][i]
			o.applyMove(p, g, res)
			o.stats.recordMove(elapsed/time.Duration(len(results)), 1)
		}
	}

	if o.terminated {
		return false, nil
	}
	return true, nil
}

// applyMove records the trajectory slot, applies resignation heuristics,
// and advances g's state by the chosen action (spec §4.F step 2).
func (o *Orchestrator) applyMove(slot int, g *gameSlot, res player.MoveResult) {
	rootPlayer := g.state.CurrentPlayer()
	mover := rootPlayer

	mask := policyMask(g.state)
	g.perPlayerFrames[mover] = append(g.perPlayerFrames[mover], TrajectoryFrame{
		Features:     g.state.Features(),
		PolicyTarget: res.MCTSPolicyTarget,
		PolicyMask:   mask,
		ValueTarget:  float32(res.RootValue),
	})

	if g.canResign {
		opponent := 1 - mover
		if res.RootValue < -resignValueCutoff {
			g.resignCounter[mover]++
		} else {
			g.resignCounter[mover] = 0
		}
		// The mover's own root value judging itself the clear winner is an
		// independent signal from the mover's losing streak above, not its
		// negation: the opponent's counter tracks how many consecutive
		// moves the mover has judged itself winning by a wide margin.
		if res.RootValue > resignValueCutoff {
			g.resignCounter[opponent]++
		} else {
			g.resignCounter[opponent] = 0
		}
		threshold := o.cfg.resignThreshold()
		if g.resignCounter[mover] >= threshold {
			g.resigned = mover
		} else if g.resignCounter[opponent] >= threshold {
			g.resigned = opponent
		}
	}

	if !g.state.Forward(res.BestAction) {
		panic("orchestrator: engine selected an illegal action") // ActionError per spec §7.
	}
	g.step++
}

// policyMask marks every legal action at state as 1, zero elsewhere
// over ActionSize's flattened extent; the mask lets the trainer ignore
// illegal-action logits without re-deriving legality at train time.
func policyMask(s game.State) []float32 {
	size := 1
	for _, d := range s.ActionSize() {
		size *= d
	}
	mask := make([]float32, size)
	for _, a := range s.LegalActions() {
		if int(a) < size {
			mask[a] = 1
		}
	}
	return mask
}

// finalizeDoneGames walks every game, dropping terminal or resigned
// ones after pushing their trajectories, and refilling the slot with a
// replacement when the episode budget allows (spec §4.F step 1).
func (o *Orchestrator) finalizeDoneGames() {
	for i, g := range o.games {
		if g == nil {
			continue
		}
		if !g.state.Terminated() && g.resigned == -1 {
			continue
		}

		var reward [2]float32
		if g.resigned != -1 {
			reward[g.resigned] = -1
			reward[1-g.resigned] = 1
		} else {
			reward[0] = g.state.Reward(0)
			reward[1] = g.state.Reward(1)
		}

		for pl := 0; pl < 2; pl++ {
			frames := g.perPlayerFrames[pl]
			if len(frames) == 0 {
				continue
			}
			for j := range frames {
				frames[j].ValueTarget = reward[pl]
			}
			if o.sink != nil {
				o.sink.PushTrajectory(o.remap[pl], frames)
			}
		}

		o.stats.recordGame(g.step, time.Since(g.started))
		o.storage.FreeTree(g.rootIdx)

		g.episodes++
		if o.cfg.EpisodeBudget <= 0 || g.episodes < o.cfg.EpisodeBudget {
			o.games[i] = o.newGameSlot()
		} else {
			o.games[i] = nil
		}
	}
}

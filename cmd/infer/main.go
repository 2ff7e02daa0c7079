// cmd/infer plays an interactive human-vs-model chess game: the model
// side runs MCTS through pkg/player.Player, the human side is a
// pkg/player.HumanPlayer fed from stdin. Adapted from the teacher's
// cmd/infer/main.go (itself a bufio.Scanner read-a-move loop against
// game.Chess), generalized onto the new game.State/game.Actor/dualnet.Model
// surface; flag is swapped for kong to match the pack's CLI idiom.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/corvidlabs/selfplay/dualnet"
	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/pkg/arena"
	"github.com/corvidlabs/selfplay/pkg/mcts"
	"github.com/corvidlabs/selfplay/pkg/model"
	"github.com/corvidlabs/selfplay/pkg/player"
)

var cli struct {
	ModelPath string `short:"m" help:"Path to a gob-serialized model checkpoint (cmd/train's output)."`
	Seed      int64  `short:"s" default:"1" help:"RNG seed for the chess position and model fallback init."`
	HumanSide int    `default:"1" help:"Which side the human plays: 0 (white) or 1 (black)."`
}

func main() {
	kong.Parse(&cli)
	logger := log.Default().WithPrefix("infer")

	g := game.NewChessGame(cli.Seed)

	var net *dualnet.LinearModel
	if cli.ModelPath != "" {
		f, err := os.Open(cli.ModelPath)
		if err != nil {
			logger.Fatal("failed to open model", "error", err)
		}
		defer f.Close()
		net, err = dualnet.Load(f)
		if err != nil {
			logger.Fatal("failed to load model", "error", err)
		}
	} else {
		conf := dualnet.DefaultConf(g.FeatureSize()[1], g.FeatureSize()[2], g.ActionSize()[0])
		conf.Features = g.FeatureSize()[0]
		conf.Seed = cli.Seed
		net = dualnet.New(conf)
		if err := net.Init(); err != nil {
			logger.Fatal("failed to init model", "error", err)
		}
	}

	mgr := model.NewManager(net, model.WithLogger(logger))
	storage := arena.NewStorage(1 << 16)
	engine := mcts.NewEngine(storage, mcts.DefaultParams())
	modelActor := newInferActor(mgr)
	modelPlayer := player.New(engine, modelActor, 0, 0)
	humanActor := newInferActor(mgr)
	humanPlayer := player.NewHumanPlayer(humanActor)

	ctx := context.Background()
	idx, err := storage.Acquire()
	if err != nil {
		logger.Fatal("failed to acquire root node", "error", err)
	}
	storage.Init(idx, arena.Nil, g.Hash(), g)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println(renderBoard(g))

	for !g.Terminated() {
		mover := g.CurrentPlayer()
		var result player.MoveResult
		if mover == cli.HumanSide {
			fmt.Print("your move (e.g. e2e4): ")
			if !scanner.Scan() {
				break
			}
			action, ok := findActionByText(g, strings.TrimSpace(scanner.Text()))
			if !ok {
				fmt.Println("illegal or unrecognized move, try again")
				continue
			}
			go humanPlayer.SubmitMove(action)
			results, err := humanPlayer.ActMCTS(ctx, []player.Input{{Idx: idx, State: g, RootPlayer: mover}})
			if err != nil {
				logger.Fatal("human move failed", "error", err)
			}
			result = results[0]
		} else {
			results, err := modelPlayer.ActMCTS(ctx, []player.Input{{Idx: idx, State: g, RootPlayer: mover}})
			if err != nil {
				logger.Fatal("search failed", "error", err)
			}
			result = results[0]
			fmt.Printf("model plays action %d (root value %.3f)\n", result.BestAction, result.RootValue)
		}
		if !g.Forward(result.BestAction) {
			logger.Fatal("engine selected an illegal action")
		}
		fmt.Println(renderBoard(g))
	}

	fmt.Printf("white reward=%.1f black reward=%.1f\n", g.Reward(0), g.Reward(1))
}

// findActionByText maps a human's UCI-style move text to one of the
// position's legal action indices, since ChessGame indexes actions by
// position-local ValidMoves order rather than a fixed vocabulary.
func findActionByText(g *game.ChessGame, text string) (game.Action, bool) {
	for _, a := range g.LegalActions() {
		if g.MoveString(a) == text {
			return a, true
		}
	}
	return game.NoAction, false
}

func renderBoard(g *game.ChessGame) string {
	return g.Position().Board().Draw()
}

// inferActor adapts a *model.Manager into game.Actor for this single
// interactive game (no tree reuse across processes, no tournament
// bookkeeping needed).
type inferActor struct {
	mgr     *model.Manager
	pending []game.State
	policy  [][]float32
	value   []float32
}

func newInferActor(mgr *model.Manager) *inferActor { return &inferActor{mgr: mgr} }

func (a *inferActor) Evaluate(s game.State) (game.PiVal, error) {
	a.BatchResize(1)
	a.BatchPrepare(0, s, nil)
	if err := a.BatchEvaluate(1); err != nil {
		return game.PiVal{}, err
	}
	return a.BatchResult(0, s), nil
}
func (a *inferActor) BatchResize(n int)                      { a.pending = make([]game.State, n) }
func (a *inferActor) BatchPrepare(i int, s game.State, _ []byte) { a.pending[i] = s }
func (a *inferActor) BatchEvaluate(n int) error {
	inputs := make([][]float32, n)
	for i := 0; i < n; i++ {
		inputs[i] = a.pending[i].Features()
	}
	policy, value, err := a.mgr.BatchAct(model.DefaultInferPriority, inputs)
	if err != nil {
		return err
	}
	a.policy, a.value = policy, value
	return nil
}
func (a *inferActor) BatchResult(i int, s game.State) game.PiVal {
	return game.PiVal{PlayerID: s.CurrentPlayer(), Value: a.value[i], Policy: a.policy[i]}
}
func (a *inferActor) RecordMove(s game.State)              {}
func (a *inferActor) Result(s game.State, reward float32)  {}
func (a *inferActor) Terminate()                           {}
func (a *inferActor) IsTournamentOpponent() bool           { return false }
func (a *inferActor) ModelID() string                      { return "dev" }

var _ game.Actor = (*inferActor)(nil)

// cmd/train runs the self-play loop end to end against the reference
// ChessGame/LinearModel implementations: a local Manager evaluates
// batched MCTS searches for an orchestrator of in-flight games, and
// finished trajectories are pushed straight into a local replay buffer.
// Adapted from the teacher's cmd/train/main.go, which hardcoded one
// Arena match and uploaded the resulting checkpoint to HDFS; that upload
// step is dropped (see DESIGN.md "Dropped teacher code") since the
// distributed service's requestStateDict/updateModel RPC path (§4.G)
// supersedes ad hoc tarball distribution, and flag is swapped for kong
// to match the pack's (lox-pokerforbots) CLI idiom.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/dualnet"
	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/internal/config"
	"github.com/corvidlabs/selfplay/pkg/arena"
	"github.com/corvidlabs/selfplay/pkg/mcts"
	"github.com/corvidlabs/selfplay/pkg/model"
	"github.com/corvidlabs/selfplay/pkg/orchestrator"
	"github.com/corvidlabs/selfplay/pkg/player"
	"github.com/corvidlabs/selfplay/pkg/replay"
)

var cli struct {
	Config       string        `short:"c" help:"Path to a YAML config file; defaults are used for anything unset."`
	Seed         int64         `short:"s" default:"1" help:"RNG seed for the reference game and model."`
	RunFor       time.Duration `default:"30s" help:"How long to run the self-play loop before exiting."`
	TrainThreads int           `default:"1" help:"Number of background train-thread workers."`
}

func main() {
	kong.Parse(&cli)
	logger := log.Default().WithPrefix("train")

	cfg := config.Default()
	if cli.Config != "" {
		loaded, err := config.FromYAML(cli.Config)
		if err != nil {
			logger.Fatal("failed to load config", "error", err)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	seedGame := game.NewChessGame(cli.Seed)
	modelConf := dualnet.DefaultConf(seedGame.FeatureSize()[1], seedGame.FeatureSize()[2], seedGame.ActionSize()[0])
	modelConf.Features = seedGame.FeatureSize()[0]
	modelConf.Seed = cli.Seed
	net := dualnet.New(modelConf)
	if err := net.Init(); err != nil {
		logger.Fatal("failed to init model", "error", err)
	}

	buf, err := replay.NewBuffer(cfg.Model.ReplayCapacity, cfg.Model.ReplayWorkers)
	if err != nil {
		logger.Fatal("failed to build replay buffer", "error", err)
	}

	mgr := model.NewManager(net, model.WithLocalReplay(buf), model.WithLogger(logger))

	storage := arena.NewStorage(cfg.Model.ArenaCapacity)
	params := mcts.Params{
		PUCT:                     cfg.MCTS.PUCT,
		VirtualLoss:              cfg.MCTS.VirtualLoss,
		NumRolloutPerThread:      cfg.MCTS.NumRolloutPerThread,
		TotalTime:                cfg.MCTS.TotalTime,
		TimeRatio:                cfg.MCTS.TimeRatio,
		UseValuePrior:            cfg.MCTS.UseValuePrior,
		StoreStateInNode:         cfg.MCTS.StoreStateInNode,
		StoreStateInterval:       cfg.MCTS.StoreStateInterval,
		RandomizedRollouts:       cfg.MCTS.RandomizedRollouts,
		SamplingMCTS:             cfg.MCTS.SamplingMCTS,
		ForcedRolloutsMultiplier: cfg.MCTS.ForcedRolloutsMultiplier,
		MoveSelectUseMCTSValue:   cfg.MCTS.MoveSelectUseMCTSValue,
		MoveSelectMinVisits:      cfg.MCTS.MoveSelectMinVisits,
		SampleBeforeStepIdx:      cfg.MCTS.SampleBeforeStepIdx,
	}
	engine := mcts.NewEngine(storage, params)
	actor := newManagerActor(mgr)
	p := player.New(engine, actor, cfg.MCTS.TotalTime, cfg.MCTS.TimeRatio)

	factory := func() game.State { return game.NewChessGame(cli.Seed) }
	sink := &trainingSink{buf: buf, logger: logger}
	orchCfg := orchestrator.Config{
		NumGames:               cfg.Orchestrator.NumGames,
		EpisodeBudget:          cfg.Orchestrator.EpisodeBudget,
		ResignThresholdBatched: cfg.Orchestrator.ResignThresholdBatched,
		ResignThresholdSingle:  cfg.Orchestrator.ResignThresholdSingle,
		Batched:                cfg.Orchestrator.Batched,
		Eval:                   cfg.Orchestrator.Eval,
	}
	orch := orchestrator.New(orchCfg, storage, factory, []player.MCTSPlayer{p, p}, sink)

	batchChan := make(chan replay.Batch, 64)
	for i := 0; i < cli.TrainThreads; i++ {
		mgr.RunTrainThread(ctx, batchChan)
	}

	deadline := time.Now().Add(cli.RunFor)
	logger.Info("starting self-play", "run_for", cli.RunFor, "num_games", orchCfg.NumGames)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			goto done
		default:
		}
		cont, err := orch.Step(ctx)
		if err != nil {
			logger.Error("orchestrator step failed", "error", err)
			break
		}
		if !cont {
			break
		}
	}
done:
	stats := orch.Stats()
	logger.Info("self-play finished",
		"games_completed", stats.GameDurationSteps.Count,
		"mean_game_steps", stats.GameDurationSteps.Mean(),
		"mean_rollouts_per_sec", stats.RolloutsPerSecond.Mean(),
	)
}

// managerActor adapts a *model.Manager into game.Actor's batched
// protocol, matching the teacher's Agent.Infer (the direct precedent
// for "batch features through the shared evaluator").
type managerActor struct {
	mgr     *model.Manager
	pending []game.State
	results [][]float32
	values  []float32
}

func newManagerActor(mgr *model.Manager) *managerActor {
	return &managerActor{mgr: mgr}
}

func (a *managerActor) Evaluate(s game.State) (game.PiVal, error) {
	a.BatchResize(1)
	a.BatchPrepare(0, s, nil)
	if err := a.BatchEvaluate(1); err != nil {
		return game.PiVal{}, err
	}
	return a.BatchResult(0, s), nil
}

func (a *managerActor) BatchResize(n int) {
	a.pending = make([]game.State, n)
}

func (a *managerActor) BatchPrepare(i int, s game.State, rnnIn []byte) {
	a.pending[i] = s
}

func (a *managerActor) BatchEvaluate(n int) error {
	inputs := make([][]float32, n)
	for i := 0; i < n; i++ {
		inputs[i] = a.pending[i].Features()
	}
	policy, value, err := a.mgr.BatchAct(model.DefaultInferPriority, inputs)
	if err != nil {
		return err
	}
	a.results = policy
	a.values = value
	return nil
}

func (a *managerActor) BatchResult(i int, s game.State) game.PiVal {
	return game.PiVal{
		PlayerID: s.CurrentPlayer(),
		Value:    a.values[i],
		Policy:   a.results[i],
	}
}

func (a *managerActor) RecordMove(s game.State)          {}
func (a *managerActor) Result(s game.State, reward float32) {}
func (a *managerActor) Terminate()                       {}
func (a *managerActor) IsTournamentOpponent() bool       { return false }
func (a *managerActor) ModelID() string                  { return "dev" }

var _ game.Actor = (*managerActor)(nil)

// trainingSink implements orchestrator.TrajectorySink, packing finished
// frames into a replay.Batch and pushing it straight into the local
// buffer when an episode ends; it does not go through the model
// manager's train-thread channel.
type trainingSink struct {
	buf    *replay.Buffer
	logger *log.Logger
}

func (t *trainingSink) PushTrajectory(playerSlot int, frames []orchestrator.TrajectoryFrame) {
	if len(frames) == 0 {
		return
	}
	n := len(frames)
	featSize := len(frames[0].Features)
	policySize := len(frames[0].PolicyTarget)

	features := make([]float32, 0, n*featSize)
	policies := make([]float32, 0, n*policySize)
	values := make([]float32, n)
	for i, f := range frames {
		features = append(features, f.Features...)
		policies = append(policies, f.PolicyTarget...)
		values[i] = f.ValueTarget
	}

	batch := replay.Batch{
		"features": tensor.New(tensor.WithShape(n, featSize), tensor.WithBacking(features)),
		"policy":   tensor.New(tensor.WithShape(n, policySize), tensor.WithBacking(policies)),
		"value":    tensor.New(tensor.WithShape(n), tensor.WithBacking(values)),
	}
	if err := t.buf.Add(batch); err != nil {
		t.logger.Warn("failed to push trajectory", "error", err)
	}
}

// cmd/generatemoves plays random games against the reference ChessGame
// and dumps every distinct UCI-style move string it observes. The
// reference game indexes its policy head per-position (game.ChessGame's
// LegalActions re-derives legal moves from the current board rather than
// a fixed vocabulary), so this corpus is no longer load-bearing for
// training; it remains useful for eyeballing the move distribution a
// random opener produces, adapted from the teacher's cmd/generatemoves.
package main

import (
	"math/rand"
	"os"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/corvidlabs/selfplay/game"
)

var cli struct {
	NumGames int    `short:"n" default:"10" help:"Number of random games to play."`
	Path     string `short:"o" default:"chess_moves.txt" help:"File to append distinct move strings to."`
	Seed     int64  `short:"s" default:"1" help:"RNG seed."`
}

func main() {
	kong.Parse(&cli)
	logger := log.Default().WithPrefix("generatemoves")

	f, err := os.OpenFile(cli.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Fatal("failed to open output file", "error", err)
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(cli.Seed))
	seen := make(map[string]struct{})

	for i := 0; i < cli.NumGames; i++ {
		g := game.NewChessGame(rng.Int63())
		for !g.Terminated() {
			actions := g.LegalActions()
			if len(actions) == 0 {
				break
			}
			for _, a := range actions {
				mStr := g.MoveString(a)
				if _, ok := seen[mStr]; ok {
					continue
				}
				seen[mStr] = struct{}{}
				if _, err := f.WriteString(mStr + "\n"); err != nil {
					logger.Fatal("failed to write move", "error", err)
				}
			}
			pick := actions[rng.Intn(len(actions))]
			if !g.Forward(pick) {
				break
			}
		}
	}

	logger.Info("done", "distinct_moves", len(seen), "path", cli.Path)
}

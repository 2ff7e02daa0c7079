package player

import (
	"context"

	"github.com/corvidlabs/selfplay/game"
)

// HumanPlayer is the tournament-proxy pseudo-player: instead of
// searching, it blocks on a queue of externally supplied moves (a human
// at a board, or a remote opponent proxied over the wire) and reports
// each move back to the actor the same way a searching Player would.
// Grounded on the teacher's human-vs-agent demo loop in arena.go, which
// reads a move off stdin instead of running search for one side of the
// match.
type HumanPlayer struct {
	actor game.Actor
	moves chan game.Action
}

// NewHumanPlayer constructs a pseudo-player backed by actor.
func NewHumanPlayer(actor game.Actor) *HumanPlayer {
	return &HumanPlayer{
		actor: actor,
		moves: make(chan game.Action),
	}
}

// SubmitMove enqueues the next move for this player. Blocks until
// ActMCTS is ready to consume it.
func (h *HumanPlayer) SubmitMove(a game.Action) {
	h.moves <- a
}

// ActMCTS waits for one submitted move per input, in order, and reports
// each input state (the position the move is played from) to the actor. There is no policy/value to
// report: MoveResult carries only BestAction.
func (h *HumanPlayer) ActMCTS(ctx context.Context, inputs []Input) ([]MoveResult, error) {
	out := make([]MoveResult, len(inputs))
	for i, in := range inputs {
		select {
		case a := <-h.moves:
			out[i] = MoveResult{BestAction: a}
			h.actor.RecordMove(in.State)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

var _ MCTSPlayer = (*HumanPlayer)(nil)

package game

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/notnil/chess"
)

// maxChessActions bounds the policy head: chess's branching factor is
// bounded by 218 legal moves from any single position. Actions beyond a
// position's actual legal move count are simply never reported by
// LegalActions.
const maxChessActions = 218

// ChessGame is a reference game.State implementation over
// github.com/notnil/chess, adapted from the teacher's game.Chess. Unlike
// the teacher's version it does not require a precomputed UCI move
// vocabulary file: actions are indices into the current position's
// ValidMoves(), re-derived on every call, which keeps the action space
// dense and matches how most AlphaZero-style chess implementations index
// the policy head per-position rather than globally.
type ChessGame struct {
	mu   sync.Mutex
	g    *chess.Game
	step int
	rng  *rand.Rand
}

// NewChessGame starts a fresh game.
func NewChessGame(seed int64) *ChessGame {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &ChessGame{
		g:   chess.NewGame(),
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (c *ChessGame) legalMoves() []*chess.Move {
	return c.g.ValidMoves()
}

// CurrentPlayer returns 0 for white, 1 for black.
func (c *ChessGame) CurrentPlayer() int {
	if c.g.Position().Turn() == chess.White {
		return 0
	}
	return 1
}

// StepIdx returns the number of plies played.
func (c *ChessGame) StepIdx() int { return c.step }

// Terminated reports whether the game has a decided outcome.
func (c *ChessGame) Terminated() bool {
	return c.g.Outcome() != chess.NoOutcome
}

// Reward returns the terminal reward for player from {-1, 0, 1}.
func (c *ChessGame) Reward(player int) float32 {
	switch c.g.Outcome() {
	case chess.Draw, chess.NoOutcome:
		return 0
	case chess.WhiteWon:
		if player == 0 {
			return 1
		}
		return -1
	case chess.BlackWon:
		if player == 1 {
			return 1
		}
		return -1
	default:
		return 0
	}
}

func (c *ChessGame) IsOnePlayerGame() bool  { return false }
func (c *ChessGame) IsStochastic() bool     { return false }
func (c *ChessGame) StochasticReset() bool  { return false }

// LegalActions returns one action per legal move in the current position.
func (c *ChessGame) LegalActions() []Action {
	moves := c.legalMoves()
	actions := make([]Action, len(moves))
	for i := range moves {
		actions[i] = Action(i)
	}
	return actions
}

// Forward applies the action-th legal move.
func (c *ChessGame) Forward(a Action) bool {
	moves := c.legalMoves()
	if !a.Valid() || int(a) >= len(moves) {
		return false
	}
	if err := c.g.Move(moves[a]); err != nil {
		return false
	}
	c.step++
	return true
}

// Hash folds the position's 16-byte Zobrist-style hash into 64 bits.
func (c *ChessGame) Hash() uint64 {
	h := c.g.Position().Hash()
	lo := binary.BigEndian.Uint64(h[:8])
	hi := binary.BigEndian.Uint64(h[8:])
	return lo ^ hi
}

// Clone returns a deep copy sharing no mutable state with the receiver.
func (c *ChessGame) Clone() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ChessGame{
		g:    c.g.Clone(),
		step: c.step,
		rng:  rand.New(rand.NewSource(c.rng.Int63())),
	}
}

// Features encodes the board as two planes: piece values and side to
// move, flattened row-major. Adapted from the teacher's game.InputEncoder.
func (c *ChessGame) Features() []float32 {
	sq := c.g.Position().Board().SquareMap()
	board := make([]float32, 64)
	for k, v := range sq {
		if v == chess.NoPiece {
			board[int(k)] = 0.001
		} else {
			board[int(k)] = float32(v)
		}
	}
	side := make([]float32, 64)
	turn := float32(0)
	if c.g.Position().Turn() == chess.Black {
		turn = 1
	}
	for i := range side {
		side[i] = turn
	}
	return append(board, side...)
}

// FeatureSize reports {channels, height, width}.
func (c *ChessGame) FeatureSize() []int { return []int{2, 8, 8} }

// ActionSize reports the policy head width.
func (c *ChessGame) ActionSize() []int { return []int{maxChessActions} }

// MoveString renders the action-th legal move in UCI-style square-pair
// notation (e.g. "e2e4"), for UIs (cmd/infer) that want to show or match
// against human-readable move text rather than raw action indices.
func (c *ChessGame) MoveString(a Action) string {
	moves := c.legalMoves()
	if !a.Valid() || int(a) >= len(moves) {
		return ""
	}
	return moves[a].String()
}

// Position exposes the underlying chess.Position for board rendering;
// callers must not mutate it.
func (c *ChessGame) Position() *chess.Position {
	return c.g.Position()
}

// RandomRolloutReward plays uniformly random legal moves on a clone until
// the game ends or a move cap is hit, returning the reward for player.
func (c *ChessGame) RandomRolloutReward(player int) float32 {
	clone := c.Clone().(*ChessGame)
	const cap = 400
	for i := 0; i < cap && !clone.Terminated(); i++ {
		moves := clone.legalMoves()
		if len(moves) == 0 {
			break
		}
		idx := clone.rng.Intn(len(moves))
		if !clone.Forward(Action(idx)) {
			break
		}
	}
	if !clone.Terminated() {
		return 0
	}
	return clone.Reward(player)
}

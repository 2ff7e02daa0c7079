// Package game defines the external collaborator contracts the self-play
// core depends on (spec §6): the game rules themselves, the tensor
// feature extraction, and any particular game's legality checking are
// out of scope for this module and are supplied by an implementation of
// State. This package also ships one reference implementation,
// ChessGame, built on github.com/notnil/chess, so the engine and
// orchestrator packages can be exercised end to end without a real
// neural network or a network connection.
package game

// Action is an opaque index into a state's legal-actions list. The
// engine treats it as a non-negative integer; NoAction means "no action".
type Action int32

// NoAction is the invalid-action sentinel.
const NoAction Action = -1

// Valid reports whether a is a non-negative action index.
func (a Action) Valid() bool { return a >= 0 }

// PiVal is the evaluator's output at a state: who is to move, the value
// from that player's perspective, the policy over the state's legal
// actions, and an optional recurrent-state carry for stateful evaluators.
type PiVal struct {
	PlayerID int
	Value    float32
	Policy   []float32
	RNNState []byte
}

// State is immutable from the engine's perspective except via Forward.
// Implementations must support a cheap Clone and a stable Hash.
type State interface {
	// CurrentPlayer returns the player id to move: 0 or 1 for two-player
	// games, always 0 for single-player/tied games.
	CurrentPlayer() int
	// StepIdx returns the number of actions applied so far.
	StepIdx() int
	// Terminated reports whether the game has ended.
	Terminated() bool
	// Reward returns the terminal reward for player, in [-1, 1].
	// Only meaningful once Terminated() is true.
	Reward(player int) float32
	// IsOnePlayerGame reports whether this is a single-player puzzle.
	IsOnePlayerGame() bool
	// IsStochastic reports whether Forward can have chance outcomes.
	IsStochastic() bool
	// StochasticReset re-rolls any pending chance event deterministically
	// seeded from the state's own rng stream; returns whether it changed
	// anything observable.
	StochasticReset() bool
	// Forward applies action a in place, returning whether it advanced
	// the state. A false return for a legal action is a caller bug.
	Forward(a Action) bool
	// Hash returns a 64-bit hash of the board position.
	Hash() uint64
	// Clone returns a deep copy that preserves the rng stream but can
	// be advanced independently of the receiver.
	Clone() State
	// LegalActions returns the ordered list of legal action tokens.
	LegalActions() []Action
	// Features returns a contiguous feature tensor for the policy-value
	// network, in the shape reported by FeatureSize.
	Features() []float32
	// FeatureSize reports the shape of Features(), e.g. {C, H, W}.
	FeatureSize() []int
	// ActionSize reports the shape of the policy head's output.
	ActionSize() []int
	// RandomRolloutReward runs a cheap random rollout from this state and
	// returns the terminal reward for player, used as a value prior when
	// useValuePrior is enabled and no network evaluation exists yet.
	RandomRolloutReward(player int) float32
}

// DiceSource is implemented by stochastic games that support forcing a
// specific chance outcome, used to replay a recorded game deterministically.
type DiceSource interface {
	ForcedDice() (roll int, ok bool)
	SetForcedDice(roll int)
}

// Actor is the evaluator + trajectory-recording contract the MCTS engine
// and the game orchestrator depend on. An Actor either implements the
// single-state Evaluate method, or the four-method batched protocol; the
// engine prefers the batched protocol when both are present.
type Actor interface {
	// Evaluate runs a single-state inference. Used by non-batched callers
	// (e.g. a bare MctsPlayer driving one game with its own evaluator).
	Evaluate(s State) (PiVal, error)

	// BatchResize preallocates room for n pending evaluations in this round.
	BatchResize(n int)
	// BatchPrepare stages state i of the batch; rnnIn carries the
	// optional recurrent-state bytes for stateful evaluators.
	BatchPrepare(i int, s State, rnnIn []byte)
	// BatchEvaluate runs the forward pass over the n staged states.
	BatchEvaluate(n int) error
	// BatchResult returns the evaluation for staged index i.
	BatchResult(i int, s State) PiVal

	// RecordMove is called whenever a move is actually played (as
	// opposed to merely explored during search).
	RecordMove(s State)
	// Result is called once at the end of an episode with this actor's
	// terminal reward.
	Result(s State, reward float32)
	// Terminate signals this actor to stop any background work.
	Terminate()
	// IsTournamentOpponent reports whether this actor is a frozen
	// tournament/human proxy rather than the model being trained.
	IsTournamentOpponent() bool
	// ModelID identifies which registered model (if any) backs this actor.
	ModelID() string
}

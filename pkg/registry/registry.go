// Package registry implements the server side of spec.md §4.G: a
// rating-sampled model registry (opponent sampling + Elo-style rating
// update) plus the RPC surface (requestModel, requestStateDict,
// trainData, gameResult) a pkg/distributed client polls. Grounded on
// the teacher's win/loss/draw bookkeeping in arena.Arena.Play
// (_examples/Elvenson-alphabeth/arena.go), generalized from two
// in-process agents to an arbitrary rated pool; the sampling and Elo
// formulas themselves have no teacher precedent and come straight from
// spec.md §4.G.
package registry

import (
	"math"
	"math/rand"
	"sync"

	"github.com/gorilla/mux"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/pkg/failure"
	"github.com/corvidlabs/selfplay/pkg/rpc"
)

// DevID is the special model id for the model currently being trained
// (spec §4.G: "Special id 'dev' is the current training model.").
const DevID = "dev"

const (
	eloK     = 6
	eloScale = 400
)

// Entry is one registered model's server-side state (spec §3: "Model
// registry entry").
type Entry struct {
	ID        string
	Version   int
	Rating    float64
	StateDict map[string]*tensor.Dense
	NGames    int
	RewardSum float64
}

// Registry holds the rated model pool. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	rng     *rand.Rand
}

// New constructs an empty Registry seeded with a "dev" entry at rating 0.
func New() *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		rng:     rand.New(rand.NewSource(1)),
	}
	r.entries[DevID] = &Entry{ID: DevID, Version: 0, Rating: 0}
	return r
}

// Register adds or replaces a model entry. Registering "dev" bumps its
// version so polling clients observe the change.
func (r *Registry) Register(id string, stateDict map[string]*tensor.Dense, rating float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entries[id]
	version := 1
	if ok {
		version = existing.Version + 1
	}
	r.entries[id] = &Entry{ID: id, Version: version, Rating: rating, StateDict: stateDict}
}

// UpdateDev replaces the "dev" state dict in place, bumping its version
// (the training loop's periodic checkpoint push).
func (r *Registry) UpdateDev(stateDict map[string]*tensor.Dense) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev := r.entries[DevID]
	dev.StateDict = stateDict
	dev.Version++
}

// Snapshot returns a copy of every entry's bookkeeping fields (not the
// state dict), for status reporting.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Entry{ID: e.ID, Version: e.Version, Rating: e.Rating, NGames: e.NGames, RewardSum: e.RewardSum})
	}
	return out
}

// RequestModel implements spec §4.G's requestModel: if wantsNew, sample
// an opponent per the sampling rule below; else echo currentID with its
// live version.
func (r *Registry) RequestModel(wantsNew bool, currentID string) (id string, version int, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !wantsNew {
		e, ok := r.entries[currentID]
		if !ok {
			return "", 0, failure.New(failure.FatalConfig, "registry.RequestModel", errUnknownModel(currentID))
		}
		return e.ID, e.Version, nil
	}
	id = r.sampleOpponentLocked()
	return id, r.entries[id].Version, nil
}

// sampleOpponentLocked implements spec §4.G's opponent sampling rule.
// Caller must hold r.mu (read or write).
func (r *Registry) sampleOpponentLocked() string {
	if r.rng.Float64() < 0.50 {
		return DevID
	}
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	if r.rng.Float64() < 0.01 {
		return ids[r.rng.Intn(len(ids))]
	}

	maxR := math.Inf(-1)
	for _, e := range r.entries {
		if e.Rating > maxR {
			maxR = e.Rating
		}
	}
	x := r.rng.Float64()
	target := -(2 / (math.Exp(4*x) - 1)) * 200

	var candidates []string
	for _, e := range r.entries {
		if e.Rating-maxR >= target {
			candidates = append(candidates, e.ID)
		}
	}
	if len(candidates) == 0 {
		return DevID
	}
	return candidates[r.rng.Intn(len(candidates))]
}

// RequestStateDict implements spec §4.G's requestStateDict: returns the
// model's current parameters, or ok=false if id is unregistered.
func (r *Registry) RequestStateDict(id string) (map[string]*tensor.Dense, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.StateDict, true
}

// Opponent is one entry of gameResult's {modelId: weightRatio} map: how
// much of the game a given model actually played (spec §3: "Ratio (in
// results)").
type Opponent struct {
	ModelID string
	Ratio   float64
}

func (o Opponent) MarshalWire(e *rpc.Encoder) {
	e.PutString(o.ModelID)
	e.PutFloat64(o.Ratio)
}

func (o *Opponent) UnmarshalWire(d *rpc.Decoder) error {
	modelID, err := d.String()
	if err != nil {
		return err
	}
	ratio, err := d.Float64()
	if err != nil {
		return err
	}
	o.ModelID, o.Ratio = modelID, ratio
	return nil
}

// GameResult implements spec §4.G's gameResult: updates Elo ratings for
// every non-"dev" opponent that played at least ratio 0.9 of the game,
// and the mirrored update to "dev".
func (r *Registry) GameResult(reward float64, opponents []Opponent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, opp := range opponents {
		if opp.ModelID == DevID || opp.Ratio < 0.9 {
			continue
		}
		dev, ok := r.entries[DevID]
		if !ok {
			continue
		}
		model, ok := r.entries[opp.ModelID]
		if !ok {
			continue
		}

		offset := 0.5
		switch {
		case reward > 0:
			offset = 1
		case reward < 0:
			offset = 0
		}
		expected := 1 / (1 + math.Pow(10, (model.Rating-dev.Rating)/eloScale))
		delta := eloK * (offset - expected) * opp.Ratio

		dev.Rating += delta
		model.Rating -= delta
		dev.NGames++
		dev.RewardSum += reward
		model.NGames++
		model.RewardSum -= reward
	}
}

// Router builds the read-only HTTP status surface over the registry's
// bookkeeping (ratings, ngames), using the pack's gorilla/mux idiom
// (_examples/niceyeti-tabular's HTTP status endpoint) rather than the
// RPC wire protocol, since this one is meant for humans/dashboards
// (cmd/ratingchart is its consumer).
func (r *Registry) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", r.handleStatus).Methods("GET")
	return router
}

func errUnknownModel(id string) error {
	return &unknownModelError{id: id}
}

type unknownModelError struct{ id string }

func (e *unknownModelError) Error() string { return "registry: unknown model id " + e.id }

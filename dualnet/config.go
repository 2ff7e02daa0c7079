// Package dualnet defines the opaque policy-value model contract the Model
// Manager (pkg/model) wraps. Network architecture, loss functions, and
// training-step semantics are out of scope for this module (spec.md §1);
// this package only needs to expose enough surface — Infer, parameter
// get/set, gob round-trip — to exercise the batching, priority-mutex, and
// state-dict-update machinery in pkg/model against something real.
package dualnet

// Config configures the shape of the wrapped model. Generalized from the
// teacher's board-game-specific Width/Height pair to any game.State whose
// FeatureSize/ActionSize report a compatible shape.
type Config struct {
	K            int   `json:"k"`             // number of filters
	SharedLayers int   `json:"shared_layers"` // number of shared residual blocks
	FC           int   `json:"fc"`            // fc layer width
	BatchSize    int   `json:"batch_size"`    // batch size
	Width        int   `json:"width"`         // feature plane width
	Height       int   `json:"height"`        // feature plane height
	Features     int   `json:"features"`      // feature plane count
	ActionSpace  int   `json:"action_space"`  // action space
	FwdOnly      bool  `json:"fwd_only"`      // is this a fwd only graph?
	Seed         int64 `json:"seed"`          // parameter init seed
}

// DefaultConf derives a reasonable shape from a board's height/width and
// its action space size.
func DefaultConf(m, n, actionSpace int) Config {
	k := round((m * n) / 3)
	return Config{
		K:            k,
		SharedLayers: m,
		FC:           2 * k,
		BatchSize:    256,
		Width:        n,
		Height:       m,
		Features:     18,
		ActionSpace:  actionSpace,
	}
}

// IsValid reports whether conf describes a constructible model.
func (conf Config) IsValid() bool {
	return conf.K >= 1 &&
		conf.ActionSpace >= 3 &&
		conf.SharedLayers >= 0 &&
		conf.FC > 1 &&
		conf.BatchSize >= 1 &&
		conf.Features > 0
}

func round(a int) int {
	n := a - 1
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++

	lt := n / 2
	if (a - lt) < (n - a) {
		return lt
	}
	return n
}

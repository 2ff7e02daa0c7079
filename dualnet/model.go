package dualnet

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Model is the contract pkg/model's batched evaluator wraps: run a
// forward pass, and get/set named parameters for the state-dict update
// protocol (spec §4.C updateModel). Shape mismatches and unknown/missing
// keys on LoadParameters are FatalConfig per spec §7.
type Model interface {
	// Infer runs a forward pass over a batch of flattened feature
	// vectors (row-major, one state per row) and returns, per row, a
	// policy distribution over the action space and a scalar value.
	Infer(features [][]float32) (policy [][]float32, value []float32, err error)
	// Parameters returns the model's named parameters and buffers.
	Parameters() map[string]*tensor.Dense
	// LoadParameters copies each named tensor into place.
	LoadParameters(params map[string]*tensor.Dense) error
}

// LinearModel is a minimal policy-value model: one linear layer to
// policy logits (softmax-normalized) and one linear layer to a scalar
// value (tanh-squashed). It exists to exercise the Model Manager's
// batching, priority mutex, and state-dict update machinery end to end;
// network architecture is explicitly out of scope for this module (see
// package doc), so this is a stand-in, not a competitive network.
type LinearModel struct {
	mu        sync.RWMutex
	conf      Config
	inputSize int

	policyW []float32 // inputSize x ActionSpace, row-major
	policyB []float32 // ActionSpace
	valueW  []float32 // inputSize
	valueB  float32
}

// New constructs an uninitialized model from conf; call Init to randomize
// its parameters before use.
func New(conf Config) *LinearModel {
	input := conf.Features * conf.Height * conf.Width
	return &LinearModel{
		conf:      conf,
		inputSize: input,
		policyW:   make([]float32, input*conf.ActionSpace),
		policyB:   make([]float32, conf.ActionSpace),
		valueW:    make([]float32, input),
	}
}

// Init randomizes parameters with a small Xavier-ish scale.
func (m *LinearModel) Init() error {
	if !m.conf.IsValid() {
		return errors.New("dual: invalid config")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seed := m.conf.Seed
	if seed == 0 {
		seed = 1
	}
	r := rand.New(rand.NewSource(seed))
	scale := float32(1.0 / math.Sqrt(float64(m.inputSize+1)))
	for i := range m.policyW {
		m.policyW[i] = (r.Float32()*2 - 1) * scale
	}
	for i := range m.valueW {
		m.valueW[i] = (r.Float32()*2 - 1) * scale
	}
	return nil
}

// Infer implements Model.
func (m *LinearModel) Infer(features [][]float32) (policy [][]float32, value []float32, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(features)
	policy = make([][]float32, n)
	value = make([]float32, n)
	actions := m.conf.ActionSpace

	for i, feat := range features {
		if len(feat) != m.inputSize {
			return nil, nil, errors.Errorf("dual: feature size %d, want %d", len(feat), m.inputSize)
		}
		logits := make([]float32, actions)
		for a := 0; a < actions; a++ {
			var acc float32
			row := m.policyW[a*m.inputSize : (a+1)*m.inputSize]
			for j, f := range feat {
				acc += f * row[j]
			}
			logits[a] = acc + m.policyB[a]
		}
		policy[i] = softmax(logits)

		var vacc float32
		for j, f := range feat {
			vacc += f * m.valueW[j]
		}
		value[i] = float32(math.Tanh(float64(vacc + m.valueB)))
	}
	return policy, value, nil
}

func softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range logits {
		e := float32(math.Exp(float64(v - max)))
		out[i] = e
		sum += e
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

// Parameters implements Model, reporting the state dict as named dense
// tensors, matching how agogo.go already represents batched examples as
// gorgonia.org/tensor.Dense values.
func (m *LinearModel) Parameters() map[string]*tensor.Dense {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policyW := make([]float32, len(m.policyW))
	copy(policyW, m.policyW)
	policyB := make([]float32, len(m.policyB))
	copy(policyB, m.policyB)
	valueW := make([]float32, len(m.valueW))
	copy(valueW, m.valueW)

	return map[string]*tensor.Dense{
		"policy.weight": tensor.New(tensor.WithShape(m.conf.ActionSpace, m.inputSize), tensor.WithBacking(policyW)),
		"policy.bias":   tensor.New(tensor.WithShape(m.conf.ActionSpace), tensor.WithBacking(policyB)),
		"value.weight":  tensor.New(tensor.WithShape(m.inputSize), tensor.WithBacking(valueW)),
		"value.bias":    tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{m.valueB})),
	}
}

// LoadParameters implements Model.updateModel: copy-into-place, fatal on
// any shape mismatch or unknown/missing key.
func (m *LinearModel) LoadParameters(params map[string]*tensor.Dense) error {
	want := []struct {
		name  string
		shape []int
	}{
		{"policy.weight", []int{m.conf.ActionSpace, m.inputSize}},
		{"policy.bias", []int{m.conf.ActionSpace}},
		{"value.weight", []int{m.inputSize}},
		{"value.bias", []int{1}},
	}

	for _, w := range want {
		t, ok := params[w.name]
		if !ok {
			return errors.Errorf("dual: missing parameter %q", w.name)
		}
		if !shapeEqual(t.Shape(), w.shape) {
			return errors.Errorf("dual: parameter %q has shape %v, want %v", w.name, t.Shape(), w.shape)
		}
	}
	for name := range params {
		found := false
		for _, w := range want {
			if w.name == name {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("dual: unknown parameter %q", name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.policyW, params["policy.weight"].Data().([]float32))
	copy(m.policyB, params["policy.bias"].Data().([]float32))
	copy(m.valueW, params["value.weight"].Data().([]float32))
	m.valueB = params["value.bias"].Data().([]float32)[0]
	return nil
}

func shapeEqual(a tensor.Shape, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// gobModel is the serialization envelope for Save/Load, adapted from the
// teacher's agogo.SaveAZ/Load gob round trip.
type gobModel struct {
	Conf    Config
	PolicyW []float32
	PolicyB []float32
	ValueW  []float32
	ValueB  float32
}

// Save gob-encodes the model to w.
func (m *LinearModel) Save(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env := gobModel{
		Conf:    m.conf,
		PolicyW: m.policyW,
		PolicyB: m.policyB,
		ValueW:  m.valueW,
		ValueB:  m.valueB,
	}
	return errors.WithStack(gob.NewEncoder(w).Encode(env))
}

// Load gob-decodes a model previously written by Save.
func Load(r io.Reader) (*LinearModel, error) {
	var env gobModel
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return nil, errors.WithStack(err)
	}
	if !env.Conf.IsValid() {
		return nil, fmt.Errorf("dual: decoded config is invalid")
	}
	m := New(env.Conf)
	m.policyW = env.PolicyW
	m.policyB = env.PolicyB
	m.valueW = env.ValueW
	m.valueB = env.ValueB
	return m, nil
}

// Package model implements the batched evaluator of spec.md §4.C: one
// serialized neural model behind a priority mutex, a one-shot batch-size
// tuner, and the train/update background threads that keep a live model
// in sync with a (possibly remote) trainer. Grounded on the teacher's
// agogo.AZ batched-inference loop
// (_examples/Elvenson-alphabeth/agogo.go) and its agent.Agent priority
// handling, generalized from a single hardwired model to any
// dualnet.Model plus an injectable replay sink/source so the same
// Manager serves both the standalone and distributed configurations.
package model

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/dualnet"
	"github.com/corvidlabs/selfplay/pkg/failure"
	"github.com/corvidlabs/selfplay/pkg/replay"
)

// SampleSource is anything Manager.Sample can delegate to: the local
// replay buffer, or a distributed client issuing an RPC.
type SampleSource interface {
	Sample(k int) (replay.Batch, error)
}

// Sink is anything Manager's train thread can push finished batches to.
type Sink interface {
	Add(batch replay.Batch) error
}

// VersionPoller is the collaborator the model-update thread polls: it
// asks a (possibly remote) authority for the current model id/version
// and fetches full state dicts on change. pkg/distributed supplies the
// RPC-backed implementation; tests supply a fake.
type VersionPoller interface {
	CurrentVersion(ctx context.Context) (id string, version string, err error)
	FetchStateDict(ctx context.Context, id string) (map[string]*tensor.Dense, error)
}

// Manager holds one live model and arbitrates access to it.
type Manager struct {
	mu    sync.RWMutex
	model dualnet.Model
	pmu   *PriorityMutex

	batchSizeMu sync.Mutex
	batchSize   int

	local     *replay.Buffer
	remote    SampleSource
	trainSink Sink

	versionMu sync.Mutex
	version   string

	firstUpdate     chan struct{}
	firstUpdateOnce sync.Once

	cache *lru.Cache[string, map[string]*tensor.Dense]

	log *log.Logger
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLocalReplay wires a local replay buffer as both the sample source
// and the train thread's sink, the standalone (non-distributed)
// configuration.
func WithLocalReplay(buf *replay.Buffer) Option {
	return func(m *Manager) {
		m.local = buf
	}
}

// WithRemote wires a distributed sample source and train sink, used
// when this process defers storage to a registry server (§4.G).
func WithRemote(source SampleSource, sink Sink) Option {
	return func(m *Manager) {
		m.remote = source
		m.trainSink = sink
	}
}

// WithStateDictCache bounds the number of past state dicts kept in
// memory (e.g. to serve late-joining clients without refetching).
func WithStateDictCache(size int) Option {
	return func(m *Manager) {
		if size <= 0 {
			return
		}
		c, err := lru.New[string, map[string]*tensor.Dense](size)
		if err == nil {
			m.cache = c
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager wraps mdl for batched, priority-arbitrated access.
func NewManager(mdl dualnet.Model, opts ...Option) *Manager {
	m := &Manager{
		model:       mdl,
		pmu:         NewPriorityMutex(),
		batchSize:   1,
		firstUpdate: make(chan struct{}),
		log:         log.Default().With("component", "model.Manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BatchAct runs one forward pass under the priority mutex at the given
// priority (spec §4.C: batchAct). Inference callers should pass
// DefaultInferPriority unless they have per-thread priorities of their
// own.
func (m *Manager) BatchAct(priority int, inputs [][]float32) (policy [][]float32, value []float32, err error) {
	m.pmu.Lock(priority)
	defer m.pmu.Unlock()

	m.mu.RLock()
	mdl := m.model
	m.mu.RUnlock()

	policy, value, err = mdl.Infer(inputs)
	if err != nil {
		return nil, nil, failure.New(failure.ActionError, "model.BatchAct", err)
	}
	return policy, value, nil
}

// BatchSize returns the last tuned (or default) batch size.
func (m *Manager) BatchSize() int {
	m.batchSizeMu.Lock()
	defer m.batchSizeMu.Unlock()
	return m.batchSize
}

// FindBatchSize times a forward pass at each candidate batch size and
// caches the one minimizing latency/N − log(throughput/N), per spec
// §4.C. candidates defaults to a small power-of-two ladder when nil.
func (m *Manager) FindBatchSize(sampleInput []float32, candidates []int) (int, error) {
	if len(candidates) == 0 {
		candidates = []int{1, 2, 4, 8, 16, 32, 64, 128}
	}
	best := candidates[0]
	bestScore := math.Inf(1)

	m.mu.RLock()
	mdl := m.model
	m.mu.RUnlock()

	for _, n := range candidates {
		batch := make([][]float32, n)
		for i := range batch {
			batch[i] = sampleInput
		}
		start := time.Now()
		_, _, err := mdl.Infer(batch)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			return 0, failure.New(failure.ActionError, "model.FindBatchSize", err)
		}
		if elapsed <= 0 {
			continue
		}
		latency := elapsed / float64(n)
		throughput := float64(n) / elapsed
		score := latency - math.Log(throughput/float64(n))
		if score < bestScore {
			bestScore = score
			best = n
		}
	}

	m.batchSizeMu.Lock()
	m.batchSize = best
	m.batchSizeMu.Unlock()
	m.log.Info("tuned batch size", "size", best, "candidates", candidates)
	return best, nil
}

// UpdateModel copies params into the live model under the priority
// mutex at UpdatePriority, per spec §4.C. A shape or key mismatch is
// fatal: the caller pushed a state dict for a different architecture.
func (m *Manager) UpdateModel(params map[string]*tensor.Dense) error {
	m.pmu.Lock(UpdatePriority)
	defer m.pmu.Unlock()

	m.mu.Lock()
	err := m.model.LoadParameters(params)
	m.mu.Unlock()
	if err != nil {
		return failure.New(failure.FatalConfig, "model.UpdateModel", err)
	}
	m.firstUpdateOnce.Do(func() { close(m.firstUpdate) })
	return nil
}

// Sample delegates to the remote source if configured, else the local
// replay buffer (spec §4.C: sample(k)).
func (m *Manager) Sample(k int) (replay.Batch, error) {
	if m.remote != nil {
		return m.remote.Sample(k)
	}
	if m.local != nil {
		return m.local.Sample(k)
	}
	return nil, errors.New("model: no local replay buffer or remote sample source configured")
}

// RunTrainThread drains batches and forwards each to the remote sink if
// configured, else the local replay buffer, until ctx is canceled or
// batches is closed.
func (m *Manager) RunTrainThread(ctx context.Context, batches <-chan replay.Batch) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-batches:
				if !ok {
					return
				}
				var err error
				switch {
				case m.trainSink != nil:
					err = m.trainSink.Add(b)
				case m.local != nil:
					err = m.local.Add(b)
				default:
					continue
				}
				if err != nil {
					m.log.Error("train thread failed to record batch", "err", err)
				}
			}
		}
	}()
}

// RunUpdateThread polls poller on interval and applies any new state
// dict, closing the first-update gate the first time one lands (spec
// §4.C: "a one-shot promise blocks startClient until the first update
// arrives").
func (m *Manager) RunUpdateThread(ctx context.Context, poller VersionPoller, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pollOnce(ctx, poller)
			}
		}
	}()
}

func (m *Manager) pollOnce(ctx context.Context, poller VersionPoller) {
	id, version, err := poller.CurrentVersion(ctx)
	if err != nil {
		m.log.Warn("model update poll failed", "err", err)
		return
	}
	m.versionMu.Lock()
	changed := version != m.version
	m.versionMu.Unlock()
	if !changed {
		return
	}

	params, err := poller.FetchStateDict(ctx, id)
	if err != nil {
		m.log.Warn("model update fetch failed", "err", err)
		return
	}
	if err := m.UpdateModel(params); err != nil {
		m.log.Error("model update apply failed", "err", err)
		return
	}

	m.versionMu.Lock()
	m.version = version
	m.versionMu.Unlock()
	if m.cache != nil {
		m.cache.Add(id, params)
	}
}

// WaitFirstUpdate blocks until RunUpdateThread (or a direct UpdateModel
// call) has landed at least one model, or ctx is canceled.
func (m *Manager) WaitFirstUpdate(ctx context.Context) error {
	select {
	case <-m.firstUpdate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CachedStateDict returns a previously cached state dict by id, if the
// cache is enabled and holds it.
func (m *Manager) CachedStateDict(id string) (map[string]*tensor.Dense, bool) {
	if m.cache == nil {
		return nil, false
	}
	return m.cache.Get(id)
}

package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/dualnet"
)

func TestPriorityMutexOrdersByAscendingPriority(t *testing.T) {
	// Invariant 6: N waiters with priorities p1<...<pN queued while held
	// acquire in ascending-priority order regardless of enqueue order.
	pm := NewPriorityMutex()
	pm.Lock(0)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	priorities := []int{5, -9, 3, -1, 0}
	started := make(chan struct{}, len(priorities))
	for _, p := range priorities {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			pm.Lock(p)
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			pm.Unlock()
		}()
	}
	for range priorities {
		<-started
	}
	time.Sleep(20 * time.Millisecond) // let all goroutines enqueue as waiters
	pm.Unlock()
	wg.Wait()

	assert.Equal(t, []int{-9, -1, 0, 3, 5}, order)
}

type stubModel struct {
	mu     sync.Mutex
	params map[string]*tensor.Dense
}

func (s *stubModel) Infer(inputs [][]float32) ([][]float32, []float32, error) {
	policy := make([][]float32, len(inputs))
	value := make([]float32, len(inputs))
	for i := range inputs {
		policy[i] = []float32{1}
		value[i] = 0
	}
	return policy, value, nil
}

func (s *stubModel) Parameters() map[string]*tensor.Dense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *stubModel) LoadParameters(p map[string]*tensor.Dense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return nil
}

var _ dualnet.Model = (*stubModel)(nil)

func TestUpdateModelClosesFirstUpdateGate(t *testing.T) {
	m := NewManager(&stubModel{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.WaitFirstUpdate(ctx) }()

	require.NoError(t, m.UpdateModel(map[string]*tensor.Dense{
		"policy.weight": tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{1})),
	}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitFirstUpdate did not return after UpdateModel")
	}
}

func TestBatchActReturnsModelOutput(t *testing.T) {
	m := NewManager(&stubModel{})
	policy, value, err := m.BatchAct(DefaultInferPriority, [][]float32{{1, 2, 3}})
	require.NoError(t, err)
	assert.Len(t, policy, 1)
	assert.Len(t, value, 1)
}

type fakePoller struct {
	mu      sync.Mutex
	version string
	params  map[string]*tensor.Dense
}

func (f *fakePoller) CurrentVersion(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "m1", f.version, nil
}

func (f *fakePoller) FetchStateDict(ctx context.Context, id string) (map[string]*tensor.Dense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params, nil
}

func TestRunUpdateThreadAppliesNewVersion(t *testing.T) {
	m := NewManager(&stubModel{})
	poller := &fakePoller{
		version: "v1",
		params: map[string]*tensor.Dense{
			"policy.weight": tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{1})),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.RunUpdateThread(ctx, poller, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, m.WaitFirstUpdate(waitCtx))
}

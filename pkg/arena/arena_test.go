package arena

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s := NewStorage(4)
	assert.Equal(t, 4, s.Cap())
	assert.Equal(t, 0, s.InUse())

	idx, err := s.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, s.InUse())

	s.Release(idx)
	assert.Equal(t, 0, s.InUse())
}

func TestAcquireExhaustion(t *testing.T) {
	s := NewStorage(2)
	_, err := s.Acquire()
	require.NoError(t, err)
	_, err = s.Acquire()
	require.NoError(t, err)

	_, err = s.Acquire()
	require.Error(t, err)
}

func TestFreeTreeReleasesAllReachableNodes(t *testing.T) {
	s := NewStorage(8)
	root, err := s.Acquire()
	require.NoError(t, err)
	s.Init(root, Nil, 1, nil)

	rootNode := s.Node(root)
	for i := 0; i < 3; i++ {
		child, err := s.Acquire()
		require.NoError(t, err)
		s.Init(child, root, uint64(i+2), nil)
		rootNode.FindOrCreateChild(ChildKey{Action: 0 + childAction(i)}, func() Index { return child })
	}
	require.Equal(t, 4, s.InUse())

	s.FreeTree(root)
	assert.Equal(t, 0, s.InUse())
}

func childAction(i int) (a int32) { return int32(i) }

func TestNodeVisitCountInvariant(t *testing.T) {
	// Invariant 1 (spec §8): N.visit_count == 1 + sum(children.visit_count)
	// once no rollout is in flight.
	s := NewStorage(4)
	root, err := s.Acquire()
	require.NoError(t, err)
	s.Init(root, Nil, 1, nil)
	rootNode := s.Node(root)

	child, err := s.Acquire()
	require.NoError(t, err)
	s.Init(child, root, 2, nil)
	childNode := s.Node(child)
	rootNode.FindOrCreateChild(ChildKey{Action: 0}, func() Index { return child })

	// One rollout expanding the root, then two rollouts through the child,
	// each backed up along the whole path.
	rootNode.Backup(0.1, 1)
	childNode.Backup(0.5, 1)
	rootNode.Backup(-0.5, 1)
	childNode.Backup(-0.2, 1)
	rootNode.Backup(0.2, 1)

	assert.Equal(t, uint32(3), rootNode.VisitCount())
	assert.Equal(t, uint32(2), childNode.VisitCount())
	assert.Equal(t, 1+childNode.VisitCount(), rootNode.VisitCount())
}

func TestConcurrentBackupMonotonic(t *testing.T) {
	// Invariant 2: no child visit count is ever decremented.
	s := NewStorage(2)
	root, err := s.Acquire()
	require.NoError(t, err)
	s.Init(root, Nil, 1, nil)
	n := s.Node(root)

	const rollouts = 200
	var wg sync.WaitGroup
	seen := make([]uint32, rollouts)
	var mu sync.Mutex
	for i := 0; i < rollouts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n.AddVirtualLoss(1)
			n.Backup(1, 1)
			mu.Lock()
			seen[i] = n.VisitCount()
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint32(rollouts), n.VisitCount())
	assert.Equal(t, uint32(0), n.VirtualLossCount())
}

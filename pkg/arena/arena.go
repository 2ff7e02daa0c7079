package arena

import (
	"sync"

	"github.com/corvidlabs/selfplay/game"
	"github.com/corvidlabs/selfplay/pkg/failure"
	"github.com/pkg/errors"
)

// Storage is a fixed-capacity arena of Nodes. Acquire/Release are
// thread-safe; FreeTree walks a subtree releasing every reachable node.
// Grounded on the teacher's MCTS.alloc/free/cleanup, generalized to a
// capacity that is never grown past (spec §4.A: "preallocates storageCap
// nodes").
type Storage struct {
	mu    sync.Mutex
	nodes []Node
	free  []Index
}

// NewStorage preallocates capacity nodes.
func NewStorage(capacity int) *Storage {
	s := &Storage{
		nodes: make([]Node, capacity),
		free:  make([]Index, capacity),
	}
	for i := 0; i < capacity; i++ {
		s.free[i] = Index(i)
		s.nodes[i].Children = make(map[ChildKey]Index, 4)
	}
	return s
}

// Cap returns the arena's fixed capacity.
func (s *Storage) Cap() int { return len(s.nodes) }

// Acquire pops a node off the free list and returns its index. It fails
// with a FatalConfig error once the arena is exhausted; the spec treats
// this as an abort condition, not something to retry or grow past.
func (s *Storage) Acquire() (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return Nil, failure.New(failure.FatalConfig, "arena.Acquire", errors.New("node storage capacity exhausted"))
	}
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return idx, nil
}

// Release returns idx to the free list. It does not reset the node;
// callers that reacquire it will see stale data until Init is called.
func (s *Storage) Release(idx Index) {
	s.mu.Lock()
	s.free = append(s.free, idx)
	s.mu.Unlock()
}

// Node returns a pointer to the node at idx. The backing slice is sized
// once at NewStorage and never reallocated, so this pointer stays valid
// for the arena's lifetime.
func (s *Storage) Node(idx Index) *Node {
	return &s.nodes[idx]
}

// Init acquires a node is not implied here; Init resets an
// already-acquired node's fields for reuse as parent's child.
func (s *Storage) Init(idx Index, parent Index, stateHash uint64, st game.State) {
	n := s.Node(idx)
	n.mu.Lock()
	n.reset(parent, stateHash)
	n.State = st
	n.mu.Unlock()
}

// FreeTree releases root and every node reachable from it back to the
// free list. It is a plain recursive walk (spec §4.A: "a linear sweep"
// per the arena's design notes), not a parallel one: freeing only
// happens between moves/games, off the hot rollout path.
func (s *Storage) FreeTree(root Index) {
	if root == Nil {
		return
	}
	n := s.Node(root)
	children := n.ChildIndices()
	for _, c := range children {
		s.FreeTree(c)
	}
	s.Release(root)
}

// InUse reports how many nodes are currently acquired, for diagnostics.
func (s *Storage) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes) - len(s.free)
}

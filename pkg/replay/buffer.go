// Package replay implements the fixed-capacity compressed replay buffer
// of spec.md §4.B: a circular slot array of ZSTD-compressed training
// samples, filled by self-play and drawn by the trainer via
// permutation-based sampling without replacement within a pass.
// Grounded on the teacher's agogo training-example accumulation
// (_examples/Elvenson-alphabeth/agogo.go, datatypes.go) generalized from
// an in-memory Example slice to a fixed-size, compressed, concurrent
// store, with compression and worker-pool concurrency borrowed from the
// rest of the pack (github.com/klauspost/compress/zstd,
// golang.org/x/sync/errgroup) since the teacher keeps examples
// uncompressed in a plain slice.
package replay

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/pkg/failure"
)

// Batch is a named set of per-sample tensors; the leading dimension of
// every tensor is the sample count.
type Batch map[string]*tensor.Dense

// DefaultWorkers is the fixed size of the decompression pool used by
// Sample, matching spec §4.B's "fixed size, default 8".
const DefaultWorkers = 8

// Buffer is a fixed-capacity, concurrency-safe replay buffer. The zero
// value is not usable; construct with NewBuffer.
type Buffer struct {
	capacity int
	workers  int
	slots    []atomic.Pointer[storedSlot]
	numAdd   uint64 // monotonic count of samples ever added

	schemaMu sync.Mutex
	schema   *schema

	permMu  sync.Mutex
	perm    []int
	permPos int
	permCap int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

type schema struct {
	names  []string
	fields map[string]fieldSchema
}

func (sc *schema) validate(names []string, batch Batch) error {
	if len(names) != len(sc.names) {
		return errors.Errorf("replay: field count mismatch: have %d, batch has %d", len(sc.names), len(names))
	}
	for i, name := range names {
		if sc.names[i] != name {
			return errors.Errorf("replay: field name mismatch at position %d: have %q, got %q", i, sc.names[i], name)
		}
		want := sc.fields[name]
		got := batch[name].Shape()
		if len(got) == 0 || !shapeTailEqual(want.ShapeTail, got[1:]) {
			return errors.Errorf("replay: shape mismatch for field %q: have tail %v, got %v", name, want.ShapeTail, got)
		}
	}
	return nil
}

// NewBuffer preallocates a capacity-slot buffer. workers <= 0 uses
// DefaultWorkers.
func NewBuffer(capacity, workers int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, errors.New("replay: capacity must be positive")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, failure.New(failure.FatalConfig, "replay.NewBuffer", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, failure.New(failure.FatalConfig, "replay.NewBuffer", err)
	}
	return &Buffer{
		capacity: capacity,
		workers:  workers,
		slots:    make([]atomic.Pointer[storedSlot], capacity),
		enc:      enc,
		dec:      dec,
	}, nil
}

// Cap returns the buffer's fixed slot count.
func (b *Buffer) Cap() int { return b.capacity }

// Size reports how many slots currently hold a sample (<= Cap()).
func (b *Buffer) Size() int {
	total := atomic.LoadUint64(&b.numAdd)
	if int(total) > b.capacity {
		return b.capacity
	}
	return int(total)
}

// Add appends every sample in batch, compressing each field independently.
// The first call fixes the buffer's schema (field names, per-sample shape
// tail); later calls with a different schema fail fast rather than
// silently reinterpreting bytes (spec §4.B: "the first add records the
// schema; later adds with a different schema are rejected").
func (b *Buffer) Add(batch Batch) error {
	if len(batch) == 0 {
		return errors.New("replay: empty batch")
	}
	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	sort.Strings(names)

	n := -1
	for _, name := range names {
		shp := batch[name].Shape()
		if len(shp) == 0 {
			return errors.Errorf("replay: field %q has no leading sample dimension", name)
		}
		if n == -1 {
			n = shp[0]
		} else if shp[0] != n {
			return errors.Errorf("replay: field %q sample count %d does not match %d", name, shp[0], n)
		}
	}

	sc, err := b.schemaFor(names, batch)
	if err != nil {
		return failure.New(failure.FatalConfig, "replay.Add", err)
	}

	backings := make(map[string][]float32, len(names))
	for _, name := range names {
		data, ok := batch[name].Data().([]float32)
		if !ok {
			return errors.Errorf("replay: field %q is not float32-backed", name)
		}
		backings[name] = data
	}

	for i := 0; i < n; i++ {
		sl := &storedSlot{fields: make(map[string][]byte, len(names))}
		for _, name := range names {
			size := sc.fields[name].sampleSize()
			raw := float32ToBytes(backings[name][i*size : (i+1)*size])
			sl.fields[name] = b.enc.EncodeAll(raw, nil)
		}
		slotNum := atomic.AddUint64(&b.numAdd, 1) - 1
		pos := int(slotNum % uint64(b.capacity))
		b.slots[pos].Store(sl)
	}
	return nil
}

func (b *Buffer) schemaFor(names []string, batch Batch) (*schema, error) {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if b.schema == nil {
		sc := &schema{names: names, fields: make(map[string]fieldSchema, len(names))}
		for _, name := range names {
			shp := batch[name].Shape()
			sc.fields[name] = fieldSchema{ShapeTail: append([]int{}, shp[1:]...), Dtype: "float32"}
		}
		b.schema = sc
		return sc, nil
	}
	if err := b.schema.validate(names, batch); err != nil {
		return nil, err
	}
	return b.schema, nil
}

// sampleIndices draws k slot positions without replacement within a pass
// over the buffer's currently-filled range, reshuffling the permutation
// once exhausted or once the filled range grows (spec §4.B: "sampling
// draws without replacement within a pass; passes reshuffle"). If k
// exceeds the number of filled slots, sampling wraps into further
// reshuffled passes rather than returning fewer than k indices (spec
// §4.B: "If fewer than k slots have ever been filled, sample wraps
// around to the available range"), so an index can recur within the
// same Sample call.
func (b *Buffer) sampleIndices(k int) []int {
	b.permMu.Lock()
	defer b.permMu.Unlock()

	size := b.Size()
	if size == 0 {
		return nil
	}

	out := make([]int, 0, k)
	for len(out) < k {
		if b.perm == nil || b.permPos >= len(b.perm) || b.permCap != size {
			b.perm = rand.Perm(size)
			b.permPos = 0
			b.permCap = size
		}
		remaining := k - len(out)
		avail := len(b.perm) - b.permPos
		take := remaining
		if avail < take {
			take = avail
		}
		out = append(out, b.perm[b.permPos:b.permPos+take]...)
		b.permPos += take
	}
	return out
}

// Sample draws k samples uniformly without replacement (within the
// current pass) and decompresses them concurrently across a fixed-size
// worker pool, reassembling a Batch. Decompression is parallelized
// per (sample, field) pair to hide ZSTD latency, bounded to b.workers
// concurrent goroutines via errgroup (spec §4.B: "a background worker
// pool, fixed size default 8").
func (b *Buffer) Sample(k int) (Batch, error) {
	if k <= 0 {
		return nil, errors.New("replay: k must be positive")
	}
	b.schemaMu.Lock()
	sc := b.schema
	b.schemaMu.Unlock()
	if sc == nil {
		return nil, errors.New("replay: buffer is empty")
	}

	indices := b.sampleIndices(k)
	if len(indices) == 0 {
		return nil, errors.New("replay: buffer is empty")
	}
	k = len(indices)

	slots := make([]*storedSlot, k)
	for i, idx := range indices {
		sl := b.slots[idx].Load()
		if sl == nil {
			return nil, errors.Errorf("replay: sampled slot %d was never filled", idx)
		}
		slots[i] = sl
	}

	out := make(map[string][]float32, len(sc.names))
	for _, name := range sc.names {
		out[name] = make([]float32, k*sc.fields[name].sampleSize())
	}

	g := new(errgroup.Group)
	g.SetLimit(b.workers)
	for i, sl := range slots {
		i, sl := i, sl
		for _, name := range sc.names {
			name := name
			g.Go(func() error {
				raw, err := b.dec.DecodeAll(sl.fields[name], nil)
				if err != nil {
					return failure.New(failure.FatalConfig, "replay.Sample", err)
				}
				vals := bytesToFloat32(raw)
				size := sc.fields[name].sampleSize()
				copy(out[name][i*size:(i+1)*size], vals)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := make(Batch, len(sc.names))
	for _, name := range sc.names {
		shape := append([]int{k}, sc.fields[name].ShapeTail...)
		batch[name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out[name]))
	}
	return batch, nil
}

// Close releases the buffer's shared ZSTD encoder/decoder.
func (b *Buffer) Close() {
	b.enc.Close()
	b.dec.Close()
}

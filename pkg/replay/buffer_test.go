package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func makeBatch(n int, featSize int, seed float32) Batch {
	feat := make([]float32, n*featSize)
	val := make([]float32, n)
	for i := range feat {
		feat[i] = seed + float32(i)
	}
	for i := range val {
		val[i] = seed + float32(i)
	}
	return Batch{
		"features": tensor.New(tensor.WithShape(n, featSize), tensor.WithBacking(feat)),
		"value":    tensor.New(tensor.WithShape(n), tensor.WithBacking(val)),
	}
}

func TestAddSampleRoundTripIsBitIdentical(t *testing.T) {
	// Invariant 5 / scenario S3: a sample drawn back out of the buffer is
	// bit-identical to what was added, after the ZSTD compress/decompress
	// round trip.
	b, err := NewBuffer(4, 2)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Add(makeBatch(4, 3, 10)))

	out, err := b.Sample(4)
	require.NoError(t, err)

	gotFeat := out["features"].Data().([]float32)
	gotVal := out["value"].Data().([]float32)

	seen := make(map[float32]bool)
	for _, v := range gotVal {
		seen[v] = true
	}
	for i := 0; i < 4; i++ {
		assert.True(t, seen[10+float32(i)])
	}
	assert.Len(t, gotFeat, 12)
}

func TestSampleWithoutReplacementWithinPass(t *testing.T) {
	b, err := NewBuffer(4, 2)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Add(makeBatch(4, 1, 0)))

	out, err := b.Sample(4)
	require.NoError(t, err)
	vals := out["value"].Data().([]float32)
	seen := make(map[float32]bool, 4)
	for _, v := range vals {
		assert.False(t, seen[v], "value %v sampled twice within one pass", v)
		seen[v] = true
	}
}

func TestAddWraparoundOverwritesOldestSlots(t *testing.T) {
	b, err := NewBuffer(2, 2)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Add(makeBatch(2, 1, 0)))
	require.NoError(t, b.Add(makeBatch(2, 1, 100)))
	assert.Equal(t, 2, b.Size())

	out, err := b.Sample(2)
	require.NoError(t, err)
	vals := out["value"].Data().([]float32)
	for _, v := range vals {
		assert.GreaterOrEqual(t, v, float32(100))
	}
}

func TestAddRejectsMismatchedSchema(t *testing.T) {
	b, err := NewBuffer(4, 2)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Add(makeBatch(2, 3, 0)))
	err = b.Add(makeBatch(2, 5, 0))
	assert.Error(t, err)
}

func TestSampleOnEmptyBufferErrors(t *testing.T) {
	b, err := NewBuffer(4, 2)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Sample(1)
	assert.Error(t, err)
}

func TestSampleWrapsAroundWhenKExceedsFilledSlots(t *testing.T) {
	b, err := NewBuffer(8, 2)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Add(makeBatch(3, 1, 0)))

	out, err := b.Sample(100)
	require.NoError(t, err)
	got := out["value"].Data().([]float32)
	assert.Len(t, got, 100, "k > filled slots must wrap around reshuffled passes, not truncate")
	for _, v := range got {
		assert.True(t, v == 0 || v == 1 || v == 2, "every drawn value must come from the 3 filled slots")
	}
}

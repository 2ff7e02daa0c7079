package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/pkg/registry"
	"github.com/corvidlabs/selfplay/pkg/replay"
)

// startRegistryServer binds a registry.Server to addr in the background
// and gives it a moment to start listening before returning.
func startRegistryServer(t *testing.T, ctx context.Context, reg *registry.Registry, buf *replay.Buffer, addr string) {
	t.Helper()
	server := registry.NewServer(reg, func(b replay.Batch) error { return buf.Add(b) }, buf)
	go func() { _ = server.Serve(ctx, addr) }()
	time.Sleep(50 * time.Millisecond)
}

func TestCurrentVersionAndFetchStateDict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	reg.Register("opponent-1", map[string]*tensor.Dense{
		"w": tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 2})),
	}, 0)
	buf, err := replay.NewBuffer(8, 1)
	require.NoError(t, err)
	defer buf.Close()

	addr := "127.0.0.1:27801"
	startRegistryServer(t, ctx, reg, buf, addr)

	client, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	id, _, err := client.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	dict, err := client.FetchStateDict(ctx, "opponent-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, dict["w"].Data().([]float32))
}

func TestAddAndSampleRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	buf, err := replay.NewBuffer(8, 1)
	require.NoError(t, err)
	defer buf.Close()

	addr := "127.0.0.1:27802"
	startRegistryServer(t, ctx, reg, buf, addr)

	client, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	batch := replay.Batch{
		"features": tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{3, 4})),
	}
	require.NoError(t, client.Add(batch))

	got, err := client.Sample(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got["features"].Data().([]float32))
}

func TestRecordResultFlushesOnNextPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	reg.Register("opponent-1", nil, 0)
	buf, err := replay.NewBuffer(8, 1)
	require.NoError(t, err)
	defer buf.Close()

	addr := "127.0.0.1:27803"
	startRegistryServer(t, ctx, reg, buf, addr)

	client, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	client.RecordResult(1, []registry.Opponent{{ModelID: "opponent-1", Ratio: 1.0}})
	_, _, err = client.CurrentVersion(ctx)
	require.NoError(t, err)

	var found bool
	for _, e := range reg.Snapshot() {
		if e.ID == "opponent-1" {
			found = true
			assert.Equal(t, 1, e.NGames)
		}
	}
	assert.True(t, found)
}

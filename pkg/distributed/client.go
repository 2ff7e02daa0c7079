// Package distributed implements the client side of spec.md §4.G: a
// polling client that asks the registry server for the current
// opponent/model id and version, pulls state dicts on change, buffers
// game results and flushes them with the next poll, and forwards
// training batches over the trainData RPC. Grounded on the teacher's
// Agent.SwitchToInference (_examples/Elvenson-alphabeth/agent.go), which
// is the direct precedent for "swap the live model under a lock",
// adapted here to a network boundary instead of an in-process call.
package distributed

import (
	"context"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/pkg/registry"
	"github.com/corvidlabs/selfplay/pkg/replay"
	"github.com/corvidlabs/selfplay/pkg/rpc"
	"github.com/corvidlabs/selfplay/pkg/transport"
)

// wire-shared request/reply shapes, kept in sync with pkg/registry's
// server-side envelope (not exported from there to avoid a server<->client
// import cycle).
type requestModelArgs struct {
	WantsNew  bool
	CurrentID string
}

type requestModelReply struct {
	ID      string
	Version int
}

type gameResultArgs struct {
	Reward    float64
	Opponents []registry.Opponent
}

type wireTensor struct {
	Shape   []int
	Backing []float32
}

type wireBatch map[string]wireTensor

func (a requestModelArgs) MarshalWire(e *rpc.Encoder) {
	e.PutBool(a.WantsNew)
	e.PutString(a.CurrentID)
}

func (r *requestModelReply) UnmarshalWire(d *rpc.Decoder) error {
	id, err := d.String()
	if err != nil {
		return err
	}
	version, err := d.Int64()
	if err != nil {
		return err
	}
	r.ID, r.Version = id, int(version)
	return nil
}

func (a gameResultArgs) MarshalWire(e *rpc.Encoder) {
	e.PutFloat64(a.Reward)
	e.PutUint32(uint32(len(a.Opponents)))
	for _, opp := range a.Opponents {
		opp.MarshalWire(e)
	}
}

func (t wireTensor) MarshalWire(e *rpc.Encoder) {
	e.PutIntSlice(t.Shape)
	e.PutFloat32Slice(t.Backing)
}

func (t *wireTensor) UnmarshalWire(d *rpc.Decoder) error {
	shape, err := d.IntSlice()
	if err != nil {
		return err
	}
	backing, err := d.Float32Slice()
	if err != nil {
		return err
	}
	t.Shape, t.Backing = shape, backing
	return nil
}

func (b wireBatch) MarshalWire(e *rpc.Encoder) {
	e.PutUint32(uint32(len(b)))
	for name, t := range b {
		e.PutString(name)
		t.MarshalWire(e)
	}
}

func (b *wireBatch) UnmarshalWire(d *rpc.Decoder) error {
	n, err := d.Uint32()
	if err != nil {
		return err
	}
	out := make(wireBatch, n)
	for i := uint32(0); i < n; i++ {
		name, err := d.String()
		if err != nil {
			return err
		}
		var t wireTensor
		if err := t.UnmarshalWire(d); err != nil {
			return err
		}
		out[name] = t
	}
	*b = out
	return nil
}

func wireToTensorMap(wire wireBatch) map[string]*tensor.Dense {
	out := make(map[string]*tensor.Dense, len(wire))
	for name, wt := range wire {
		out[name] = tensor.New(tensor.WithShape(wt.Shape...), tensor.WithBacking(wt.Backing))
	}
	return out
}

func tensorMapToWire(dict map[string]*tensor.Dense) wireBatch {
	out := make(wireBatch, len(dict))
	for name, t := range dict {
		out[name] = wireTensor{Shape: []int(t.Shape()), Backing: t.Data().([]float32)}
	}
	return out
}

// pendingResult is one buffered gameResult call awaiting the next poll.
type pendingResult struct {
	reward    float64
	opponents []registry.Opponent
}

// Client connects to a registry.Server over RPC and implements
// pkg/model's VersionPoller, SampleSource, and Sink interfaces so a
// model.Manager can be configured transparently for either local or
// distributed operation.
type Client struct {
	peer *rpc.Peer
	conn *transport.Conn

	logger *log.Logger
	cache  *lru.Cache[string, map[string]*tensor.Dense]

	mu        sync.Mutex
	pending   []pendingResult
	currentID string
}

// Dial connects to a registry server at endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	conn := transport.Dial(ctx, endpoint)
	peer, err := rpc.NewPeer(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	cache, _ := lru.New[string, map[string]*tensor.Dense](8)
	return &Client{
		peer:      peer,
		conn:      conn,
		logger:    log.Default().WithPrefix("distributed"),
		cache:     cache,
		currentID: registry.DevID,
	}, nil
}

// Close tears down the peer and its transport.
func (c *Client) Close() error {
	_ = c.peer.Close()
	return c.conn.Close()
}

// CurrentVersion implements model.VersionPoller: polls requestModel
// with wantsNew=true, flushing any buffered game results first (spec
// §4.G: "Client-side: ... buffers results and flushes them with the
// next poll.").
func (c *Client) CurrentVersion(ctx context.Context) (id string, version string, err error) {
	c.flushResults(ctx)

	var reply requestModelReply
	if err := c.peer.Call(ctx, registry.FuncRequestModel, &reply, requestModelArgs{WantsNew: true, CurrentID: c.currentID}); err != nil {
		return "", "", err
	}
	c.mu.Lock()
	c.currentID = reply.ID
	c.mu.Unlock()
	return reply.ID, strconv.Itoa(reply.Version), nil
}

// FetchStateDict implements model.VersionPoller.
func (c *Client) FetchStateDict(ctx context.Context, id string) (map[string]*tensor.Dense, error) {
	if dict, ok := c.cache.Get(id); ok {
		return dict, nil
	}
	var wire wireBatch
	if err := c.peer.Call(ctx, registry.FuncRequestStateDict, &wire, id); err != nil {
		return nil, err
	}
	dict := wireToTensorMap(wire)
	c.cache.Add(id, dict)
	return dict, nil
}

// Sample implements model.SampleSource by issuing the sampleReplay RPC,
// which draws k samples from the server's replay buffer; spec §4.C routes
// Sample through the local buffer or a remote endpoint interchangeably.
func (c *Client) Sample(k int) (replay.Batch, error) {
	ctx := context.Background()
	var wire wireBatch
	if err := c.peer.Call(ctx, registry.FuncSampleReplay, &wire, k); err != nil {
		return nil, err
	}
	return replay.Batch(wireToTensorMap(wire)), nil
}

// Add implements model.Sink: forwards a finished training batch to the
// server's replay pipeline via trainData (spec §4.G: "trainData(bytes):
// append to the server's replay pipeline").
func (c *Client) Add(batch replay.Batch) error {
	ctx := context.Background()
	return c.peer.Call(ctx, registry.FuncTrainData, nil, tensorMapToWire(batch))
}

// RecordResult buffers one game's (reward, opponents) pair for the next
// poll to flush (spec §4.G).
func (c *Client) RecordResult(reward float64, opponents []registry.Opponent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, pendingResult{reward: reward, opponents: opponents})
}

func (c *Client) flushResults(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, pr := range batch {
		if err := c.peer.Call(ctx, registry.FuncGameResult, nil, gameResultArgs{Reward: pr.reward, Opponents: pr.opponents}); err != nil {
			c.logger.Warn("flush game result failed", "error", err)
		}
	}
}

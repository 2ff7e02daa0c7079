package registry

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"gorgonia.org/tensor"

	"github.com/corvidlabs/selfplay/pkg/replay"
	"github.com/corvidlabs/selfplay/pkg/rpc"
	"github.com/corvidlabs/selfplay/pkg/transport"
)

// Function names on the RPC surface, matching spec §4.G verbatim, plus
// sampleReplay: spec §4.C's "Sample(k) delegates to the local replay
// buffer, or issues an RPC if a remote buffer endpoint is configured"
// needs a distinct call from trainData's one-way append.
const (
	FuncRequestModel     = "requestModel"
	FuncRequestStateDict = "requestStateDict"
	FuncTrainData        = "trainData"
	FuncGameResult       = "gameResult"
	FuncSampleReplay     = "sampleReplay"
)

// requestModelArgs/requestModelReply are the wire shapes for the
// requestModel RPC, composed explicitly via MarshalWire/UnmarshalWire.
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
	Opponents []Opponent
}

func (a requestModelArgs) MarshalWire(e *rpc.Encoder) {
	e.PutBool(a.WantsNew)
	e.PutString(a.CurrentID)
}

func (a *requestModelArgs) UnmarshalWire(d *rpc.Decoder) error {
	wantsNew, err := d.Bool()
	if err != nil {
		return err
	}
	currentID, err := d.String()
	if err != nil {
		return err
	}
	a.WantsNew, a.CurrentID = wantsNew, currentID
	return nil
}

func (r requestModelReply) MarshalWire(e *rpc.Encoder) {
	e.PutString(r.ID)
	e.PutInt64(int64(r.Version))
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

func (a *gameResultArgs) UnmarshalWire(d *rpc.Decoder) error {
	reward, err := d.Float64()
	if err != nil {
		return err
	}
	n, err := d.Uint32()
	if err != nil {
		return err
	}
	opponents := make([]Opponent, n)
	for i := range opponents {
		if err := opponents[i].UnmarshalWire(d); err != nil {
			return err
		}
	}
	a.Reward, a.Opponents = reward, opponents
	return nil
}

// Server hosts a Registry over pkg/rpc/pkg/transport, feeding decoded
// trainData payloads into onTrainData (spec §4.C: "the server's caller
// provides an onTrainData callback").
type Server struct {
	reg         *Registry
	onTrainData func(replay.Batch) error
	buf         *replay.Buffer
	logger      *log.Logger
}

// NewServer builds a Server over reg. onTrainData may be nil, in which
// case trainData calls are accepted and discarded. buf, if non-nil,
// backs sampleReplay calls from remote clients.
func NewServer(reg *Registry, onTrainData func(replay.Batch) error, buf *replay.Buffer) *Server {
	return &Server{reg: reg, onTrainData: onTrainData, buf: buf, logger: log.Default().WithPrefix("registry")}
}

// Serve binds endpoint and services peers until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, endpoint string) error {
	ln, err := transport.Listen(endpoint)
	if err != nil {
		return err
	}
	s.logger.Info("listening", "endpoint", ln.Addr().String())
	return ln.Serve(ctx, func(conn *transport.Conn) {
		peer, err := rpc.NewPeer(ctx, conn)
		if err != nil {
			s.logger.Error("failed to establish peer", "error", err)
			return
		}
		s.register(peer)
	})
}

func (s *Server) register(peer *rpc.Peer) {
	peer.Register(FuncRequestModel, func(ctx context.Context, args *rpc.Args) (interface{}, error) {
		var req requestModelArgs
		if err := args.Decode(&req); err != nil {
			return nil, err
		}
		id, version, err := s.reg.RequestModel(req.WantsNew, req.CurrentID)
		if err != nil {
			return nil, err
		}
		return requestModelReply{ID: id, Version: version}, nil
	})

	peer.Register(FuncRequestStateDict, func(ctx context.Context, args *rpc.Args) (interface{}, error) {
		var id string
		if err := args.Decode(&id); err != nil {
			return nil, err
		}
		dict, ok := s.reg.RequestStateDict(id)
		if !ok {
			return nil, fmt.Errorf("registry: unknown model id %q", id)
		}
		return tensorMapToWire(dict), nil
	})

	peer.Register(FuncTrainData, func(ctx context.Context, args *rpc.Args) (interface{}, error) {
		var wire wireBatch
		if err := args.Decode(&wire); err != nil {
			return nil, err
		}
		if s.onTrainData == nil {
			return nil, nil
		}
		return nil, s.onTrainData(replay.Batch(wireToTensorMap(wire)))
	})

	peer.Register(FuncSampleReplay, func(ctx context.Context, args *rpc.Args) (interface{}, error) {
		var k int
		if err := args.Decode(&k); err != nil {
			return nil, err
		}
		if s.buf == nil {
			return nil, fmt.Errorf("registry: no replay buffer configured on this server")
		}
		batch, err := s.buf.Sample(k)
		if err != nil {
			return nil, err
		}
		return batchToWire(batch), nil
	})

	peer.Register(FuncGameResult, func(ctx context.Context, args *rpc.Args) (interface{}, error) {
		var req gameResultArgs
		if err := args.Decode(&req); err != nil {
			return nil, err
		}
		s.reg.GameResult(req.Reward, req.Opponents)
		return nil, nil
	})
}

// wireTensor/wireBatch are explicit-wire stand-ins for tensor.Dense
// (tensor.Dense's unexported internals aren't something this package
// composes by hand), carrying shape + backing slice only, matching
// §4.H's "tensors are serialized by the external tensor library's own
// save/load" in spirit: the payload is exactly what Dense.Data()/Shape()
// expose.
type wireTensor struct {
	Shape   []int
	Backing []float32
}

type wireBatch map[string]wireTensor

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

func tensorMapToWire(dict map[string]*tensor.Dense) wireBatch {
	out := make(wireBatch, len(dict))
	for name, t := range dict {
		out[name] = wireTensor{Shape: []int(t.Shape()), Backing: t.Data().([]float32)}
	}
	return out
}

func wireToTensorMap(wire wireBatch) map[string]*tensor.Dense {
	out := make(map[string]*tensor.Dense, len(wire))
	for name, wt := range wire {
		out[name] = tensor.New(tensor.WithShape(wt.Shape...), tensor.WithBacking(wt.Backing))
	}
	return out
}

func batchToWire(b replay.Batch) wireBatch {
	return tensorMapToWire(b)
}

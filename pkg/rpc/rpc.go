// Package rpc implements the request/reply substrate of spec.md §4.H
// over pkg/transport: a per-call 32-bit id + function-name string +
// positional arguments, each message ZSTD-compressed; status-byte error
// encoding (0x00 ok, 0xfe remote exception, 0xff unknown function);
// sync and future-returning async client variants; typed server-side
// handler registration decoded positionally. Grounded on
// _examples/lox-pokerforbots/internal/protocol's message-type switch
// dispatch shape, generalized here from msgpack-per-message-type to the
// positional (id, funcname, args...) wire format §4.H specifies, with
// the envelope and every argument composed explicitly via wire.go
// instead of a reflection-based codec (spec §4.H: "serialization is by
// composition").
package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/corvidlabs/selfplay/pkg/failure"
	"github.com/corvidlabs/selfplay/pkg/transport"
)

// Status bytes, per spec §4.H.
const (
	StatusOK              byte = 0x00
	StatusRemoteException byte = 0xfe
	StatusUnknownFunction byte = 0xff
)

// envelope is the wire-level request/reply shape: a call id, the
// function name (empty on replies), the status byte (replies only),
// and the explicitly-composed argument/return payload. Composition
// follows spec §4.H's "primitives are raw bytes; container sizes are
// length-prefixed": the envelope's own fields are written with
// wire.go's Encoder before the whole frame is ZSTD-compressed.
type envelope struct {
	ID       uint32
	FuncName string
	Status   byte
	Payload  []byte
}

func encodeEnvelope(env envelope, enc *zstd.Encoder) ([]byte, error) {
	e := NewEncoder()
	e.PutUint32(env.ID)
	e.PutString(env.FuncName)
	e.PutByte(env.Status)
	e.PutBytes(env.Payload)
	return enc.EncodeAll(e.Bytes(), nil), nil
}

func decodeEnvelope(frame []byte, dec *zstd.Decoder) (envelope, error) {
	raw, err := dec.DecodeAll(frame, nil)
	if err != nil {
		return envelope{}, errors.WithStack(err)
	}
	d := NewDecoder(raw)
	id, err := d.Uint32()
	if err != nil {
		return envelope{}, errors.WithStack(err)
	}
	funcName, err := d.String()
	if err != nil {
		return envelope{}, errors.WithStack(err)
	}
	status, err := d.Byte()
	if err != nil {
		return envelope{}, errors.WithStack(err)
	}
	payload, err := d.Bytes()
	if err != nil {
		return envelope{}, errors.WithStack(err)
	}
	return envelope{ID: id, FuncName: funcName, Status: status, Payload: payload}, nil
}

// Handler services one registered function: it receives the decoded
// argument payload and returns a wire-encodable reply or an error. N
// argument types, one return type per spec §4.H; positional decoding
// happens inside the handler via Args.Decode.
type Handler func(ctx context.Context, args *Args) (interface{}, error)

// Args wraps the positional argument payload for a single call so
// handlers can decode exactly the types they expect, in order.
type Args struct {
	dec *Decoder
}

// Decode pulls the next positional argument into out. out must be a
// pointer to one of the supported primitive types or implement
// Unmarshaler; caller and callee must agree on argument order and type,
// same as the positional contract this replaces.
func (a *Args) Decode(out interface{}) error {
	return decodeValue(a.dec, out)
}

// argWriter accumulates positional call arguments for the client side.
type argWriter struct {
	enc *Encoder
}

func newArgWriter() *argWriter {
	return &argWriter{enc: NewEncoder()}
}

func (w *argWriter) put(v interface{}) error {
	return putValue(w.enc, v)
}

// putValue composes v's wire representation onto e: a fixed set of
// primitive types written directly, or any type implementing Marshaler
// composing its own encoding.
func putValue(e *Encoder, v interface{}) error {
	switch val := v.(type) {
	case string:
		e.PutString(val)
	case int:
		e.PutInt64(int64(val))
	case int32:
		e.PutInt32(val)
	case int64:
		e.PutInt64(val)
	case float32:
		e.PutFloat32(val)
	case float64:
		e.PutFloat64(val)
	case bool:
		e.PutBool(val)
	case Marshaler:
		val.MarshalWire(e)
	default:
		return errors.Errorf("rpc: %T does not implement wire.Marshaler", v)
	}
	return nil
}

// decodeValue reads out's wire representation off d: a fixed set of
// primitive pointer types read directly, or any pointer implementing
// Unmarshaler decoding its own fields.
func decodeValue(d *Decoder, out interface{}) error {
	switch p := out.(type) {
	case *string:
		v, err := d.String()
		if err != nil {
			return errors.WithStack(err)
		}
		*p = v
	case *int:
		v, err := d.Int64()
		if err != nil {
			return errors.WithStack(err)
		}
		*p = int(v)
	case *int32:
		v, err := d.Int32()
		if err != nil {
			return errors.WithStack(err)
		}
		*p = v
	case *int64:
		v, err := d.Int64()
		if err != nil {
			return errors.WithStack(err)
		}
		*p = v
	case *float32:
		v, err := d.Float32()
		if err != nil {
			return errors.WithStack(err)
		}
		*p = v
	case *float64:
		v, err := d.Float64()
		if err != nil {
			return errors.WithStack(err)
		}
		*p = v
	case *bool:
		v, err := d.Bool()
		if err != nil {
			return errors.WithStack(err)
		}
		*p = v
	case Unmarshaler:
		return errors.WithStack(p.UnmarshalWire(d))
	default:
		return errors.Errorf("rpc: %T does not implement wire.Unmarshaler", out)
	}
	return nil
}

// Peer is one side of an RPC connection: it can both call remote
// functions and serve locally registered ones over the same *transport.Conn.
type Peer struct {
	conn *transport.Conn
	zenc *zstd.Encoder
	zdec *zstd.Decoder

	nextID  uint32
	logger  *log.Logger

	mu      sync.Mutex
	pending map[uint32]chan envelope
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeer wraps conn with the RPC request/reply protocol and starts its
// dispatch loop. The caller owns conn's lifecycle.
func NewPeer(ctx context.Context, conn *transport.Conn) (*Peer, error) {
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	p := &Peer{
		conn:     conn,
		zenc:     zenc,
		zdec:     zdec,
		logger:   log.Default().WithPrefix("rpc"),
		pending:  make(map[uint32]chan envelope),
		handlers: make(map[string]Handler),
		ctx:      cctx,
		cancel:   cancel,
	}
	go p.dispatchLoop()
	return p, nil
}

// Register installs handler for funcname. Calls to an unregistered
// name reply with StatusUnknownFunction.
func (p *Peer) Register(funcname string, h Handler) {
	p.mu.Lock()
	p.handlers[funcname] = h
	p.mu.Unlock()
}

// dispatchLoop routes every inbound frame to either a pending call's
// reply channel or, for requests (FuncName != ""), to a registered
// handler run in its own goroutine so one slow handler never blocks
// other inbound traffic (spec: "RPC replies are not required to
// preserve request order, only correctness by id").
func (p *Peer) dispatchLoop() {
	for {
		frame, err := p.conn.Receive(p.ctx)
		if err != nil {
			p.failAllPending(err)
			return
		}
		env, err := decodeEnvelope(frame, p.zdec)
		if err != nil {
			p.logger.Error("malformed frame", "error", err)
			continue
		}
		if env.FuncName == "" {
			p.mu.Lock()
			ch, ok := p.pending[env.ID]
			if ok {
				delete(p.pending, env.ID)
			}
			p.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		go p.serve(env)
	}
}

func (p *Peer) serve(req envelope) {
	p.mu.Lock()
	h, ok := p.handlers[req.FuncName]
	p.mu.Unlock()

	reply := envelope{ID: req.ID}
	if !ok {
		reply.Status = StatusUnknownFunction
		p.send(reply)
		return
	}

	args := &Args{dec: NewDecoder(req.Payload)}
	ret, err := h(p.ctx, args)
	if err != nil {
		reply.Status = StatusRemoteException
		w := newArgWriter()
		_ = w.put(err.Error())
		reply.Payload = w.enc.Bytes()
		p.send(reply)
		return
	}
	reply.Status = StatusOK
	if ret != nil {
		w := newArgWriter()
		if err := w.put(ret); err != nil {
			reply.Status = StatusRemoteException
			w2 := newArgWriter()
			_ = w2.put(err.Error())
			reply.Payload = w2.enc.Bytes()
			p.send(reply)
			return
		}
		reply.Payload = w.enc.Bytes()
	}
	p.send(reply)
}

func (p *Peer) send(env envelope) {
	frame, err := encodeEnvelope(env, p.zenc)
	if err != nil {
		p.logger.Error("encode failed", "error", err)
		return
	}
	if err := p.conn.Send(p.ctx, frame); err != nil {
		p.logger.Debug("send failed", "error", err)
	}
}

func (p *Peer) failAllPending(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		delete(p.pending, id)
		ch <- envelope{ID: id, Status: StatusRemoteException, Payload: mustEncodeString(connClosedMsg(err))}
	}
}

func connClosedMsg(err error) string {
	return fmt.Sprintf("rpc: connection closed: %v", err)
}

func mustEncodeString(s string) []byte {
	e := NewEncoder()
	e.PutString(s)
	return e.Bytes()
}

// Future is an in-flight async call's eventual reply.
type Future struct {
	ch chan envelope
}

// Get blocks for the reply and returns its error status; any return
// value in the reply is discarded (use GetInto to decode it).
func (f *Future) Get(ctx context.Context) error {
	select {
	case env := <-f.ch:
		return decodeReply(env, nil)
	case <-ctx.Done():
		return failure.New(failure.TransientNetwork, "rpc.Future.Get", ctx.Err())
	}
}

// GetInto blocks for the reply and decodes its return value into out.
func (f *Future) GetInto(ctx context.Context, out interface{}) error {
	select {
	case env := <-f.ch:
		return decodeReply(env, out)
	case <-ctx.Done():
		return failure.New(failure.TransientNetwork, "rpc.Future.Get", ctx.Err())
	}
}

func decodeReply(env envelope, out interface{}) error {
	switch env.Status {
	case StatusOK:
		if out == nil || len(env.Payload) == 0 {
			return nil
		}
		return decodeValue(NewDecoder(env.Payload), out)
	case StatusUnknownFunction:
		return failure.New(failure.RemoteError, "rpc.call", errors.New("unknown function"))
	case StatusRemoteException:
		var msg string
		_ = decodeValue(NewDecoder(env.Payload), &msg)
		return failure.New(failure.RemoteError, "rpc.call", errors.New(msg))
	default:
		return failure.New(failure.RemoteError, "rpc.call", fmt.Errorf("unknown status byte 0x%02x", env.Status))
	}
}

// CallAsync dispatches funcname(args...) and returns a Future for its
// reply without blocking on the network round trip.
func (p *Peer) CallAsync(ctx context.Context, funcname string, args ...interface{}) (*Future, error) {
	id := atomic.AddUint32(&p.nextID, 1)
	w := newArgWriter()
	for _, a := range args {
		if err := w.put(a); err != nil {
			return nil, err
		}
	}
	ch := make(chan envelope, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	env := envelope{ID: id, FuncName: funcname, Payload: w.enc.Bytes()}
	frame, err := encodeEnvelope(env, p.zenc)
	if err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, err
	}
	if err := p.conn.Send(ctx, frame); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, err
	}
	return &Future{ch: ch}, nil
}

// Call dispatches funcname(args...) and blocks for the decoded reply.
func (p *Peer) Call(ctx context.Context, funcname string, out interface{}, args ...interface{}) error {
	f, err := p.CallAsync(ctx, funcname, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return f.Get(ctx)
	}
	return f.GetInto(ctx, out)
}

// Close stops the dispatch loop. It does not close the underlying
// transport.Conn, which the caller owns.
func (p *Peer) Close() error {
	p.cancel()
	return nil
}

// idBytes encodes id as the plain big-endian uint32 used on the wire,
// independent of envelope framing.
func idBytes(id uint32) []byte {
	e := NewEncoder()
	e.PutUint32(id)
	return e.Bytes()
}

// Package transport implements the length-prefixed framed TCP substrate
// of spec.md §4.H: per-peer reconnect with exponential backoff capped at
// 30s, a resolver indirection for hostnames, and clean teardown on
// close. Grounded on _examples/lox-pokerforbots/internal/client/client.go
// (context cancellation, sync.Once close, buffered send channel,
// read/write pump goroutines) with the socket swapped from
// *websocket.Conn to net.Conn and JSON framing swapped for the raw
// length-prefixed frames spec §4.H requires; everything around the
// socket — lifecycle, channels, logging — is carried over unchanged.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/corvidlabs/selfplay/pkg/failure"
)

// MaxFrameSize bounds a single frame to guard against a corrupt length
// prefix turning into an unbounded allocation.
const MaxFrameSize = 64 << 20

// minBackoff/maxBackoff bound the reconnect loop's exponential wait
// (spec §4.H: "capped at 30s").
const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Resolver indirects hostname resolution so tests can substitute a fake
// without touching the real DNS (spec §4.H: "a resolver indirection for
// hostnames").
type Resolver interface {
	Resolve(ctx context.Context, endpoint string) (string, error)
}

// DefaultResolver resolves endpoints via net.Dial's own built-in
// resolution: Resolve is the identity function, since Dial accepts
// host:port directly.
type DefaultResolver struct{}

// Resolve implements Resolver.
func (DefaultResolver) Resolve(_ context.Context, endpoint string) (string, error) {
	return endpoint, nil
}

// Frame is one length-prefixed message: a 4-byte big-endian length
// followed by that many payload bytes (spec §4.H: "length-prefixed
// framed messages").
type Frame []byte

// writeFrame writes one length-prefixed frame to w.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Conn is one framed, auto-reconnecting connection to a peer. Inbound
// frames are delivered on Receive(); outbound frames are queued with
// Send(). A Conn is safe for concurrent use.
type Conn struct {
	endpoint string
	resolver Resolver
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	recv      chan []byte
	closeOnce sync.Once

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithResolver overrides the default resolver.
func WithResolver(r Resolver) Option {
	return func(c *Conn) { c.resolver = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// Dial starts a Conn that connects to endpoint and reconnects on
// failure until ctx is cancelled or Close is called.
func Dial(ctx context.Context, endpoint string, opts ...Option) *Conn {
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		endpoint: endpoint,
		resolver: DefaultResolver{},
		logger:   log.Default().WithPrefix("transport"),
		ctx:      cctx,
		cancel:   cancel,
		send:     make(chan []byte, 256),
		recv:     make(chan []byte, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.connectLoop()
	return c
}

// FromConn wraps an already-established net.Conn (the server-accept
// path has no reconnect loop of its own — a dropped accepted connection
// just ends that peer's session).
func FromConn(ctx context.Context, nc net.Conn, opts ...Option) *Conn {
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		logger: log.Default().WithPrefix("transport"),
		ctx:    cctx,
		cancel: cancel,
		send:   make(chan []byte, 256),
		recv:   make(chan []byte, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mu.Lock()
	c.conn = nc
	c.connected = true
	c.mu.Unlock()
	go c.pumpPair(nc)
	return c
}

// connectLoop dials endpoint with exponential backoff, re-dialing
// whenever the active connection drops, until ctx is done.
func (c *Conn) connectLoop() {
	backoff := minBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}
		addr, err := c.resolver.Resolve(c.ctx, c.endpoint)
		if err != nil {
			c.logger.Error("resolve failed", "endpoint", c.endpoint, "error", err)
			if !c.sleepBackoff(&backoff) {
				return
			}
			continue
		}
		nc, err := (&net.Dialer{}).DialContext(c.ctx, "tcp", addr)
		if err != nil {
			c.logger.Warn("dial failed, retrying", "endpoint", addr, "error", err)
			if !c.sleepBackoff(&backoff) {
				return
			}
			continue
		}
		backoff = minBackoff
		c.logger.Info("connected", "endpoint", addr)
		c.mu.Lock()
		c.conn = nc
		c.connected = true
		c.mu.Unlock()
		c.pumpPair(nc) // blocks until the connection drops
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost, reconnecting", "endpoint", addr)
	}
}

func (c *Conn) sleepBackoff(backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
	case <-c.ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}

// pumpPair runs the read and write pumps for one established
// connection, returning once either side errors or ctx is cancelled.
func (c *Conn) pumpPair(nc net.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readPump(nc)
	}()
	c.writePump(nc, done)
	_ = nc.Close()
	<-done
}

func (c *Conn) readPump(nc net.Conn) {
	r := bufio.NewReader(nc)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		select {
		case c.recv <- frame:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) writePump(nc net.Conn, done <-chan struct{}) {
	for {
		select {
		case frame := <-c.send:
			if err := writeFrame(nc, frame); err != nil {
				c.logger.Debug("write error", "error", err)
				return
			}
		case <-done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a frame for the active (or next reconnected) connection.
// Returns a TransientNetwork error if ctx or the conn's own context is
// already done.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := c.ctx.Err(); err != nil {
		return failure.New(failure.TransientNetwork, "transport.Send", err)
	}
	if err := ctx.Err(); err != nil {
		return failure.New(failure.TransientNetwork, "transport.Send", err)
	}
	select {
	case c.send <- payload:
		return nil
	case <-ctx.Done():
		return failure.New(failure.TransientNetwork, "transport.Send", ctx.Err())
	case <-c.ctx.Done():
		return failure.New(failure.TransientNetwork, "transport.Send", c.ctx.Err())
	}
}

// Receive blocks for the next inbound frame.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, failure.New(failure.TransientNetwork, "transport.Receive", ctx.Err())
	case <-c.ctx.Done():
		return nil, failure.New(failure.TransientNetwork, "transport.Receive", c.ctx.Err())
	}
}

// Connected reports whether there's a live underlying socket right now.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears the Conn down for good; it will not reconnect again.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

// parseBindAddr turns the spec's "*:port" all-interfaces syntax into
// Go's ":port" listen address; anything else passes through unchanged
// (spec §6: "Endpoint syntax host:port or [ipv6]:port; *:port binds all
// interfaces.").
func parseBindAddr(endpoint string) string {
	if len(endpoint) > 1 && endpoint[0] == '*' && endpoint[1] == ':' {
		return endpoint[1:]
	}
	return endpoint
}

// Listener accepts inbound connections and hands each one to handler as
// a *Conn, until ctx is cancelled.
type Listener struct {
	ln net.Listener
}

// Listen binds endpoint (supporting the "*:port" all-interfaces form)
// and returns a Listener.
func Listen(endpoint string) (*Listener, error) {
	ln, err := net.Listen("tcp", parseBindAddr(endpoint))
	if err != nil {
		return nil, failure.New(failure.FatalConfig, "transport.Listen", err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled, invoking handler in
// its own goroutine per accepted peer.
func (l *Listener) Serve(ctx context.Context, handler func(*Conn)) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return failure.New(failure.TransientNetwork, "transport.Serve", err)
		}
		go handler(FromConn(ctx, nc))
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

package rpc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/selfplay/pkg/transport"
)

func newPeerPair(t *testing.T, ctx context.Context) (*Peer, *Peer) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *transport.Conn, 1)
	go func() { _ = ln.Serve(ctx, func(c *transport.Conn) { accepted <- c }) }()

	clientConn := transport.Dial(ctx, ln.Addr().String())
	var serverConn *transport.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	client, err := NewPeer(ctx, clientConn)
	require.NoError(t, err)
	server, err := NewPeer(ctx, serverConn)
	require.NoError(t, err)
	return client, server
}

func TestCallRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := newPeerPair(t, ctx)
	defer client.Close()
	defer server.Close()

	server.Register("double", func(ctx context.Context, args *Args) (interface{}, error) {
		var n int
		if err := args.Decode(&n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})

	var got int
	err := client.Call(ctx, "double", &got, 21)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCallUnknownFunction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := newPeerPair(t, ctx)
	defer client.Close()
	defer server.Close()

	var out int
	err := client.Call(ctx, "missing", &out)
	assert.Error(t, err)
}

func TestCallRemoteException(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := newPeerPair(t, ctx)
	defer client.Close()
	defer server.Close()

	server.Register("boom", func(ctx context.Context, args *Args) (interface{}, error) {
		return nil, fmt.Errorf("kaboom")
	})

	var out int
	err := client.Call(ctx, "boom", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestCallAsyncFuture(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := newPeerPair(t, ctx)
	defer client.Close()
	defer server.Close()

	server.Register("echo", func(ctx context.Context, args *Args) (interface{}, error) {
		var s string
		if err := args.Decode(&s); err != nil {
			return nil, err
		}
		return s, nil
	})

	fut, err := client.CallAsync(ctx, "echo", "hi")
	require.NoError(t, err)
	var got string
	require.NoError(t, fut.GetInto(ctx, &got))
	assert.Equal(t, "hi", got)
}

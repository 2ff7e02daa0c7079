package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBindAddr(t *testing.T) {
	assert.Equal(t, ":7700", parseBindAddr("*:7700"))
	assert.Equal(t, "127.0.0.1:7700", parseBindAddr("127.0.0.1:7700"))
}

func TestDialListenRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan *Conn, 1)
	go func() {
		_ = ln.Serve(ctx, func(c *Conn) { accepted <- c })
	}()

	client := Dial(ctx, ln.Addr().String())
	defer client.Close()

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}

	require.NoError(t, client.Send(ctx, []byte("hello")))
	frame, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame)

	require.NoError(t, server.Send(ctx, []byte("world")))
	reply, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), reply)
}

func TestConnSendAfterCloseErrors(t *testing.T) {
	ctx := context.Background()
	client, server := net.Pipe()
	defer server.Close()
	c := FromConn(ctx, client)
	_ = c.Close()
	err := c.Send(ctx, []byte("x"))
	assert.Error(t, err)
}

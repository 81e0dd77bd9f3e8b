package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

// StartSingleAcceptServer accepts one connection and passes it to handler.
// The returned func closes the listener and waits for handler to return.
func StartSingleAcceptServer(ctx context.Context, t *testing.T, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	var once sync.Once
	wait := func() {
		once.Do(func() {
			_ = ln.Close()
			wg.Wait()
		})
	}

	return ln, wait
}

// SinkResult is what a sink server observed on its single connection.
type SinkResult struct {
	Data []byte
	Err  error
}

// StartSinkServer accepts one connection and reads it to EOF. The result is
// delivered on the returned channel once the peer stops sending. If reply is
// non-nil it is written right after accept.
func StartSinkServer(ctx context.Context, t *testing.T, reply []byte) (net.Listener, <-chan SinkResult) {
	t.Helper()

	res := make(chan SinkResult, 1)
	ln, waitUp := StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		if reply != nil {
			if _, err := c.Write(reply); err != nil {
				res <- SinkResult{Err: err}
				return
			}
		}
		data, err := io.ReadAll(c)
		res <- SinkResult{Data: data, Err: err}
	})
	t.Cleanup(waitUp)

	return ln, res
}

// TCPPair returns both ends of a loopback TCP connection.
func TCPPair(ctx context.Context, t *testing.T) (client, server net.Conn) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := ln.Accept()
		server = c
		return err
	})
	g.Go(func() error {
		d := net.Dialer{}
		c, err := d.DialContext(gctx, "tcp", ln.Addr().String())
		client = c
		return err
	})
	if err := g.Wait(); err != nil {
		if client != nil {
			_ = client.Close()
		}
		if server != nil {
			_ = server.Close()
		}
		t.Fatal(err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

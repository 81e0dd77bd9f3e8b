package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/sensepost/mallet-relay/internal/conn"
	"github.com/sensepost/mallet-relay/internal/target"
	"github.com/sensepost/mallet-relay/internal/testutil"
)

// resolver stands in for the relay: it completes descriptors as soon as it
// sees them.
type resolver struct {
	conn.Passthrough
	out     *conn.Conn
	fail    error
	targets chan string
	msgs    chan []byte
}

func (r *resolver) HandleEvent(_ *conn.Context, ev any) error {
	d, ok := ev.(*target.Descriptor)
	if !ok {
		return nil
	}
	r.targets <- d.Address()
	if r.fail != nil {
		d.Fail(r.fail)
	} else {
		d.Succeed(r.out)
	}
	return nil
}

func (r *resolver) HandleMessage(_ *conn.Context, msg []byte) error {
	r.msgs <- msg
	return nil
}

func startStage(ctx context.Context, t *testing.T, auth Auth, fail error) (net.Conn, *resolver) {
	t.Helper()

	_, outRaw := testutil.TCPPair(ctx, t)
	out := conn.New(outRaw, conn.Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = out.Close() })

	client, server := net.Pipe()
	c := conn.New(server, conn.Config{Logger: zerolog.Nop()})
	t.Cleanup(func() {
		_ = c.Close()
		_ = client.Close()
	})

	r := &resolver{out: out, fail: fail, targets: make(chan string, 1), msgs: make(chan []byte, 8)}
	c.Pipeline().AddLast(NewStage(auth), r)
	c.Start()

	_ = client.SetDeadline(time.Now().Add(2 * time.Second))
	return client, r
}

func TestStageWithClientDial(t *testing.T) {
	tests := []struct {
		name       string
		serverAuth Auth
		clientAuth Auth
		fail       error
		wantErr    bool
	}{
		{name: "no_auth"},
		{name: "user_pass", serverAuth: Auth{"user", "pass"}, clientAuth: Auth{"user", "pass"}},
		{name: "wrong_pass", serverAuth: Auth{"user", "pass"}, clientAuth: Auth{"user", "nope"}, wantErr: true},
		{name: "dial_failure", fail: errors.New("refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			client, r := startStage(ctx, t, tt.serverAuth, tt.fail)

			err := ClientDial(client, tt.clientAuth, "example.com:443")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "example.com:443", <-r.targets)
		})
	}
}

func TestStageParsesByteByByte(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, r := startStage(ctx, t, Auth{}, nil)

	greeting := []byte{0x05, 0x01, 0x00}
	for _, b := range greeting {
		_, err := client.Write([]byte{b})
		require.NoError(t, err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(client)
	require.NoError(t, err)
	assert.Equal(t, byte(txsocks5.MethodNone), neg.Method)

	// CONNECT 10.0.0.1:443 followed by early payload in the same write.
	req := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x01, 0xbb}
	for _, b := range req[:len(req)-1] {
		_, err := client.Write([]byte{b})
		require.NoError(t, err)
	}
	_, err = client.Write(append([]byte{req[len(req)-1]}, "hello"...))
	require.NoError(t, err)

	rep, err := txsocks5.NewReplyFrom(client)
	require.NoError(t, err)
	assert.Equal(t, byte(txsocks5.RepSuccess), rep.Rep)
	assert.Equal(t, "10.0.0.1:443", <-r.targets)
	assert.Equal(t, "hello", string(<-r.msgs))
}

func TestStageRejectsBind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, _ := startStage(ctx, t, Auth{}, nil)

	require.NoError(t, ClientNegotiate(client, Auth{}))
	_, err := txsocks5.NewRequest(txsocks5.CmdBind, txsocks5.ATYPIPv4, []byte{127, 0, 0, 1}, []byte{0, 80}).WriteTo(client)
	require.NoError(t, err)

	rep, err := txsocks5.NewReplyFrom(client)
	require.NoError(t, err)
	assert.Equal(t, byte(txsocks5.RepCommandNotSupported), rep.Rep)

	// The stage error closes the connection.
	_, err = io.ReadAll(client)
	require.NoError(t, err)
}

package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/sensepost/mallet-relay/internal/ssh"
)

// SSHProxyDialer opens every outbound connection as a "direct-tcpip" channel
// over one shared SSH transport, which is dialed lazily and redialed once when
// a channel cannot be opened on it.
type SSHProxyDialer struct {
	addr   string
	cfg    internalssh.ClientConfig
	direct Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer returns a dialer tunnelling through the SSH server at
// addr. Keys come from cfg.SSHKey and are offered before password.
func NewSSHProxyDialer(cfg Config, addr, user, password string) (*SSHProxyDialer, error) {
	if addr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}

	signers, err := internalssh.Signers(context.Background(), cfg.SSHKey)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	hostKeys, err := internalssh.HostKeyCallback(cfg.SSHKnownHosts, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	clientCfg := internalssh.ClientConfig{
		User:             user,
		Password:         password,
		Signers:          signers,
		HostKeyCallback:  hostKeys,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}
	if err := clientCfg.Validate(); err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		addr:   addr,
		cfg:    clientCfg,
		direct: NewDirectDialer(cfg),
	}, nil
}

// SSHAddr returns the SSH server address.
func (f *SSHProxyDialer) SSHAddr() string { return f.addr }

// DialContext opens a channel to address. Cancelling ctx closes only the
// returned channel, never the shared transport.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	client, err := f.transport(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The server refused this one channel; the transport is fine.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}

		f.drop(client)
		client, terr := f.transport(ctx)
		if terr != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}
		if ch, err = client.DialContext(ctx, "tcp", address); err != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	return &sshChannelConn{Conn: ch, stop: stop}, nil
}

// transport returns the shared client, dialing it if there is none. Only one
// dial runs at a time; it is not tied to any caller's ctx, so a caller giving
// up does not fail the others waiting on it.
func (f *SSHProxyDialer) transport(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	res := f.sf.DoChan("transport", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		c, err := f.dialTransport(context.Background())
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.client = c
		f.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) dialTransport(ctx context.Context) (*ssh.Client, error) {
	c, err := f.direct.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}
	return internalssh.Handshake(c, f.addr, f.cfg)
}

// drop forgets client if it is still the shared one, and closes it.
func (f *SSHProxyDialer) drop(client *ssh.Client) {
	f.mu.Lock()
	if f.client == client {
		f.client = nil
	}
	f.mu.Unlock()
	_ = client.Close()
}

// Close closes the shared transport and every channel on it.
func (f *SSHProxyDialer) Close() error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

type sshChannelConn struct {
	net.Conn
	stop func() bool
}

// CloseWrite sends EOF on the channel; the server half-closes the target.
func (c *sshChannelConn) CloseWrite() error {
	cw, ok := c.Conn.(interface{ CloseWrite() error })
	if !ok {
		return errors.New("ssh channel: half-close not supported")
	}
	return cw.CloseWrite()
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

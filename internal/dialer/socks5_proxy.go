package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sensepost/mallet-relay/internal/socks5"
)

// SOCKS5ProxyDialer dials through a SOCKS5 proxy using CONNECT.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a dialer for the SOCKS5 proxy at proxyAddr.
// A non-empty username enables username/password authentication.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	// Unblock the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	if err := socks5.ClientDial(c, f.auth, address); err != nil {
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, ctx.Err())
		}
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}

	if !stop() {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, ctx.Err())
	}
	_ = c.SetDeadline(time.Time{})
	return c, nil
}

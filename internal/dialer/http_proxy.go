package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProxyDialer dials through an HTTP or HTTPS proxy using CONNECT.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer constructs a CONNECT dialer for proxyURL. A non-empty
// username adds Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil {
		return nil, errors.New("http proxy dialer: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	auth := ""
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		auth:     auth,
		direct:   NewDirectDialer(cfg),
	}, nil
}

// ProxyURL returns the configured proxy URL.
func (f *HTTPProxyDialer) ProxyURL() *url.URL {
	return f.proxyURL
}

// DialContext connects to address through the proxy. The CONNECT exchange
// completes before it returns; bytes the proxy sent after its response are
// kept and returned by the first reads.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	if f.proxyURL.Scheme == "https" {
		tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.proxyURL.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("http proxy tls handshake: %w", err)
		}
		c = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect %s: %s", address, resp.Status)
	}

	if !stop() {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect %s: %w", address, ctx.Err())
	}
	_ = c.SetDeadline(time.Time{})

	if br.Buffered() == 0 {
		return c, nil
	}
	return &bufferedConn{Conn: c, r: br}, nil
}

// bufferedConn drains bytes read ahead during the CONNECT exchange before
// reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("close write not supported")
}

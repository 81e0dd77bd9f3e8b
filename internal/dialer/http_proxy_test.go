package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensepost/mallet-relay/internal/testutil"
)

// connectProxy answers one CONNECT request. If early is set it is sent right
// after the response headers, before any tunneled byte.
func connectProxy(ctx context.Context, t *testing.T, status int, early string, gotAuth chan<- string) (net.Listener, func()) {
	t.Helper()

	return testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		_ = req.Body.Close()
		if gotAuth != nil {
			gotAuth <- req.Header.Get("Proxy-Authorization")
		}

		if status != http.StatusOK {
			_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
			return
		}

		d := net.Dialer{}
		dst, err := d.DialContext(ctx, "tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"+early)

		go func() {
			_, _ = io.Copy(dst, br)
			_ = dst.(*net.TCPConn).CloseWrite()
		}()
		_, _ = io.Copy(c, dst)
	})
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)

	auth := make(chan string, 1)
	upLn, waitUp := connectProxy(ctx, t, http.StatusOK, "", auth)
	defer waitUp()

	u := &url.URL{Scheme: "http", Host: upLn.Addr().String()}
	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, u, "user", "pass")
	require.NoError(t, err)

	c, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "Basic dXNlcjpwYXNz", <-auth)
	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestHTTPProxyDialerKeepsEarlyBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)

	upLn, waitUp := connectProxy(ctx, t, http.StatusOK, "early", nil)
	defer waitUp()

	u := &url.URL{Scheme: "http", Host: upLn.Addr().String()}
	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, u, "", "")
	require.NoError(t, err)

	c, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, len("early"))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf))

	// Half-close survives the wrapper.
	cw, ok := c.(interface{ CloseWrite() error })
	require.True(t, ok)
	require.NoError(t, cw.CloseWrite())
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := connectProxy(ctx, t, http.StatusForbidden, "", nil)
	defer waitUp()

	u := &url.URL{Scheme: "http", Host: upLn.Addr().String()}
	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, u, "", "")
	require.NoError(t, err)

	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sensepost/mallet-relay/internal/conn"
	"github.com/sensepost/mallet-relay/internal/target"
)

// maxConnectHead caps the size of a CONNECT request head.
const maxConnectHead = 64 << 10

var (
	errNotConnect   = errors.New("http: only CONNECT is supported")
	errHeadTooLarge = errors.New("http: request head too large")
)

var headEnd = []byte("\r\n\r\n")

// connectStage reads an HTTP CONNECT request and makes its authority the
// connection's target. Bytes following the request head are passed on as
// the first message; the client is answered once the dial resolves.
type connectStage struct {
	conn.Passthrough

	buf  []byte
	done bool
}

func (s *connectStage) HandleMessage(ctx *conn.Context, msg []byte) error {
	if s.done {
		ctx.FireMessage(msg)
		return nil
	}

	c := ctx.Conn()
	s.buf = append(s.buf, msg...)
	end := bytes.Index(s.buf, headEnd)
	if end < 0 && len(s.buf) <= maxConnectHead {
		return nil
	}
	if end < 0 || end+len(headEnd) > maxConnectHead {
		_, _ = writeError(c, errHeadTooLarge, http.StatusRequestHeaderFieldsTooLarge)
		return errHeadTooLarge
	}

	head, rest := s.buf[:end+len(headEnd)], s.buf[end+len(headEnd):]
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		_, _ = writeError(c, err, http.StatusBadRequest)
		return fmt.Errorf("http: read request: %w", err)
	}
	if req.Method != http.MethodConnect {
		_, _ = writeError(c, errNotConnect, http.StatusMethodNotAllowed)
		return fmt.Errorf("%w: got %s", errNotConnect, req.Method)
	}

	address := req.Host
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "443")
	}

	d := target.New(address)
	d.OnComplete(func(_ *conn.Conn, err error) {
		if err != nil {
			_, _ = writeError(c, err, http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
	})
	if err := target.Set(c, d); err != nil {
		return err
	}

	s.done = true
	s.buf = nil
	if len(rest) > 0 {
		ctx.FireMessage(rest)
		return nil
	}
	ctx.FireEvent(d)
	return nil
}

// writeError simulates http.Error() on a raw connection.
func writeError(w io.Writer, err error, code int) (int, error) {
	return fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

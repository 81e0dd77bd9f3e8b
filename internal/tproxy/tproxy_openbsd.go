//go:build openbsd

package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sensepost/mallet-relay/internal/conn"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with SO_BINDANY enabled so the socket
// can accept connections redirected by PF rdr-to rules.
//
// This requires root privileges. Outgoing rules need divert-reply for return
// traffic.
func ListenTransparentTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			// Socket level, unlike FreeBSD's IP_BINDANY.
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BINDANY, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &conn.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// OriginalDst returns the local address of c, which PF rdr-to preserves as
// the original destination.
func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	return localDst(c)
}

//go:build freebsd

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

// ListenTransparentTCP listens on addr with IP_BINDANY enabled so the socket
// can accept connections redirected by IPFW fwd or PF rdr-to rules.
//
// This requires root or the PRIV_NETINET_BINDANY privilege.
func ListenTransparentTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BINDANY, 1)
			}
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

// OriginalDst returns the local address of c, which IPFW fwd and PF rdr-to
// preserve as the original destination.
func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	return localDst(c)
}

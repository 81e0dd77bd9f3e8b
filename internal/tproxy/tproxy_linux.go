//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sensepost/mallet-relay/internal/conn"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr and enables IP_TRANSPARENT so the socket
// can accept redirected connections (typical TPROXY setup).
//
// This requires CAP_NET_ADMIN. Callers still need appropriate iptables/nft rules.
func ListenTransparentTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
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

// OriginalDst returns the original destination for a TCP connection redirected
// to this listener.
func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a TCP connection", ErrNoOriginalDst, c)
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoOriginalDst, err)
	}
	local, _ := tc.LocalAddr().(*net.TCPAddr)

	var (
		addr    *net.TCPAddr
		lookErr error
	)
	err = rc.Control(func(fd uintptr) {
		if local != nil && local.IP.To4() == nil {
			addr, lookErr = originalDst6(int(fd))
		} else {
			addr, lookErr = originalDst4(int(fd))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoOriginalDst, err)
	}
	if lookErr != nil {
		// No NAT entry: TPROXY delivers with the original destination as the
		// local address.
		if local == nil {
			return nil, fmt.Errorf("%w: %w", ErrNoOriginalDst, lookErr)
		}
		return local, nil
	}
	return addr, nil
}

func originalDst4(fd int) (*net.TCPAddr, error) {
	// The kernel writes a sockaddr_in; IPv6Mreq is just large enough to hold it.
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return nil, err
	}
	b := mreq.Multiaddr
	return &net.TCPAddr{
		IP:   net.IPv4(b[4], b[5], b[6], b[7]),
		Port: int(binary.BigEndian.Uint16(b[2:4])),
	}, nil
}

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h.
const ip6tSOOriginalDst = 80

func originalDst6(fd int) (*net.TCPAddr, error) {
	// sockaddr_in6 is the first member of ip6_mtuinfo.
	info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.SOL_IPV6, ip6tSOOriginalDst)
	if err != nil {
		return nil, err
	}
	var port [2]byte
	binary.NativeEndian.PutUint16(port[:], info.Addr.Port)
	ip := make(net.IP, net.IPv6len)
	copy(ip, info.Addr.Addr[:])
	return &net.TCPAddr{
		IP:   ip,
		Port: int(binary.BigEndian.Uint16(port[:])),
	}, nil
}

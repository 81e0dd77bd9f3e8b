//go:build freebsd || openbsd

package tproxy

import (
	"fmt"
	"net"
)

func localDst(c net.Conn) (*net.TCPAddr, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a TCP connection", ErrNoOriginalDst, c)
	}
	addr, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, ErrNoOriginalDst
	}
	return addr, nil
}

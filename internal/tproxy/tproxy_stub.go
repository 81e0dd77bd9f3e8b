//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"context"
	"errors"
	"net"
)

// IsSupported is false where transparent listening is not implemented.
const IsSupported = false

func ListenTransparentTCP(_ context.Context, _ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, errors.New("transparent proxy is only supported on linux, freebsd and openbsd")
}

func OriginalDst(_ net.Conn) (*net.TCPAddr, error) {
	return nil, ErrNoOriginalDst
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrDialTimeout means the outbound connection was not established within
	// the connect timeout.
	ErrDialTimeout = errors.New("dial timeout")

	// ErrDialFailed is any other failure to establish the outbound connection.
	ErrDialFailed = errors.New("dial failed")

	// ErrWriteFailed means forwarding to the peer failed.
	ErrWriteFailed = errors.New("write failed")

	// ErrContractViolation means the relay's own assumptions did not hold, for
	// example data had to be forwarded but no peer is linked.
	ErrContractViolation = errors.New("relay contract violation")

	// ErrPeerClosed means the other side went away first. The pair is torn
	// down, nothing else went wrong.
	ErrPeerClosed = errors.New("peer closed")
)

func dialError(address string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("connect %s: %w: %w", address, ErrDialTimeout, err)
	}
	return fmt.Errorf("connect %s: %w: %w", address, ErrDialFailed, err)
}

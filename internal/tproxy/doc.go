// Package tproxy implements transparent proxy listeners for Linux, FreeBSD,
// and OpenBSD, and finds the destination a redirected connection was
// originally addressed to.
//
// On Linux, it listens with IP_TRANSPARENT and asks SO_ORIGINAL_DST (or
// IP6T_SO_ORIGINAL_DST) for NAT-redirected connections. TPROXY rules keep the
// original destination as the local address, which is used when no NAT entry
// exists.
//
// On FreeBSD (IP_BINDANY) and OpenBSD (SO_BINDANY) the firewall preserves the
// original destination as the local address of the accepted connection.
//
// On other platforms, the listener and original-destination lookup are stubbed
// out and return errors.
package tproxy

import "errors"

// ErrNoOriginalDst is returned when a connection's original destination can
// not be determined.
var ErrNoOriginalDst = errors.New("original destination unavailable")

// Package dialer provides the outbound dialers the relay uses to reach a
// target, either directly or through an upstream proxy (HTTP CONNECT or
// SOCKS5).
//
// Every dialer returns a connection that keeps its half-close primitive when
// the underlying transport has one, so the relay can shut down one direction
// of a pair independently.
package dialer

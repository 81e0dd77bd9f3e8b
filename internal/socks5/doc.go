// Package socks5 wraps github.com/txthinking/socks5 for the relay.
//
// The client side (ClientDial) performs a blocking handshake over an established
// stream and is used by the SOCKS5 upstream dialer. The server side is a
// pipeline stage (Stage) that parses the handshake from messages as they
// arrive, turns the CONNECT request into a target descriptor, and answers the
// client once the descriptor resolves.
package socks5

// Package ssh holds the client side of relaying through an SSH server: key
// loading (files or the SSH agent), host key verification against a
// known_hosts file with trust on first use, and the transport handshake.
//
// Outbound connections are "direct-tcpip" channels opened over one shared
// transport; see dialer.SSHProxyDialer.
package ssh

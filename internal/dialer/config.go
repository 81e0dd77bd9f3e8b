package dialer

import (
	"net"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the handshake with an upstream proxy.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// SSHKey is "agent", a private key path, or empty for password-only
	// ssh:// upstreams.
	SSHKey string
	// SSHKnownHosts is the known_hosts file for ssh:// upstreams. Empty
	// disables host key checking.
	SSHKnownHosts string

	Logger zerolog.Logger
}

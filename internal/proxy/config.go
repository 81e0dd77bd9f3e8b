package proxy

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sensepost/mallet-relay/internal/conn"
	"github.com/sensepost/mallet-relay/internal/pipeline"
	"github.com/sensepost/mallet-relay/internal/relay"
	"github.com/sensepost/mallet-relay/internal/socks5"
)

type Mode string

const (
	ModeStatic      Mode = "static"
	ModeTransparent Mode = "tproxy"
	ModeSOCKS5      Mode = "socks5"
	ModeHTTP        Mode = "http"
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStatic, ModeTransparent, ModeSOCKS5, ModeHTTP:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want static|tproxy|socks5|http)", s)
	}
}

type Config struct {
	Mode Mode

	// Target is the host:port every connection is relayed to in static mode.
	Target string

	// SOCKS5Auth enables username/password authentication in socks5 mode when
	// Username is set.
	SOCKS5Auth socks5.Auth

	// NegotiationTimeout closes connections whose target is still unknown
	// after this long. Zero disables it.
	NegotiationTimeout time.Duration

	// Conn configures inbound connections. Its Logger is replaced by Logger.
	Conn conn.Config

	Relay relay.Config

	// Provider is shared by every pair. Defaults to pipeline.RelayOnly.
	Provider pipeline.Provider

	// OriginalDst looks up the pre-redirect destination in tproxy mode.
	// Defaults to tproxy.OriginalDst.
	OriginalDst func(net.Conn) (*net.TCPAddr, error)

	Logger zerolog.Logger
}

func (c Config) validate() error {
	switch c.Mode {
	case ModeStatic:
		if _, _, err := net.SplitHostPort(c.Target); err != nil {
			return fmt.Errorf("static target %q: %w", c.Target, err)
		}
	case ModeTransparent, ModeSOCKS5, ModeHTTP:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

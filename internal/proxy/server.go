package proxy

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/sensepost/mallet-relay/internal/conn"
	"github.com/sensepost/mallet-relay/internal/pipeline"
	"github.com/sensepost/mallet-relay/internal/relay"
	"github.com/sensepost/mallet-relay/internal/socks5"
	"github.com/sensepost/mallet-relay/internal/target"
	"github.com/sensepost/mallet-relay/internal/tproxy"
)

// Server hands every accepted connection to a relay engine.
type Server struct {
	cfg Config
	log zerolog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Provider == nil {
		cfg.Provider = pipeline.RelayOnly
	}
	if cfg.OriginalDst == nil {
		cfg.OriginalDst = tproxy.OriginalDst
	}
	cfg.Conn.Logger = cfg.Logger
	return &Server{
		cfg: cfg,
		log: cfg.Logger.With().Str("mode", string(cfg.Mode)).Logger(),
	}, nil
}

// Serve accepts connections on ln until Accept fails.
func (s *Server) Serve(ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		s.handle(raw)
	}
}

func (s *Server) handle(raw net.Conn) {
	c := conn.New(raw, s.cfg.Conn)
	log := c.Logger()
	log.Debug().Stringer("remote", raw.RemoteAddr()).Msg("accepted")

	pipeline.SetSpec(c, s.cfg.Provider)

	stages, err := s.deciders(c)
	if err != nil {
		log.Debug().Err(err).Msg("no target")
		_ = c.Close()
		return
	}
	c.Pipeline().AddLast(stages...)
	c.Pipeline().AddLast(relay.New(s.cfg.Relay))

	s.armNegotiationTimeout(c)
	c.Start()
}

// deciders returns the stages that will find c's target, or stores the
// target right away when the mode already knows it.
func (s *Server) deciders(c *conn.Conn) ([]conn.Handler, error) {
	switch s.cfg.Mode {
	case ModeStatic:
		return nil, target.Set(c, target.New(s.cfg.Target))
	case ModeTransparent:
		dst, err := s.cfg.OriginalDst(c.Raw())
		if err != nil {
			return nil, err
		}
		return nil, target.Set(c, target.New(dst.String()))
	case ModeSOCKS5:
		return []conn.Handler{socks5.NewStage(s.cfg.SOCKS5Auth)}, nil
	case ModeHTTP:
		return []conn.Handler{&connectStage{}}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", s.cfg.Mode)
	}
}

func (s *Server) armNegotiationTimeout(c *conn.Conn) {
	if s.cfg.NegotiationTimeout <= 0 || target.From(c) != nil {
		return
	}

	deadline := s.cfg.NegotiationTimeout
	time.AfterFunc(deadline, func() {
		c.Submit(func() {
			if target.From(c) == nil {
				log := c.Logger()
				log.Debug().Dur("timeout", deadline).Msg("negotiation timed out")
				_ = c.Close()
			}
		})
	})
}

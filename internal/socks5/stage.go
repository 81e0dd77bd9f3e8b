package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/sensepost/mallet-relay/internal/conn"
	"github.com/sensepost/mallet-relay/internal/target"
)

// maxHandshake caps how many bytes may be buffered before a handshake message
// parses.
const maxHandshake = 1024

var errIncomplete = errors.New("incomplete")

type stageState int

const (
	stateGreeting stageState = iota
	stateUserPass
	stateRequest
	stateRelaying
)

// Stage decides the relay target of an inbound connection from its SOCKS5
// CONNECT request. Once the request is read it stores a target descriptor,
// delivers it to the following stages as an event and thereafter passes every
// message through. The client gets its reply when the descriptor resolves.
type Stage struct {
	conn.Passthrough

	auth  Auth
	state stageState
	buf   []byte
}

// NewStage returns a stage that requires auth if auth.Username is set.
func NewStage(auth Auth) *Stage {
	return &Stage{auth: auth}
}

func (s *Stage) HandleMessage(ctx *conn.Context, msg []byte) error {
	if s.state == stateRelaying {
		ctx.FireMessage(msg)
		return nil
	}

	s.buf = append(s.buf, msg...)
	for s.state != stateRelaying {
		err := s.step(ctx)
		if errors.Is(err, errIncomplete) {
			if len(s.buf) > maxHandshake {
				return fmt.Errorf("socks5 handshake: %d bytes without a complete message", len(s.buf))
			}
			return nil
		}
		if err != nil {
			return err
		}
	}

	if len(s.buf) > 0 {
		rest := s.buf
		s.buf = nil
		ctx.FireMessage(rest)
	}
	return nil
}

func (s *Stage) step(ctx *conn.Context) error {
	c := ctx.Conn()

	switch s.state {
	case stateGreeting:
		neg, err := parse(s, txsocks5.NewNegotiationRequestFrom)
		if err != nil {
			return err
		}
		want := byte(txsocks5.MethodNone)
		if s.auth.Username != "" {
			want = txsocks5.MethodUsernamePassword
		}
		if !slices.Contains(neg.Methods, want) {
			writeNoAcceptableMethods(c)
			return ErrNoAcceptableMethod
		}
		if _, err := txsocks5.NewNegotiationReply(want).WriteTo(c); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}
		if want == txsocks5.MethodUsernamePassword {
			s.state = stateUserPass
		} else {
			s.state = stateRequest
		}
		return nil

	case stateUserPass:
		urq, err := parse(s, txsocks5.NewUserPassNegotiationRequestFrom)
		if err != nil {
			return err
		}
		if string(urq.Uname) != s.auth.Username || string(urq.Passwd) != s.auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return ErrAuthFailed
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		s.state = stateRequest
		return nil

	case stateRequest:
		req, err := parse(s, txsocks5.NewRequestFrom)
		if err != nil {
			return err
		}
		if req.Cmd != CmdConnect {
			WriteCommandNotSupportedReply(c, req.Atyp)
			return fmt.Errorf("%w: %d", ErrUnsupportedCommand, req.Cmd)
		}

		d := target.New(req.Address())
		atyp := req.Atyp
		d.OnComplete(func(out *conn.Conn, err error) {
			if err != nil {
				WriteConnectionRefusedReply(c, atyp)
				return
			}
			if err := WriteSuccessReply(c, out.LocalAddr()); err != nil {
				log := c.Logger()
				log.Debug().Err(err).Msg("socks5 reply")
			}
		})
		if err := target.Set(c, d); err != nil {
			return fmt.Errorf("socks5 request: %w", err)
		}

		s.state = stateRelaying
		ctx.FireEvent(d)
		return nil
	}
	return nil
}

// parse runs fn over the buffered bytes and consumes what it read. A message
// cut short reports errIncomplete and consumes nothing.
func parse[T any](s *Stage, fn func(io.Reader) (T, error)) (T, error) {
	r := bytes.NewReader(s.buf)
	v, err := fn(r)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		var zero T
		return zero, errIncomplete
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("socks5: %w", err)
	}
	s.buf = s.buf[len(s.buf)-r.Len():]
	return v, nil
}

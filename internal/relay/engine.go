package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sensepost/mallet-relay/internal/attr"
	"github.com/sensepost/mallet-relay/internal/conn"
	"github.com/sensepost/mallet-relay/internal/dialer"
	"github.com/sensepost/mallet-relay/internal/linker"
	"github.com/sensepost/mallet-relay/internal/pipeline"
	"github.com/sensepost/mallet-relay/internal/target"
)

// DefaultConnectTimeout bounds an outbound dial when Config leaves it unset.
const DefaultConnectTimeout = 10 * time.Second

// DefaultMaxQueued is how many inbound bytes are held while dialing before
// reads pause, when Config leaves it unset.
const DefaultMaxQueued = 1 << 20

type Config struct {
	Dialer         dialer.Dialer
	ConnectTimeout time.Duration

	// MaxQueued caps the bytes held while the dial is in flight. Reaching it
	// pauses reads on the inbound connection until the dial resolves.
	MaxQueued int

	// Linker is told about every pair. Defaults to linker.Nop.
	Linker  linker.Linker
	Metrics *Metrics

	// Conn configures outbound connections. HalfClose is always enabled.
	Conn conn.Config

	// Context is the parent of every dial. Cancelling it aborts dials in
	// flight.
	Context context.Context
}

// State is the lifecycle position of an Engine.
type State uint32

const (
	StateUnestablished State = iota
	StateConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Engine relays one connection half. Use one Engine per connection; all
// methods but State run on that connection's execution context.
type Engine struct {
	cfg Config

	ctx *conn.Context
	c   *conn.Conn
	log zerolog.Logger

	state       atomic.Uint32
	established bool
	// desc is the descriptor this engine dialed; nil on outbound halves.
	desc *target.Descriptor
	// pending is non-nil while the dial for desc is in flight.
	pending *target.Descriptor
	queue   [][]byte
	queued  int
	paused  bool
	// deferred holds half-close events seen while connecting.
	deferred []fmt.Stringer
}

var _ conn.Handler = (*Engine)(nil)

// New returns an engine ready to be added to a connection pipeline.
func New(cfg Config) *Engine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if cfg.Linker == nil {
		cfg.Linker = linker.Nop
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	cfg.Conn.HalfClose = true
	return &Engine{cfg: cfg, log: zerolog.Nop()}
}

// State may be called from any goroutine.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(uint32(s)) }

func (e *Engine) Attached(ctx *conn.Context) error {
	e.ctx = ctx
	e.c = ctx.Conn()
	e.log = e.c.Logger().With().Str("stage", "relay").Logger()

	if conn.PeerOf(e.c) != nil {
		// Outbound half, linked before it started.
		e.setState(StateRelaying)
		return nil
	}
	if target.From(e.c) != nil {
		return e.establish()
	}
	return nil
}

func (e *Engine) HandleMessage(_ *conn.Context, msg []byte) error {
	if e.State() == StateClosed {
		return nil
	}

	if !e.established && target.From(e.c) != nil {
		if err := e.establish(); err != nil {
			return err
		}
	}

	if e.pending != nil {
		e.queue = append(e.queue, msg)
		e.queued += len(msg)
		e.cfg.Metrics.messageQueued()
		if !e.paused && e.queued >= e.cfg.MaxQueued {
			e.log.Debug().Int("queued", e.queued).Msg("pausing reads until connected")
			e.paused = true
			e.c.PauseReads()
		}
		return nil
	}
	// A failed establish closed the connection.
	if e.State() == StateClosed {
		return nil
	}

	return e.forward(msg)
}

func (e *Engine) HandleEvent(ctx *conn.Context, ev any) error {
	switch ev := ev.(type) {
	case *target.Descriptor:
		if err := e.targetEvent(ev); err != nil {
			return err
		}
	case conn.InputShutdown:
		e.inputShutdown()
	case conn.InputShutdownReadComplete:
		e.inputReadComplete()
	case conn.OutputShutdown:
	}

	ctx.FireEvent(ev)
	return nil
}

func (e *Engine) HandleInactive(ctx *conn.Context) {
	if e.c == nil {
		// Closed before it ever started.
		e.c = ctx.Conn()
	}
	if peer := conn.PeerOf(e.c); peer != nil && peer.IsOpen() {
		_ = peer.Close()
	}
	if d := target.From(e.c); d != nil {
		d.Fail(fmt.Errorf("connect %s: %w", d.Address(), ErrPeerClosed))
	}
	if e.desc != nil && e.State() == StateRelaying {
		e.cfg.Metrics.pairClosed()
	}

	e.setState(StateClosed)
	e.queue = nil
	e.queued = 0
	e.deferred = nil
	ctx.FireInactive()
}

// HandleError tears the pair down. Errors are not passed further down the
// pipeline.
func (e *Engine) HandleError(_ *conn.Context, err error) {
	ev := e.log.Debug()
	if errors.Is(err, ErrContractViolation) {
		ev = e.log.Error()
	}
	ev.Err(err).Str("state", e.State().String()).Msg("closing connection pair")

	e.teardown(err)
}

func (e *Engine) teardown(cause error) {
	if e.desc != nil {
		e.desc.Fail(cause)
	}
	if e.desc != nil && e.State() == StateRelaying {
		e.cfg.Metrics.pairClosed()
	}
	e.setState(StateClosed)
	e.queue = nil
	e.queued = 0
	e.deferred = nil

	if peer := conn.PeerOf(e.c); peer != nil && peer.IsOpen() {
		_ = peer.Close()
	}
	_ = e.c.Close()
}

func (e *Engine) targetEvent(d *target.Descriptor) error {
	if !attr.SetIfAbsent(e.c.Attrs(), target.Key, d) {
		if cur := target.From(e.c); cur != d {
			e.log.Debug().Stringer("target", d).Stringer("current", cur).Msg("ignoring second target")
			d.Fail(fmt.Errorf("connect %s: target already set to %s: %w", d.Address(), cur, ErrContractViolation))
		}
	}
	if e.established {
		return nil
	}
	return e.establish()
}

// establish starts the one outbound dial of this engine. Its outcome is
// delivered back on the connection's execution context.
func (e *Engine) establish() error {
	if e.established {
		return fmt.Errorf("establish %s: dial already started: %w", e.c, ErrContractViolation)
	}
	e.established = true

	d := target.From(e.c)
	if d == nil {
		return fmt.Errorf("establish %s: no target: %w", e.c, ErrContractViolation)
	}
	e.desc = d
	e.pending = d
	e.setState(StateConnecting)

	if e.cfg.Dialer == nil {
		e.dialed(nil, fmt.Errorf("connect %s: no dialer: %w", d.Address(), ErrDialFailed))
		return nil
	}

	e.log.Debug().Stringer("target", d).Msg("dialing")
	in := e.c
	go func() {
		ctx, cancel := context.WithTimeout(e.cfg.Context, e.cfg.ConnectTimeout)
		raw, err := e.cfg.Dialer.DialContext(ctx, d.Network(), d.Address())
		cancel()
		if err != nil {
			err = dialError(d.Address(), err)
		}

		if !in.Submit(func() { e.dialed(raw, err) }) {
			if raw != nil {
				_ = raw.Close()
			}
			d.Fail(fmt.Errorf("connect %s: %w", d.Address(), ErrPeerClosed))
		}
	}()
	return nil
}

// dialed completes establishment. Everything from resolving the descriptor to
// draining the queue happens in this one task, so no later inbound message
// can overtake a queued one.
func (e *Engine) dialed(raw net.Conn, err error) {
	e.pending = nil
	e.cfg.Metrics.dialed(err)

	if err != nil {
		e.HandleError(e.ctx, err)
		return
	}
	if e.State() == StateClosed || !e.c.IsOpen() {
		_ = raw.Close()
		e.desc.Fail(fmt.Errorf("connect %s: %w", e.desc.Address(), ErrPeerClosed))
		return
	}

	out := conn.New(raw, e.cfg.Conn)
	e.notifyLinker(out)

	spec := pipeline.SpecOf(e.c)
	if spec != nil {
		pipeline.SetSpec(out, spec)
	} else {
		spec = pipeline.RelayOnly
	}

	if err := conn.Link(e.c, out); err != nil {
		_ = out.Close()
		e.HandleError(e.ctx, fmt.Errorf("%w: %w", ErrContractViolation, err))
		return
	}

	stages, err := spec.ClientStages(func() conn.Handler { return New(e.cfg) })
	if err != nil {
		e.HandleError(e.ctx, fmt.Errorf("client stages for %s: %w", out, err))
		return
	}
	out.Pipeline().AddLast(stages...)

	e.desc.Succeed(out)
	if !e.c.IsOpen() {
		// Closed by a continuation; HandleInactive closes out.
		return
	}
	e.setState(StateRelaying)
	e.cfg.Metrics.pairOpened()
	e.log.Debug().Str("outbound", out.ID()).Stringer("target", e.desc).Int("queued", len(e.queue)).Msg("relaying")

	queue := e.queue
	e.queue = nil
	e.queued = 0
	for _, msg := range queue {
		if err := e.forward(msg); err != nil {
			e.HandleError(e.ctx, err)
			return
		}
	}
	out.Start()
	if e.paused {
		e.paused = false
		e.c.ResumeReads()
	}

	deferred := e.deferred
	e.deferred = nil
	for _, ev := range deferred {
		e.replay(ev)
	}
}

func (e *Engine) forward(msg []byte) error {
	peer := conn.PeerOf(e.c)
	if peer == nil {
		return fmt.Errorf("forward %d bytes from %s: no peer: %w", len(msg), e.c, ErrContractViolation)
	}
	if _, err := peer.Write(msg); err != nil {
		return fmt.Errorf("forward to %s: %w: %w", peer, ErrWriteFailed, err)
	}
	return nil
}

func (e *Engine) notifyLinker(out *conn.Conn) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn().Interface("panic", r).Msg("connection linker failed")
		}
	}()
	e.cfg.Linker.LinkConnections(e.c.ID(), out.ID())
}

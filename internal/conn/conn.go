package conn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sensepost/mallet-relay/internal/attr"
)

// DefaultReadBufferSize is the read chunk size used when Config leaves it unset.
const DefaultReadBufferSize = 32 * 1024

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = net.ErrClosed

	// ErrHalfCloseUnsupported is returned by CloseWrite when the transport has
	// no way to close only its write direction.
	ErrHalfCloseUnsupported = errors.New("half-close not supported")

	// ErrOutputShutdown is returned by writes after CloseWrite.
	ErrOutputShutdown = errors.New("output shut down")
)

type Config struct {
	// HalfClose delivers end-of-stream as InputShutdown and
	// InputShutdownReadComplete events instead of closing, and enables
	// CloseWrite.
	HalfClose bool

	ReadBufferSize int

	Logger zerolog.Logger
}

type closeWriter interface {
	CloseWrite() error
}

// Conn is an event-driven bidirectional byte stream.
//
// A Conn must eventually be closed; its execution context lives until then.
type Conn struct {
	id    string
	raw   net.Conn
	cfg   Config
	log   zerolog.Logger
	attrs *attr.Store
	pipe  *Pipeline
	exec  *executor

	wmu        sync.Mutex
	outputShut bool

	open      atomic.Bool
	readsOff  atomic.Bool

	pauseMu sync.Mutex
	resume  chan struct{} // non-nil while reads are paused

	startOnce sync.Once
	closeOnce sync.Once
}

// New wraps raw. Install pipeline stages, then call Start.
func New(raw net.Conn, cfg Config) *Conn {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}

	id := uuid.NewString()
	c := &Conn{
		id:    id,
		raw:   raw,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("conn", id).Logger(),
		attrs: attr.NewStore(),
		exec:  newExecutor(),
	}
	c.pipe = &Pipeline{conn: c}
	c.open.Store(true)

	go c.exec.run()
	return c
}

// ID is unique among live connections and stable for the connection's
// lifetime.
func (c *Conn) ID() string { return c.id }

func (c *Conn) String() string { return c.id }

// Attrs returns the connection's attribute store.
func (c *Conn) Attrs() *attr.Store { return c.attrs }

// Pipeline returns the connection's stages.
func (c *Conn) Pipeline() *Pipeline { return c.pipe }

// Logger returns a logger tagged with the connection id.
func (c *Conn) Logger() zerolog.Logger { return c.log }

// Config returns the configuration the connection was created with.
func (c *Conn) Config() Config { return c.cfg }

func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Raw returns the underlying transport.
func (c *Conn) Raw() net.Conn { return c.raw }

// IsOpen reports whether Close has not been called yet.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// Done is closed after the inactive notification ran and the execution
// context stopped.
func (c *Conn) Done() <-chan struct{} { return c.exec.done }

// Start attaches the pipeline stages and begins reading. Calls after the first
// do nothing.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		if !c.exec.submit(c.pipe.attach) {
			return
		}
		go c.readLoop()
	})
}

// Submit runs fn on the connection's execution context. It reports false if
// the connection already finished, in which case fn never runs.
func (c *Conn) Submit(fn func()) bool {
	return c.exec.submit(fn)
}

// FireEvent delivers ev to the first pipeline stage.
func (c *Conn) FireEvent(ev any) bool {
	return c.exec.submit(func() { c.pipe.eventAt(0, ev) })
}

// Write writes b to the transport. Writes are serialized and synchronous.
func (c *Conn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if !c.open.Load() {
		return 0, ErrClosed
	}
	if c.outputShut {
		return 0, ErrOutputShutdown
	}
	if len(b) == 0 {
		return 0, nil
	}
	return c.raw.Write(b)
}

// Flush is an empty write: it returns once every earlier write completed, or
// an error if the connection can no longer be written to.
func (c *Conn) Flush() error {
	_, err := c.Write(nil)
	return err
}

// CloseWrite shuts down the write direction only and delivers OutputShutdown
// to the pipeline.
func (c *Conn) CloseWrite() error {
	cw, ok := c.raw.(closeWriter)
	if !ok || !c.cfg.HalfClose {
		return ErrHalfCloseUnsupported
	}

	c.wmu.Lock()
	if !c.open.Load() {
		c.wmu.Unlock()
		return ErrClosed
	}
	if c.outputShut {
		c.wmu.Unlock()
		return nil
	}
	err := cw.CloseWrite()
	if err == nil {
		c.outputShut = true
	}
	c.wmu.Unlock()

	if err != nil {
		return fmt.Errorf("close write: %w", err)
	}
	c.exec.submit(func() { c.pipe.eventAt(0, OutputShutdown{}) })
	return nil
}

// DisableReads stops the read loop before its next read.
func (c *Conn) DisableReads() {
	c.readsOff.Store(true)
}

// Close closes the transport and delivers the inactive notification as the
// last task of the execution context. It is safe to call from any goroutine
// and more than once.
func (c *Conn) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		c.open.Store(false)
		err = c.raw.Close()
		c.exec.stop(func() { c.pipe.inactiveAt(0) })
	})
	return err
}

// PauseReads holds the read loop before its next read until ResumeReads.
func (c *Conn) PauseReads() {
	c.pauseMu.Lock()
	if c.resume == nil {
		c.resume = make(chan struct{})
	}
	c.pauseMu.Unlock()
}

// ResumeReads releases a paused read loop.
func (c *Conn) ResumeReads() {
	c.pauseMu.Lock()
	if c.resume != nil {
		close(c.resume)
		c.resume = nil
	}
	c.pauseMu.Unlock()
}

// waitResumed blocks while reads are paused. It reports false if the
// connection finished first.
func (c *Conn) waitResumed() bool {
	c.pauseMu.Lock()
	ch := c.resume
	c.pauseMu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-c.exec.done:
		return false
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, c.cfg.ReadBufferSize)
	for !c.readsOff.Load() {
		if !c.waitResumed() {
			return
		}
		if c.readsOff.Load() {
			return
		}
		n, err := c.raw.Read(buf)
		if n > 0 {
			msg := bytes.Clone(buf[:n])
			if !c.exec.submitWait(func() { c.pipe.messageAt(0, msg) }) {
				return
			}
		}
		if err == nil {
			continue
		}
		if !c.open.Load() {
			return
		}

		if errors.Is(err, io.EOF) {
			if !c.cfg.HalfClose {
				_ = c.Close()
				return
			}
			c.exec.submit(func() { c.pipe.eventAt(0, InputShutdown{}) })
			c.exec.submit(func() { c.pipe.eventAt(0, InputShutdownReadComplete{}) })
			return
		}

		c.exec.submit(func() { c.pipe.errorAt(0, fmt.Errorf("read: %w", err)) })
		return
	}
}

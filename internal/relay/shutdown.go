package relay

import (
	"fmt"

	"github.com/sensepost/mallet-relay/internal/conn"
)

// inputShutdown propagates the remote's FIN: whatever was written to the peer
// is flushed, then the peer's write direction is shut down.
func (e *Engine) inputShutdown() {
	peer, ok := e.peerForShutdown(conn.InputShutdown{})
	if !ok {
		return
	}

	if err := peer.Flush(); err != nil {
		e.log.Debug().Err(err).Msg("flush before half-close failed")
		_ = peer.Close()
		return
	}
	if err := peer.CloseWrite(); err != nil {
		e.log.Debug().Err(err).Msg("half-close failed, closing peer")
		_ = peer.Close()
	}
}

// inputReadComplete ends the pair: nothing more can be read here, so the
// peer is flushed and fully closed.
func (e *Engine) inputReadComplete() {
	e.c.DisableReads()

	peer, ok := e.peerForShutdown(conn.InputShutdownReadComplete{})
	if !ok {
		return
	}

	if err := peer.Flush(); err != nil {
		e.log.Debug().Err(err).Msg("flush before close failed")
	}
	_ = peer.Close()
}

// peerForShutdown returns the peer a half-close event applies to. Without a
// peer, an event seen while dialing is kept for replay and anything else
// closes this connection.
func (e *Engine) peerForShutdown(ev fmt.Stringer) (*conn.Conn, bool) {
	if peer := conn.PeerOf(e.c); peer != nil {
		return peer, true
	}

	switch {
	case e.pending != nil:
		e.deferred = append(e.deferred, ev)
	case e.State() != StateClosed:
		e.log.Debug().Stringer("event", ev).Msg("end of stream before a target was known")
		_ = e.c.Close()
	}
	return nil, false
}

func (e *Engine) replay(ev fmt.Stringer) {
	switch ev.(type) {
	case conn.InputShutdown:
		e.inputShutdown()
	case conn.InputShutdownReadComplete:
		e.inputReadComplete()
	}
}

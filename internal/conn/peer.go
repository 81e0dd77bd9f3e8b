package conn

import (
	"errors"
	"fmt"

	"github.com/sensepost/mallet-relay/internal/attr"
)

// ErrAlreadyLinked is returned by Link when either side already has a peer.
var ErrAlreadyLinked = errors.New("connection already linked")

// PeerKey holds the other half of a connection pair.
var PeerKey = attr.NewOnceKey[*Conn]("peer")

// PeerOf returns c's linked peer, or nil.
func PeerOf(c *Conn) *Conn {
	p, _ := attr.Get(c.attrs, PeerKey)
	return p
}

// Link pairs a and b. Neither side is modified if either already has a peer.
func Link(a, b *Conn) error {
	if a == b {
		return fmt.Errorf("link %s to itself: %w", a.id, ErrAlreadyLinked)
	}
	if PeerOf(a) != nil || PeerOf(b) != nil {
		return fmt.Errorf("link %s <-> %s: %w", a.id, b.id, ErrAlreadyLinked)
	}
	if err := attr.Set(a.attrs, PeerKey, b); err != nil {
		return fmt.Errorf("link %s: %w", a.id, err)
	}
	if err := attr.Set(b.attrs, PeerKey, a); err != nil {
		return fmt.Errorf("link %s: %w", b.id, err)
	}
	return nil
}

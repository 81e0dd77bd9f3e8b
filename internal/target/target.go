// Package target describes where an inbound connection should be relayed to.
package target

import (
	"context"
	"fmt"

	"github.com/sensepost/mallet-relay/internal/attr"
	"github.com/sensepost/mallet-relay/internal/conn"
	"github.com/sensepost/mallet-relay/internal/promise"
)

// Key holds the descriptor of the outbound connection an inbound connection
// wants. It can be set once.
var Key = attr.NewOnceKey[*Descriptor]("target")

// Descriptor is an immutable request for an outbound connection. Whoever
// resolves the dial completes it exactly once, with the outbound connection
// or with the failure. It can also be delivered to a connection as an event.
type Descriptor struct {
	network string
	address string
	result  *promise.Promise[*conn.Conn]
}

// New returns a descriptor for a TCP connection to address (host:port).
func New(address string) *Descriptor {
	return &Descriptor{
		network: "tcp",
		address: address,
		result:  promise.New[*conn.Conn](),
	}
}

func (d *Descriptor) Network() string { return d.network }

func (d *Descriptor) Address() string { return d.address }

func (d *Descriptor) String() string { return d.network + "://" + d.address }

// Succeed completes d with the outbound connection. Late calls are no-ops and
// report false.
func (d *Descriptor) Succeed(c *conn.Conn) bool { return d.result.TrySucceed(c) }

// Fail completes d with err. Late calls are no-ops and report false.
func (d *Descriptor) Fail(err error) bool { return d.result.TryFail(err) }

// OnComplete registers fn to observe the outcome. Continuations run in
// registration order on whichever goroutine completes d.
func (d *Descriptor) OnComplete(fn func(*conn.Conn, error)) { d.result.OnComplete(fn) }

// Done is closed once d is complete.
func (d *Descriptor) Done() <-chan struct{} { return d.result.Done() }

// Completed reports whether d has an outcome.
func (d *Descriptor) Completed() bool { return d.result.Resolved() }

// Wait blocks until d completes or ctx is done.
func (d *Descriptor) Wait(ctx context.Context) (*conn.Conn, error) {
	c, err := d.result.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.address, err)
	}
	return c, nil
}

// From returns the descriptor stored on c, or nil.
func From(c *conn.Conn) *Descriptor {
	d, _ := attr.Get(c.Attrs(), Key)
	return d
}

// Set stores d on c. It fails if c already has a descriptor.
func Set(c *conn.Conn, d *Descriptor) error {
	return attr.Set(c.Attrs(), Key, d)
}

// Package pipeline defines how processing stages are chosen for the outbound
// half of a relayed connection pair.
package pipeline

import (
	"github.com/sensepost/mallet-relay/internal/attr"
	"github.com/sensepost/mallet-relay/internal/conn"
)

// Provider returns the stages to install on a freshly dialed outbound
// connection. newRelay builds a relay stage for that connection; providers
// normally place it last.
//
// ClientStages is called once per outbound connection, from the inbound
// connection's execution context, before any buffered data is forwarded. An
// error tears the pair down.
type Provider interface {
	ClientStages(newRelay func() conn.Handler) ([]conn.Handler, error)
}

// ProviderFunc adapts a func to Provider.
type ProviderFunc func(newRelay func() conn.Handler) ([]conn.Handler, error)

func (f ProviderFunc) ClientStages(newRelay func() conn.Handler) ([]conn.Handler, error) {
	return f(newRelay)
}

// RelayOnly installs nothing but the relay stage.
var RelayOnly Provider = ProviderFunc(func(newRelay func() conn.Handler) ([]conn.Handler, error) {
	return []conn.Handler{newRelay()}, nil
})

// SpecKey holds the Provider shared by the inbound connection and every
// outbound connection it spawns.
var SpecKey = attr.NewKey[Provider]("pipeline")

// SpecOf returns the provider stored on c, or nil.
func SpecOf(c *conn.Conn) Provider {
	p, _ := attr.Get(c.Attrs(), SpecKey)
	return p
}

// SetSpec stores p on c.
func SetSpec(c *conn.Conn, p Provider) {
	_ = attr.Set(c.Attrs(), SpecKey, p)
}

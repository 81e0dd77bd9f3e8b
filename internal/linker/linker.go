// Package linker records which inbound and outbound connections belong
// together.
package linker

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Linker is told about every new connection pair. Implementations must not
// block; the relay ignores anything that goes wrong inside them.
type Linker interface {
	LinkConnections(inboundID, outboundID string)
}

// LinkerFunc adapts a func to Linker.
type LinkerFunc func(inboundID, outboundID string)

func (f LinkerFunc) LinkConnections(inboundID, outboundID string) { f(inboundID, outboundID) }

// Nop discards pairings.
var Nop Linker = LinkerFunc(func(string, string) {})

// DefaultSize is the number of connection ids a Registry remembers when
// NewRegistry is given a non-positive size.
const DefaultSize = 4096

// Registry remembers the most recent pairings in both directions.
type Registry struct {
	peers *lru.Cache[string, string]
	log   zerolog.Logger
	pairs prometheus.Counter
}

// NewRegistry returns a registry holding up to size connection ids. If reg is
// non-nil a pair counter is registered with it.
func NewRegistry(size int, log zerolog.Logger, reg prometheus.Registerer) (*Registry, error) {
	if size <= 0 {
		size = DefaultSize
	}
	peers, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		peers: peers,
		log:   log,
		pairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mallet",
			Subsystem: "linker",
			Name:      "pairs_total",
			Help:      "Connection pairs linked.",
		}),
	}
	if reg != nil {
		if err := reg.Register(r.pairs); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) LinkConnections(inboundID, outboundID string) {
	r.peers.Add(inboundID, outboundID)
	r.peers.Add(outboundID, inboundID)
	r.pairs.Inc()
	r.log.Debug().Str("inbound", inboundID).Str("outbound", outboundID).Msg("linked")
}

// PeerOf returns the id paired with id, if it is still remembered.
func (r *Registry) PeerOf(id string) (string, bool) {
	return r.peers.Get(id)
}

// Len returns the number of remembered ids.
func (r *Registry) Len() int { return r.peers.Len() }

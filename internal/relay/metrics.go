package relay

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts relay activity. A nil *Metrics records nothing.
type Metrics struct {
	dials  *prometheus.CounterVec
	active prometheus.Gauge
	queued prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with reg, if
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mallet",
			Subsystem: "relay",
			Name:      "dials_total",
			Help:      "Outbound connection attempts by result.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mallet",
			Subsystem: "relay",
			Name:      "active_pairs",
			Help:      "Connection pairs currently relaying.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mallet",
			Subsystem: "relay",
			Name:      "queued_messages_total",
			Help:      "Inbound messages held back while the outbound dial was in flight.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.dials, m.active, m.queued} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) dialed(err error) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(dialResult(err)).Inc()
}

func (m *Metrics) pairOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) pairClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) messageQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

func dialResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDialTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

package pipeline

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensepost/mallet-relay/internal/conn"
)

type stage struct {
	conn.Passthrough
	name string
}

func TestRelayOnly(t *testing.T) {
	relay := &stage{name: "relay"}
	calls := 0
	hs, err := RelayOnly.ClientStages(func() conn.Handler {
		calls++
		return relay
	})
	require.NoError(t, err)
	assert.Equal(t, []conn.Handler{relay}, hs)
	assert.Equal(t, 1, calls)
}

func TestSpecRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := conn.New(a, conn.Config{Logger: zerolog.Nop()})
	defer c.Close()

	assert.Nil(t, SpecOf(c))

	tls := &stage{name: "tls"}
	p := ProviderFunc(func(newRelay func() conn.Handler) ([]conn.Handler, error) {
		return []conn.Handler{tls, newRelay()}, nil
	})
	SetSpec(c, p)

	got := SpecOf(c)
	require.NotNil(t, got)
	hs, err := got.ClientStages(func() conn.Handler { return &stage{name: "relay"} })
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Same(t, tls, hs[0])
}

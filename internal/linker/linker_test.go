package linker

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLinksBothDirections(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRegistry(16, zerolog.Nop(), reg)
	require.NoError(t, err)

	r.LinkConnections("in", "out")

	peer, ok := r.PeerOf("in")
	require.True(t, ok)
	assert.Equal(t, "out", peer)

	peer, ok = r.PeerOf("out")
	require.True(t, ok)
	assert.Equal(t, "in", peer)

	_, ok = r.PeerOf("other")
	assert.False(t, ok)

	assert.InDelta(t, 1, testutil.ToFloat64(r.pairs), 0)
}

func TestRegistryEvictsOldest(t *testing.T) {
	r, err := NewRegistry(4, zerolog.Nop(), nil)
	require.NoError(t, err)

	for i := range 3 {
		r.LinkConnections(fmt.Sprintf("in%d", i), fmt.Sprintf("out%d", i))
	}

	assert.Equal(t, 4, r.Len())
	_, ok := r.PeerOf("in0")
	assert.False(t, ok)
	_, ok = r.PeerOf("out2")
	assert.True(t, ok)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRegistry(0, zerolog.Nop(), reg)
	require.NoError(t, err)
	_, err = NewRegistry(0, zerolog.Nop(), reg)
	require.Error(t, err)
}

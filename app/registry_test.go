package app

import (
	"testing"

	"github.com/fr13n8/connmux/endpoint"
	"github.com/fr13n8/connmux/poll"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeStreams(t *testing.T, l *poll.Loop) (*endpoint.Stream, *endpoint.Stream) {
	t.Helper()

	a, b, err := endpoint.NewPipePair()
	require.NoError(t, err)

	opts := endpoint.StreamOptions{Metrics: endpoint.NewMetrics(prometheus.NewRegistry())}
	sa, err := endpoint.NewStream(l, a, opts, endpoint.NopObserver{})
	require.NoError(t, err)
	sb, err := endpoint.NewStream(l, b, opts, endpoint.NopObserver{})
	require.NoError(t, err)
	return sa, sb
}

func TestRegistry(t *testing.T) {
	l, err := poll.New()
	require.NoError(t, err)
	defer l.Close()

	sa, sb := newPipeStreams(t, l)

	r := NewRegistry()
	first := r.Add(sa)
	second := r.Add(sb)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, first, r.Get(first.ID))
	assert.Nil(t, r.Get("missing"))
	assert.Len(t, r.Sessions(), 2)

	r.Remove(second.ID)
	assert.Equal(t, 1, r.Len())
	assert.False(t, sb.IsClosed(), "remove does not close the stream")

	require.NoError(t, r.Cleanup())
	assert.Equal(t, 0, r.Len())
	assert.True(t, sa.IsClosed())

	require.NoError(t, sb.Close())
}

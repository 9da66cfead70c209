package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zcm/internal/core/datagram"
	"zcm/internal/core/network"
	"zcm/internal/core/zcm"
)

func TestNonBlockingPatternScenario(t *testing.T) {
	bus := network.NewMemoryBus(1500)
	tp, err := datagram.New(bus.Join(0), datagram.Options{})
	require.NoError(t, err)
	tr, err := datagram.New(bus.Join(0), datagram.Options{FilterByInterest: true})
	require.NoError(t, err)
	pub := NewNonBlocking(tp)
	sub := NewNonBlocking(tr)
	defer pub.Close()
	defer sub.Close()

	require.ErrorIs(t, sub.Handle(), zcm.ErrWouldBlock)

	var exactHits, prefixHits int
	exact, err := sub.Subscribe("EXAMPLE", func(zcm.Message) { exactHits++ })
	require.NoError(t, err)
	_, err = sub.Subscribe("EX.*", func(zcm.Message) { prefixHits++ })
	require.NoError(t, err)

	require.NoError(t, pub.Publish("EXAMPLE", []byte("1")))
	require.NoError(t, pub.Publish("EXTRA", make([]byte, 5000)))
	require.NoError(t, pub.Publish("OTHER", []byte("3")))

	for sub.Handle() == nil {
	}
	assert.Equal(t, 1, exactHits)
	assert.Equal(t, 2, prefixHits)

	require.NoError(t, sub.Unsubscribe(exact))
	require.NoError(t, pub.Publish("EXAMPLE", []byte("4")))
	require.NoError(t, sub.Handle())
	assert.Equal(t, 1, exactHits)
	assert.Equal(t, 3, prefixHits)
	require.ErrorIs(t, sub.Handle(), zcm.ErrWouldBlock)

	stats := tr.Stats()
	assert.Equal(t, uint64(3), stats.MessagesReceived)
}

package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zcm/internal/core/zcm"
)

func TestMemoryBusDeliversToEveryEndpoint(t *testing.T) {
	bus := NewMemoryBus(0)
	a := bus.Join(0)
	b := bus.Join(0)
	defer a.Close()
	defer b.Close()

	pkt := []byte("hello")
	require.NoError(t, a.Send(pkt))
	pkt[0] = 'X'

	for _, ep := range []*MemoryMedium{a, b} {
		got, err := ep.TryReceive()
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got.Data)
		assert.Equal(t, a.Peer(), got.Peer)
		assert.False(t, got.RecvTime.IsZero())
	}
	_, err := b.TryReceive()
	assert.ErrorIs(t, err, zcm.ErrWouldBlock)
}

func TestMemoryMediumLimits(t *testing.T) {
	bus := NewMemoryBus(100)
	a := bus.Join(2)
	assert.Equal(t, 100, a.MTU())

	require.ErrorIs(t, a.Send(make([]byte, 101)), zcm.ErrMessageTooLarge)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Send([]byte{byte(i)}))
	}
	assert.Equal(t, uint64(3), a.Overflows())

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send([]byte{1}), zcm.ErrClosed)
	require.NoError(t, a.Close())
}

func TestMemoryBusFilter(t *testing.T) {
	bus := NewMemoryBus(0)
	a := bus.Join(0)
	bus.SetFilter(func(_ string, pkt []byte) bool { return pkt[0] != 'x' })

	require.NoError(t, a.Send([]byte("xdrop")))
	require.NoError(t, a.Send([]byte("keep")))
	got, err := a.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got.Data)
}

func TestMemoryReceiveBlocks(t *testing.T) {
	bus := NewMemoryBus(0)
	a := bus.Join(0)
	b := bus.Join(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = a.Send([]byte("late"))
	}()
	got, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), got.Data)

	require.NoError(t, b.Close())
	_, err = b.Receive(context.Background())
	require.ErrorIs(t, err, zcm.ErrClosed)
}

package spy

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zcm/internal/core/datagram"
	"zcm/internal/core/dispatch"
	"zcm/internal/core/network"
	"zcm/internal/core/zcm"
)

func TestTrackerRates(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(time.Second, WithClock(mock))

	for i := 0; i < 10; i++ {
		tr.Observe(zcm.Message{Channel: "POSE", Payload: make([]byte, 100)})
		mock.Add(100 * time.Millisecond)
	}
	tr.Observe(zcm.Message{Channel: "CAM", Payload: []byte{0xde, 0xad}})

	st, err := tr.Channel("POSE")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.Messages)
	assert.Equal(t, uint64(1000), st.Bytes)
	assert.Equal(t, 100, st.LastSize)
	// The first sample fell out of the one second window.
	assert.InDelta(t, 9.0, st.Hz, 0.001)
	assert.InDelta(t, 900.0, st.BytesPerSec, 0.001)
	assert.InDelta(t, 100.0, st.MinIntervalMS, 0.001)
	assert.InDelta(t, 100.0, st.MaxIntervalMS, 0.001)

	all := tr.Channels()
	require.Len(t, all, 2)
	assert.Equal(t, "CAM", all[0].Name)
	assert.Equal(t, "dead", all[0].Preview)

	_, err = tr.Channel("NOPE")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	tr.Reset()
	assert.Empty(t, tr.Channels())
}

func TestTrackerWatch(t *testing.T) {
	tr := NewTracker(time.Second)
	events, cancel := tr.Watch()

	tr.Observe(zcm.Message{Channel: "A", Payload: []byte("xyz")})
	ev := <-events
	assert.Equal(t, "A", ev.Channel)
	assert.Equal(t, 3, ev.Size)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
	tr.Observe(zcm.Message{Channel: "A"})
}

func TestTrackerAttach(t *testing.T) {
	bus := network.NewMemoryBus(0)
	tp, err := datagram.New(bus.Join(0), datagram.Options{})
	require.NoError(t, err)
	tsub, err := datagram.New(bus.Join(0), datagram.Options{})
	require.NoError(t, err)
	pub := dispatch.NewNonBlocking(tp)
	sub := dispatch.NewNonBlocking(tsub)
	defer pub.Close()
	defer sub.Close()

	tr := NewTracker(time.Second)
	_, err = tr.Attach(sub, "IMU.*")
	require.NoError(t, err)
	_, err = tr.Attach(sub, "IMU(")
	require.ErrorIs(t, err, zcm.ErrUnsupportedPattern)

	require.NoError(t, pub.Publish("IMU_RAW", []byte("abc")))
	require.NoError(t, pub.Publish("GPS", []byte("abc")))
	for sub.Handle() == nil {
	}

	chans := tr.Channels()
	require.Len(t, chans, 1)
	assert.Equal(t, "IMU_RAW", chans[0].Name)
}

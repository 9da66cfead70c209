package datagram

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"zcm/internal/core/network"
	"zcm/internal/core/wire"
	"zcm/internal/core/zcm"
)

func pair(t *testing.T, bus *network.MemoryBus, opts Options) (*Transport, *Transport) {
	t.Helper()
	a, err := New(bus.Join(0), Options{})
	require.NoError(t, err)
	b, err := New(bus.Join(0), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func recv(t *testing.T, tr *Transport) zcm.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := tr.RecvMsg(ctx)
	require.NoError(t, err)
	return msg
}

func TestTransportLargeMessage(t *testing.T) {
	bus := network.NewMemoryBus(1500)
	reg := prometheus.NewRegistry()
	a, b := pair(t, bus, Options{Registerer: reg})

	data := bytes.Repeat([]byte("0123456789"), 20000)
	require.NoError(t, a.SendMsg("BIG", data))

	msg := recv(t, b)
	assert.Equal(t, "BIG", msg.Channel)
	assert.Equal(t, data, msg.Payload)
	assert.False(t, msg.RecvTime.IsZero())

	assert.Equal(t, 136.0, testutil.ToFloat64(b.metrics.packetsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.messagesReceived))
	assert.Equal(t, 136.0, testutil.ToFloat64(a.metrics.packetsSent))
	assert.Equal(t, uint64(1), b.Stats().MessagesReceived)
}

func TestTransportLostFragmentStallsOneMessage(t *testing.T) {
	bus := network.NewMemoryBus(1500)
	bus.SetFilter(func(_ string, pkt []byte) bool {
		h, _, err := wire.ParseLong(pkt)
		return err != nil || h.Seq != 0 || h.FragIndex != 5
	})
	reg := prometheus.NewRegistry()
	a, b := pair(t, bus, Options{Registerer: reg})

	require.NoError(t, a.SendMsg("BIG", make([]byte, 200000)))
	second := bytes.Repeat([]byte{7}, 50000)
	require.NoError(t, a.SendMsg("BIG", second))

	msg := recv(t, b)
	assert.Equal(t, second, msg.Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.dropped.WithLabelValues("stale_stream")))

	_, err := b.TryRecvMsg()
	assert.ErrorIs(t, err, zcm.ErrWouldBlock)
}

func TestTransportInterestFilter(t *testing.T) {
	bus := network.NewMemoryBus(0)
	a, b := pair(t, bus, Options{FilterByInterest: true})

	require.NoError(t, a.SendMsg("POSE", []byte("x")))
	_, err := b.TryRecvMsg()
	require.ErrorIs(t, err, zcm.ErrWouldBlock)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.dropped.WithLabelValues("uninterested")))
	assert.Equal(t, uint64(0), b.Stats().PacketsDropped)

	require.NoError(t, b.SetInterest("PO.*", true))
	require.NoError(t, a.SendMsg("POSE", []byte("y")))
	msg, err := b.TryRecvMsg()
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), msg.Payload)

	require.NoError(t, b.SetInterest("PO.*", false))
	require.NoError(t, a.SendMsg("POSE", []byte("z")))
	_, err = b.TryRecvMsg()
	require.ErrorIs(t, err, zcm.ErrWouldBlock)
}

func TestTransportLossReport(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mock := clock.NewMock()
	bus := network.NewMemoryBus(0)
	sender := bus.Join(0)
	b, err := New(bus.Join(0), Options{Logger: zap.New(core), Clock: mock})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, sender.Send([]byte("garbage!!")))
	_, err = b.TryRecvMsg()
	require.ErrorIs(t, err, zcm.ErrWouldBlock)

	b.Tick()
	assert.Equal(t, 0, logs.Len(), "no report before the interval")

	mock.Add(DefaultReportInterval)
	b.Tick()
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "zcm loss", entry.Message)
	assert.Equal(t, uint64(1), entry.ContextMap()["discarded"])

	mock.Add(DefaultReportInterval)
	b.Tick()
	assert.Equal(t, 1, logs.Len(), "quiet interval is not reported")
}

type fakeMedium struct {
	mtu         int
	sent        int
	failAt      int
	interestErr error
}

func (f *fakeMedium) MTU() int { return f.mtu }

func (f *fakeMedium) Send([]byte) error {
	f.sent++
	if f.sent == f.failAt {
		return zcm.ErrWouldBlock
	}
	return nil
}

func (f *fakeMedium) Receive(ctx context.Context) (network.Packet, error) {
	<-ctx.Done()
	return network.Packet{}, ctx.Err()
}

func (f *fakeMedium) TryReceive() (network.Packet, error) { return network.Packet{}, zcm.ErrWouldBlock }

func (f *fakeMedium) SetInterest(string, bool) error { return f.interestErr }

func (f *fakeMedium) Tick() {}

func (f *fakeMedium) Close() error { return nil }

func TestTransportSendErrors(t *testing.T) {
	m := &fakeMedium{mtu: 1500, failAt: 1}
	tr, err := New(m, Options{})
	require.NoError(t, err)

	err = tr.SendMsg("A", []byte("x"))
	require.ErrorIs(t, err, zcm.ErrWouldBlock)
	assert.Equal(t, zcm.CodeAgain, zcm.CodeOf(err))

	m.sent, m.failAt = 0, 3
	err = tr.SendMsg("A", make([]byte, 10000))
	require.ErrorIs(t, err, zcm.ErrPartialSend)
	assert.Equal(t, 2.0, testutil.ToFloat64(tr.metrics.sendErrors))

	err = tr.SendMsg("A", make([]byte, tr.MTU()+1))
	require.ErrorIs(t, err, zcm.ErrMessageTooLarge)

	err = tr.SendMsg("", []byte("x"))
	require.ErrorIs(t, err, zcm.ErrInvalidArgument)

	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.SendMsg("A", nil), zcm.ErrClosed)
}

func TestTransportInterestMediumFailure(t *testing.T) {
	m := &fakeMedium{mtu: 1500, interestErr: errors.New("no filter slots")}
	tr, err := New(m, Options{FilterByInterest: true})
	require.NoError(t, err)

	require.Error(t, tr.SetInterest("A", true))
	assert.False(t, tr.interested("A"))
}

func TestTransportInterestDisableFailureStillCloses(t *testing.T) {
	m := &fakeMedium{mtu: 1500}
	tr, err := New(m, Options{FilterByInterest: true})
	require.NoError(t, err)

	require.NoError(t, tr.SetInterest("A", true))
	m.interestErr = errors.New("medium gone")
	require.Error(t, tr.SetInterest("A", false))
	assert.False(t, tr.interested("A"))

	m.interestErr = nil
	require.NoError(t, tr.SetInterest("A", true))
	require.NoError(t, tr.SetInterest("A", false))
	assert.False(t, tr.interested("A"))
}

func TestTransportCloseUnblocksReceive(t *testing.T) {
	bus := network.NewMemoryBus(0)
	tr, err := New(bus.Join(0), Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tr.RecvMsg(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, zcm.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("RecvMsg did not return after Close")
	}
}

func TestTransportSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := network.NewMemoryBus(0)
	a, err := New(bus.Join(0), Options{Registerer: reg})
	require.NoError(t, err)
	b, err := New(bus.Join(0), Options{Registerer: reg})
	require.NoError(t, err)

	require.NoError(t, a.SendMsg("A", []byte("x")))
	require.NoError(t, b.SendMsg("A", []byte("x")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.messagesSent))
}

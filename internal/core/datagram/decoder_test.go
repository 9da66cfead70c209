package datagram

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zcm/internal/core/fragment"
	"zcm/internal/core/wire"
	"zcm/internal/core/zcm"
)

func newDecoder(t *testing.T) (*Decoder, *fragment.Pool) {
	t.Helper()
	pool, err := fragment.NewPool(fragment.Config{})
	require.NoError(t, err)
	return NewDecoder(pool), pool
}

func TestRoundTrip(t *testing.T) {
	const mtu = 1500
	enc, err := NewEncoder(mtu)
	require.NoError(t, err)
	dec, pool := newDecoder(t)

	short := enc.Sizes().ShortMessageMax - len("ROUND") - 1
	for _, n := range []int{0, 1, short, short + 1, 3 * mtu, 10*mtu + 7, 200000} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			data := make([]byte, n)
			rand.New(rand.NewSource(int64(n))).Read(data)
			pkts, err := enc.Packets("ROUND", data)
			require.NoError(t, err)

			for i, pkt := range pkts[:len(pkts)-1] {
				_, status, reason := dec.Decode("peer", pkt)
				require.Equal(t, Pending, status, "packet %d: %s", i, reason)
			}
			msg, status, _ := dec.Decode("peer", pkts[len(pkts)-1])
			require.Equal(t, Complete, status)
			assert.Equal(t, "ROUND", msg.Channel)
			assert.Equal(t, data, msg.Payload)
			assert.Equal(t, fragment.Stats{}, pool.Stats())
		})
	}
}

func TestDecodeReverseOrderAfterFirst(t *testing.T) {
	enc, err := NewEncoder(1500)
	require.NoError(t, err)
	dec, _ := newDecoder(t)

	data := make([]byte, 20000)
	rand.New(rand.NewSource(7)).Read(data)
	pkts, err := enc.Packets("REV", data)
	require.NoError(t, err)

	_, status, _ := dec.Decode("p", pkts[0])
	require.Equal(t, Pending, status)
	for i := len(pkts) - 1; i > 1; i-- {
		_, status, _ = dec.Decode("p", pkts[i])
		require.Equal(t, Pending, status)
	}
	msg, status, _ := dec.Decode("p", pkts[1])
	require.Equal(t, Complete, status)
	assert.Equal(t, data, msg.Payload)
}

func TestDecodeInterleavedPeers(t *testing.T) {
	encA, _ := NewEncoder(1500)
	encB, _ := NewEncoder(1500)
	dec, _ := newDecoder(t)

	a, err := encA.Packets("A", make([]byte, 6000))
	require.NoError(t, err)
	b, err := encB.Packets("B", make([]byte, 6000))
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))

	var got []string
	for i := range a {
		for peer, pkt := range map[string][]byte{"a": a[i], "b": b[i]} {
			if msg, status, _ := dec.Decode(peer, pkt); status == Complete {
				got = append(got, msg.Channel)
			}
		}
	}
	assert.ElementsMatch(t, []string{"A", "B"}, got)
}

func TestDecodeRejects(t *testing.T) {
	dec, pool := newDecoder(t)

	short := func(body string) []byte {
		b := make([]byte, wire.ShortHeaderSize, wire.ShortHeaderSize+len(body))
		wire.ShortHeader{Seq: 1}.MarshalTo(b)
		return append(b, body...)
	}
	long := func(h wire.LongHeader, body string) []byte {
		b := make([]byte, wire.LongHeaderSize, wire.LongHeaderSize+len(body))
		h.MarshalTo(b)
		return append(b, body...)
	}

	cases := []struct {
		name   string
		pkt    []byte
		reason zcm.DropReason
	}{
		{"too short", []byte{0x4c, 0x43, 0x30}, zcm.DropMalformed},
		{"bad magic", []byte{1, 2, 3, 4, 0, 0, 0, 0, 'A', 0}, zcm.DropMalformed},
		{"unterminated channel", short("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"), zcm.DropMalformed},
		{"empty channel", short("\x00payload"), zcm.DropInvalidChannel},
		{"truncated fragment", short("A\x00")[:4:4], zcm.DropMalformed},
		{"zero count", long(wire.LongHeader{MsgSize: 10}, "A\x00x"), zcm.DropMalformed},
		{"index past count", long(wire.LongHeader{MsgSize: 10, FragIndex: 2, FragmentCount: 2}, "x"), zcm.DropMalformed},
		{"fragment empty channel", long(wire.LongHeader{MsgSize: 10, FragmentCount: 2}, "\x00x"), zcm.DropInvalidChannel},
		{"orphan fragment", long(wire.LongHeader{MsgSize: 10, FragIndex: 1, FragmentCount: 2}, "x"), zcm.DropMissingFragmentZero},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, status, reason := dec.Decode("p", tc.pkt)
			assert.Equal(t, Rejected, status)
			assert.Equal(t, tc.reason, reason)
		})
	}
	assert.Equal(t, fragment.Stats{}, pool.Stats())

	// A fragment packet shorter than its header.
	pkt := long(wire.LongHeader{FragmentCount: 1}, "")[:12]
	_, status, reason := dec.Decode("p", pkt)
	assert.Equal(t, Rejected, status)
	assert.Equal(t, zcm.DropMalformed, reason)
}

func TestDecodeFilter(t *testing.T) {
	enc, _ := NewEncoder(1500)
	dec, pool := newDecoder(t)
	dec.SetFilter(func(ch string) bool { return ch == "WANTED" })

	pkts, err := enc.Packets("OTHER", []byte("x"))
	require.NoError(t, err)
	_, status, reason := dec.Decode("p", pkts[0])
	assert.Equal(t, Rejected, status)
	assert.Equal(t, zcm.DropUninterested, reason)

	pkts, err = enc.Packets("OTHER", make([]byte, 4000))
	require.NoError(t, err)
	_, _, reason = dec.Decode("p", pkts[0])
	assert.Equal(t, zcm.DropUninterested, reason)
	assert.Equal(t, 0, pool.Stats().Buffers)

	pkts, err = enc.Packets("WANTED", []byte("x"))
	require.NoError(t, err)
	msg, status, _ := dec.Decode("p", pkts[0])
	assert.Equal(t, Complete, status)
	assert.Equal(t, []byte("x"), msg.Payload)
}

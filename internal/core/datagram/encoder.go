// Package datagram frames messages into MTU-sized packets and reassembles
// them, and adapts a packet medium to the message-level zcm.Transport.
package datagram

import (
	"bytes"
	"fmt"
	"math"

	"zcm/internal/core/wire"
	"zcm/internal/core/zcm"
)

// Encoder turns messages into packets for one sender. Each message takes
// the next sequence number. An Encoder is not safe for concurrent use.
type Encoder struct {
	sizes wire.Sizes
	seq   uint32
	buf   []byte
}

func NewEncoder(mtu int) (*Encoder, error) {
	sizes, err := wire.SizesFor(mtu)
	if err != nil {
		return nil, err
	}
	return &Encoder{sizes: sizes, buf: make([]byte, mtu)}, nil
}

func (e *Encoder) Sizes() wire.Sizes { return e.sizes }

// Seq is the sequence number the next message will carry.
func (e *Encoder) Seq() uint32 { return e.seq }

// Encode frames one message and hands its packets to emit in order. The
// slice passed to emit is reused for the next packet, so emit must not keep
// it. Encoding stops at the first emit error: if no packet went out that
// error is returned unchanged, otherwise it is wrapped with
// zcm.ErrPartialSend.
func (e *Encoder) Encode(channel string, payload []byte, emit func(pkt []byte) error) error {
	if err := zcm.ValidateChannel(channel); err != nil {
		return err
	}
	if e.sizes.IsShort(len(channel), len(payload)) {
		seq := e.next()
		pkt := e.buf[:wire.ShortHeaderSize+len(channel)+1+len(payload)]
		n := wire.ShortHeader{Seq: seq}.MarshalTo(pkt)
		n += copy(pkt[n:], channel)
		pkt[n] = 0
		copy(pkt[n+1:], payload)
		return emit(pkt)
	}

	count := e.sizes.FragmentCount(len(channel), len(payload))
	if count > wire.MaxFragments || uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes on %q need %d fragments", zcm.ErrMessageTooLarge, len(payload), channel, count)
	}
	seq := e.next()
	offset := 0
	for i := 0; i < count; i++ {
		pkt := e.buf[:e.sizes.MTU]
		n := wire.LongHeader{
			Seq:           seq,
			MsgSize:       uint32(len(payload)),
			FragOffset:    uint32(offset),
			FragIndex:     uint16(i),
			FragmentCount: uint16(count),
		}.MarshalTo(pkt)
		if i == 0 {
			n += copy(pkt[n:], channel)
			pkt[n] = 0
			n++
		}
		c := copy(pkt[n:], payload[offset:])
		offset += c
		if err := emit(pkt[:n+c]); err != nil {
			if i == 0 {
				return err
			}
			return fmt.Errorf("%w: fragment %d of %d: %w", zcm.ErrPartialSend, i, count, err)
		}
	}
	return nil
}

// Packets encodes one message into freshly allocated packets.
func (e *Encoder) Packets(channel string, payload []byte) ([][]byte, error) {
	var out [][]byte
	err := e.Encode(channel, payload, func(pkt []byte) error {
		out = append(out, bytes.Clone(pkt))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Encoder) next() uint32 {
	s := e.seq
	e.seq++
	return s
}

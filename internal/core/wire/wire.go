// Package wire encodes and decodes the two packet headers used on every
// medium. All integers are big-endian.
//
// Short packet:
//
//	0 ..3   magic 0x4c433032 ("LC02")
//	4 ..7   message sequence number
//	8 ..    channel name, NUL-terminated, then payload
//
// Fragment packet:
//
//	0 ..3   magic 0x4c433033 ("LC03")
//	4 ..7   message sequence number
//	8 ..11  total message size
//	12..15  fragment offset
//	16..17  fragment index
//	18..19  fragment count
//	20..    [index 0 only: channel name, NUL-terminated] payload chunk
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"zcm/internal/core/zcm"
)

const (
	MagicShort uint32 = 0x4c433032
	MagicLong  uint32 = 0x4c433033

	ShortHeaderSize = 8
	LongHeaderSize  = 20

	MaxFragments = 65535
)

var order = binary.BigEndian

// ShortHeader precedes a single-packet message.
type ShortHeader struct {
	Seq uint32
}

// MarshalTo writes the header into b, which must hold ShortHeaderSize bytes.
func (h ShortHeader) MarshalTo(b []byte) int {
	order.PutUint32(b[0:4], MagicShort)
	order.PutUint32(b[4:8], h.Seq)
	return ShortHeaderSize
}

// LongHeader precedes each fragment of a multi-packet message.
type LongHeader struct {
	Seq           uint32
	MsgSize       uint32
	FragOffset    uint32
	FragIndex     uint16
	FragmentCount uint16
}

// MarshalTo writes the header into b, which must hold LongHeaderSize bytes.
func (h LongHeader) MarshalTo(b []byte) int {
	order.PutUint32(b[0:4], MagicLong)
	order.PutUint32(b[4:8], h.Seq)
	order.PutUint32(b[8:12], h.MsgSize)
	order.PutUint32(b[12:16], h.FragOffset)
	order.PutUint16(b[16:18], h.FragIndex)
	order.PutUint16(b[18:20], h.FragmentCount)
	return LongHeaderSize
}

// Magic returns the magic word of a packet. ok is false when the packet is
// too short to carry even a short header.
func Magic(pkt []byte) (magic uint32, ok bool) {
	if len(pkt) < ShortHeaderSize {
		return 0, false
	}
	return order.Uint32(pkt[0:4]), true
}

// ParseShort splits a short packet into its header and body.
func ParseShort(pkt []byte) (ShortHeader, []byte, error) {
	magic, ok := Magic(pkt)
	if !ok {
		return ShortHeader{}, nil, fmt.Errorf("%w: %d byte packet", zcm.ErrMalformed, len(pkt))
	}
	if magic != MagicShort {
		return ShortHeader{}, nil, fmt.Errorf("%w: bad magic %#x", zcm.ErrMalformed, magic)
	}
	return ShortHeader{Seq: order.Uint32(pkt[4:8])}, pkt[ShortHeaderSize:], nil
}

// ParseLong splits a fragment packet into its header and body.
func ParseLong(pkt []byte) (LongHeader, []byte, error) {
	if len(pkt) < LongHeaderSize {
		return LongHeader{}, nil, fmt.Errorf("%w: %d byte fragment", zcm.ErrMalformed, len(pkt))
	}
	if magic := order.Uint32(pkt[0:4]); magic != MagicLong {
		return LongHeader{}, nil, fmt.Errorf("%w: bad magic %#x", zcm.ErrMalformed, magic)
	}
	h := LongHeader{
		Seq:           order.Uint32(pkt[4:8]),
		MsgSize:       order.Uint32(pkt[8:12]),
		FragOffset:    order.Uint32(pkt[12:16]),
		FragIndex:     order.Uint16(pkt[16:18]),
		FragmentCount: order.Uint16(pkt[18:20]),
	}
	return h, pkt[LongHeaderSize:], nil
}

// SplitChannel reads a NUL-terminated channel name from the front of body.
// The terminator must appear within ChannelMaxLen+1 bytes. The returned
// name may be empty; callers decide whether that is acceptable.
func SplitChannel(body []byte) (channel string, rest []byte, err error) {
	limit := len(body)
	if limit > zcm.ChannelMaxLen+1 {
		limit = zcm.ChannelMaxLen + 1
	}
	n := bytes.IndexByte(body[:limit], 0)
	if n < 0 {
		return "", nil, fmt.Errorf("%w: unterminated channel name", zcm.ErrMalformed)
	}
	return string(body[:n]), body[n+1:], nil
}

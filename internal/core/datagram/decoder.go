package datagram

import (
	"bytes"

	"zcm/internal/core/fragment"
	"zcm/internal/core/wire"
	"zcm/internal/core/zcm"
)

// Status is the outcome of decoding one packet.
type Status uint8

const (
	// Rejected packets were dropped; the accompanying DropReason says why.
	Rejected Status = iota
	// Pending fragments were accepted but their message is not complete.
	Pending
	Complete
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	default:
		return "rejected"
	}
}

// Decoder turns packets from many peers into messages. It is not safe for
// concurrent use.
type Decoder struct {
	pool   *fragment.Pool
	accept func(channel string) bool
}

func NewDecoder(pool *fragment.Pool) *Decoder {
	return &Decoder{pool: pool}
}

// SetFilter installs a predicate consulted for short packets and for the
// first fragment of a message. Channels it refuses are rejected as
// uninterested before any reassembly state is allocated. nil accepts all.
func (d *Decoder) SetFilter(accept func(channel string) bool) { d.accept = accept }

// Decode processes one packet received from peer. pkt is not retained.
func (d *Decoder) Decode(peer string, pkt []byte) (zcm.Message, Status, zcm.DropReason) {
	magic, ok := wire.Magic(pkt)
	if !ok {
		return zcm.Message{}, Rejected, zcm.DropMalformed
	}
	switch magic {
	case wire.MagicShort:
		return d.decodeShort(pkt)
	case wire.MagicLong:
		return d.decodeFragment(peer, pkt)
	default:
		return zcm.Message{}, Rejected, zcm.DropMalformed
	}
}

func (d *Decoder) decodeShort(pkt []byte) (zcm.Message, Status, zcm.DropReason) {
	_, body, err := wire.ParseShort(pkt)
	if err != nil {
		return zcm.Message{}, Rejected, zcm.DropMalformed
	}
	ch, payload, err := wire.SplitChannel(body)
	if err != nil {
		return zcm.Message{}, Rejected, zcm.DropMalformed
	}
	if zcm.ValidateChannel(ch) != nil {
		return zcm.Message{}, Rejected, zcm.DropInvalidChannel
	}
	if d.accept != nil && !d.accept(ch) {
		return zcm.Message{}, Rejected, zcm.DropUninterested
	}
	return zcm.Message{Channel: ch, Payload: bytes.Clone(payload)}, Complete, zcm.DropNone
}

func (d *Decoder) decodeFragment(peer string, pkt []byte) (zcm.Message, Status, zcm.DropReason) {
	h, body, err := wire.ParseLong(pkt)
	if err != nil {
		return zcm.Message{}, Rejected, zcm.DropMalformed
	}
	if h.FragmentCount == 0 || h.FragIndex >= h.FragmentCount {
		return zcm.Message{}, Rejected, zcm.DropMalformed
	}
	f := fragment.Fragment{
		Seq:       h.Seq,
		TotalSize: h.MsgSize,
		Offset:    h.FragOffset,
		Index:     h.FragIndex,
		Count:     h.FragmentCount,
		Chunk:     body,
	}
	if h.FragIndex == 0 {
		ch, chunk, err := wire.SplitChannel(body)
		if err != nil {
			return zcm.Message{}, Rejected, zcm.DropMalformed
		}
		if zcm.ValidateChannel(ch) != nil {
			return zcm.Message{}, Rejected, zcm.DropInvalidChannel
		}
		if d.accept != nil && !d.accept(ch) {
			return zcm.Message{}, Rejected, zcm.DropUninterested
		}
		f.Channel, f.Chunk = ch, chunk
	}

	res := d.pool.Add(peer, f)
	switch res.Status {
	case fragment.Complete:
		return res.Message, Complete, zcm.DropNone
	case fragment.Pending:
		return zcm.Message{}, Pending, zcm.DropNone
	default:
		return zcm.Message{}, Rejected, res.Reason
	}
}

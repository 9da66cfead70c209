// Package network provides the packet media the datagram transport runs
// over, and a registry that opens them from URLs.
package network

import (
	"context"
	"time"

	"zcm/internal/core/zcm"
)

// Packet is one datagram received from a medium. Data is owned by the
// receiver. Peer identifies the sender for reassembly purposes.
type Packet struct {
	Peer     string
	Data     []byte
	RecvTime time.Time
}

// Medium is a best-effort, MTU-limited packet channel.
//
// Send must not retain pkt after it returns and returns zcm.ErrWouldBlock
// when the packet cannot be accepted right now. Receive blocks until a
// packet arrives, ctx is done or the medium is closed (zcm.ErrClosed).
// TryReceive returns zcm.ErrWouldBlock when nothing is queued. SetInterest
// is a hint for media that can filter at the source; others ignore it.
type Medium interface {
	MTU() int
	Send(pkt []byte) error
	Receive(ctx context.Context) (Packet, error)
	TryReceive() (Packet, error)
	SetInterest(root string, enabled bool) error
	Tick()
	Close() error
}

const defaultInboxSize = 1024

// inbox is the receive queue shared by the media. Producers never block: a
// full inbox drops the packet and counts it.
type inbox struct {
	ch      chan Packet
	done    chan struct{}
	dropped func()
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &inbox{ch: make(chan Packet, size), done: make(chan struct{})}
}

func (in *inbox) push(p Packet) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.ch <- p:
		return true
	default:
		if in.dropped != nil {
			in.dropped()
		}
		return false
	}
}

func (in *inbox) receive(ctx context.Context) (Packet, error) {
	select {
	case p := <-in.ch:
		return p, nil
	default:
	}
	select {
	case p := <-in.ch:
		return p, nil
	case <-in.done:
		return Packet{}, zcm.ErrClosed
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

func (in *inbox) tryReceive() (Packet, error) {
	select {
	case p := <-in.ch:
		return p, nil
	case <-in.done:
		return Packet{}, zcm.ErrClosed
	default:
		return Packet{}, zcm.ErrWouldBlock
	}
}

// close wakes blocked receivers. Callers make sure it runs once.
func (in *inbox) close() { close(in.done) }

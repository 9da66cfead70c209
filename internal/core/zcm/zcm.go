// Package zcm holds the types shared by every layer of the messaging core:
// the message envelope, the message-level transport contract, channel name
// limits and the error taxonomy.
package zcm

import (
	"context"
	"fmt"
	"time"
)

// ChannelMaxLen is the longest channel name, in bytes, accepted anywhere in
// the core.
const ChannelMaxLen = 32

// Message is one complete, validated message. Payload is owned by the
// receiver of the Message; nothing in the core keeps a reference after
// handing it out.
type Message struct {
	Channel  string
	Payload  []byte
	RecvTime time.Time
}

// Transport is the message-level capability consumed by the dispatch core.
//
// SendMsg returns nil, ErrWouldBlock when the medium cannot accept the
// message right now, ErrInvalidArgument for a bad channel name, or
// ErrMessageTooLarge. RecvMsg blocks until a complete message arrives or ctx
// is done. TryRecvMsg never blocks and returns ErrWouldBlock when nothing is
// ready. SetInterest is advisory: a transport may ignore it and deliver
// everything.
type Transport interface {
	MTU() int
	SendMsg(channel string, payload []byte) error
	RecvMsg(ctx context.Context) (Message, error)
	TryRecvMsg() (Message, error)
	SetInterest(root string, enabled bool) error
	Tick()
	Close() error
}

// ValidateChannel checks a channel name used for publishing or as an exact
// subscription.
func ValidateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidArgument)
	}
	if len(channel) > ChannelMaxLen {
		return fmt.Errorf("%w: channel name %q longer than %d bytes", ErrInvalidArgument, channel, ChannelMaxLen)
	}
	for i := 0; i < len(channel); i++ {
		if channel[i] == 0 {
			return fmt.Errorf("%w: channel name contains NUL", ErrInvalidArgument)
		}
	}
	return nil
}

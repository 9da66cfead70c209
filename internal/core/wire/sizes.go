package wire

import (
	"fmt"

	"zcm/internal/core/zcm"
)

// MinMTU is the smallest packet size that still fits a fragment header,
// a maximal channel name with its terminator and one payload byte.
const MinMTU = LongHeaderSize + zcm.ChannelMaxLen + 2

// Sizes are the packet limits derived from a medium's MTU.
type Sizes struct {
	MTU int
	// ShortMessageMax is the largest channel+NUL+payload that fits one
	// short packet.
	ShortMessageMax int
	// FragmentMaxPayload is the body size of one fragment packet.
	FragmentMaxPayload int
}

func SizesFor(mtu int) (Sizes, error) {
	if mtu < MinMTU {
		return Sizes{}, fmt.Errorf("%w: mtu %d below minimum %d", zcm.ErrInvalidArgument, mtu, MinMTU)
	}
	return Sizes{
		MTU:                mtu,
		ShortMessageMax:    mtu - ShortHeaderSize,
		FragmentMaxPayload: mtu - LongHeaderSize,
	}, nil
}

// IsShort reports whether a message fits a single short packet.
func (s Sizes) IsShort(channelLen, payloadLen int) bool {
	return channelLen+1+payloadLen <= s.ShortMessageMax
}

// FragmentCount is the number of fragment packets needed for a message
// that does not fit a short packet. The channel name and its terminator
// travel in fragment 0 and count against its body.
func (s Sizes) FragmentCount(channelLen, payloadLen int) int {
	total := channelLen + 1 + payloadLen
	return (total + s.FragmentMaxPayload - 1) / s.FragmentMaxPayload
}

// MaxMessageSize is the largest payload the fragment count field can carry.
func (s Sizes) MaxMessageSize(channelLen int) int {
	return MaxFragments*s.FragmentMaxPayload - channelLen - 1
}

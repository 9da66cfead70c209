package zcm

import (
	"context"
	"errors"
)

var (
	ErrInvalidArgument    = errors.New("zcm: invalid argument")
	ErrUnsupportedPattern = errors.New("zcm: unsupported pattern")
	ErrMessageTooLarge    = errors.New("zcm: message too large")
	ErrMalformed          = errors.New("zcm: malformed packet")
	ErrWouldBlock         = errors.New("zcm: would block")
	ErrPartialSend        = errors.New("zcm: partial send")
	ErrClosed             = errors.New("zcm: closed")
)

// ReturnCode is the coarse result class of an operation, mirroring the
// numeric codes C callers of the protocol expect.
type ReturnCode int

const (
	CodeOK      ReturnCode = 0
	CodeInvalid ReturnCode = 1
	CodeAgain   ReturnCode = 2
	CodeConnect ReturnCode = 3
	CodeUnknown ReturnCode = 255
)

func (c ReturnCode) String() string {
	switch c {
	case CodeOK:
		return "okay, no errors"
	case CodeInvalid:
		return "invalid arguments"
	case CodeAgain:
		return "resource unavailable, try again"
	case CodeConnect:
		return "transport connection failed"
	default:
		return "unknown error"
	}
}

// CodeOf classifies err.
func CodeOf(err error) ReturnCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrWouldBlock), errors.Is(err, context.DeadlineExceeded):
		return CodeAgain
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrUnsupportedPattern),
		errors.Is(err, ErrMessageTooLarge):
		return CodeInvalid
	case errors.Is(err, ErrClosed), errors.Is(err, ErrPartialSend):
		return CodeConnect
	default:
		return CodeUnknown
	}
}

// DropReason says why an inbound packet or an in-progress message was
// discarded. Drops are recovered locally and never surface as errors.
type DropReason uint8

const (
	DropNone DropReason = iota
	DropMalformed
	DropInvalidChannel
	DropUninterested
	DropStaleStream
	DropMissingFragmentZero
	DropMessageTooLarge
	DropInvalidOffset
	DropDuplicate
	DropEvicted
	DropExpired
	DropQueueFull
)

var dropReasonNames = [...]string{
	DropNone:                "none",
	DropMalformed:           "malformed",
	DropInvalidChannel:      "invalid_channel",
	DropUninterested:        "uninterested",
	DropStaleStream:         "stale_stream",
	DropMissingFragmentZero: "missing_fragment_zero",
	DropMessageTooLarge:     "message_too_large",
	DropInvalidOffset:       "invalid_offset",
	DropDuplicate:           "duplicate",
	DropEvicted:             "evicted",
	DropExpired:             "expired",
	DropQueueFull:           "queue_full",
}

func (r DropReason) String() string {
	if int(r) < len(dropReasonNames) {
		return dropReasonNames[r]
	}
	return "unknown"
}

// DropReasons lists every reason except DropNone, in declaration order.
func DropReasons() []DropReason {
	out := make([]DropReason, 0, len(dropReasonNames)-1)
	for r := DropMalformed; int(r) < len(dropReasonNames); r++ {
		out = append(out, r)
	}
	return out
}

package protocol

import "errors"

// Decode failures are protocol violations: the connection that produced
// them must be closed.
var (
	ErrBadHandshake       = errors.New("protocol: invalid handshake")
	ErrUnknownCommand     = errors.New("protocol: unknown command id")
	ErrShortFrame         = errors.New("protocol: buffer shorter than frame")
	ErrInvalidAddress     = errors.New("protocol: invalid device address")
	ErrMalformedTimePoint = errors.New("protocol: minutes of day out of range")
)

// Encode failures.
var (
	ErrTextTooLong     = errors.New("protocol: text longer than 255 bytes")
	ErrTooManyEntries  = errors.New("protocol: more than 255 timeline entries")
	ErrPayloadTooLarge = errors.New("protocol: payload longer than 65535 bytes")
)

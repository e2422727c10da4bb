package prudp

import (
	"errors"
	"fmt"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
)

// Decode failures. Every one of them wraps ErrDecode.
var (
	ErrDecode = errors.New("prudp decode error")

	ErrTruncatedPacket    = fmt.Errorf("%w: truncated packet", ErrDecode)
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrDecode)
	ErrInvalidMagic       = fmt.Errorf("%w: invalid magic", ErrDecode)
	ErrSizeMismatch       = fmt.Errorf("%w: payload size does not match size field", ErrDecode)
	ErrInvalidPacketType  = fmt.Errorf("%w: invalid packet type", ErrDecode)
	ErrInvalidOption      = fmt.Errorf("%w: invalid option", ErrDecode)
)

// Integrity failures wrap cryptoops.ErrIntegrity. They are never retried.
var (
	ErrChecksumMismatch  = fmt.Errorf("%w: v0 checksum mismatch", cryptoops.ErrIntegrity)
	ErrSignatureMismatch = fmt.Errorf("%w: v1 signature mismatch", cryptoops.ErrIntegrity)
)

var (
	ErrHandlerSignature = errors.New("handler signature not supported")
	ErrUnknownEvent     = errors.New("unknown event")

	ErrServerClosed  = errors.New("prudp server closed")
	ErrSessionClosed = errors.New("prudp session closed")
	ErrNotConnected  = errors.New("prudp session not connected")
	ErrPayloadSize   = errors.New("payload too large for a single packet")
)

// IsDropped reports whether err means the datagram is silently discarded.
func IsDropped(err error) bool {
	return errors.Is(err, ErrDecode) || errors.Is(err, cryptoops.ErrIntegrity)
}

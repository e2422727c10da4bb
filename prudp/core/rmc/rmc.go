// Package rmc frames remote method calls carried in PRUDP DATA payloads.
//
// Request:
//
//	[u32 size][u8 protocol|0x80][u16 custom, iff protocol==0x7F][u32 call][u32 method][params]
//
// Response:
//
//	[u32 size][u8 protocol][u16 custom?][u8 1][u32 call][u32 method|MethodSuccessBit][result]
//	[u32 size][u8 protocol][u16 custom?][u8 0][u32 error|ErrorBit][u32 call]
//
// size covers everything after the size field. All integers are little-endian.
package rmc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CustomProtocol signals a 16-bit protocol id following the protocol byte.
	CustomProtocol uint8 = 0x7F

	requestBit uint8 = 0x80

	// MethodSuccessBit is set on the method id of every success response.
	MethodSuccessBit uint32 = 0x80000000
	// ErrorBit is forced on every error code so it never reads as a method id.
	ErrorBit uint32 = 0x80000000
)

var (
	ErrMalformedMessage = errors.New("malformed rmc message")
	ErrProtocolID       = errors.New("rmc protocol id out of range")
)

// Message is a request or response ready to be framed.
type Message interface {
	Bytes() []byte
	Validate() error
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// IsRequest reports whether a framed payload carries a request rather than a
// response. It only inspects the protocol byte.
func IsRequest(data []byte) bool {
	return len(data) > 4 && data[4]&requestBit != 0
}

// Protocol identifies the target protocol of a call. ID is 7 bits wide: the
// high bit of the protocol byte marks requests. Ids above 0x7E go through
// CustomProtocol and CustomID.
type Protocol struct {
	ID       uint8
	CustomID uint16
}

// Validate rejects ids that would collide with the request bit.
func (p Protocol) Validate() error {
	if p.ID&requestBit != 0 {
		return fmt.Errorf("%w: 0x%02x", ErrProtocolID, p.ID)
	}
	return nil
}

func (p Protocol) size() int {
	if p.ID == CustomProtocol {
		return 3
	}
	return 1
}

func (p Protocol) append(b []byte, flag uint8) []byte {
	b = append(b, p.ID|flag)
	if p.ID == CustomProtocol {
		b = binary.LittleEndian.AppendUint16(b, p.CustomID)
	}
	return b
}

// splitFrame validates the size prefix and returns the body after it.
func splitFrame(data []byte, minBody int) ([]byte, error) {
	if len(data) < 4+minBody {
		return nil, malformed("buffer of %d bytes shorter than header", len(data))
	}
	size := binary.LittleEndian.Uint32(data)
	body := data[4:]
	if int64(size) != int64(len(body)) {
		return nil, malformed("declared size %d, remaining %d", size, len(body))
	}
	return body, nil
}

func readProtocol(body []byte, flag uint8) (Protocol, []byte, error) {
	if len(body) < 1 {
		return Protocol{}, nil, malformed("missing protocol byte")
	}
	if body[0]&requestBit != flag {
		return Protocol{}, nil, malformed("protocol byte 0x%02x has wrong request bit", body[0])
	}
	p := Protocol{ID: body[0] &^ requestBit}
	body = body[1:]
	if p.ID == CustomProtocol {
		if len(body) < 2 {
			return Protocol{}, nil, malformed("truncated custom protocol id")
		}
		p.CustomID = binary.LittleEndian.Uint16(body)
		body = body[2:]
	}
	return p, body, nil
}

func frame(body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

package rmc

import "encoding/binary"

// requestHeaderSize is the fixed part after the size field: protocol, call
// id and method id.
const requestHeaderSize = 1 + 4 + 4

type Request struct {
	Protocol   Protocol
	CallID     uint32
	MethodID   uint32
	Parameters []byte
}

func (r *Request) Validate() error {
	return r.Protocol.Validate()
}

// Bytes frames r. Call Validate first: an out-of-range protocol id does not
// survive the round trip.
func (r *Request) Bytes() []byte {
	body := make([]byte, 0, r.Protocol.size()+8+len(r.Parameters))
	body = r.Protocol.append(body, requestBit)
	body = binary.LittleEndian.AppendUint32(body, r.CallID)
	body = binary.LittleEndian.AppendUint32(body, r.MethodID)
	body = append(body, r.Parameters...)
	return frame(body)
}

// DecodeRequest parses a framed request. A size prefix that disagrees with the
// buffer, or a buffer shorter than the fixed header, yields ErrMalformedMessage.
func DecodeRequest(data []byte) (*Request, error) {
	body, err := splitFrame(data, requestHeaderSize)
	if err != nil {
		return nil, err
	}
	p, body, err := readProtocol(body, requestBit)
	if err != nil {
		return nil, err
	}
	if len(body) < 8 {
		return nil, malformed("truncated call header")
	}

	r := &Request{
		Protocol: p,
		CallID:   binary.LittleEndian.Uint32(body[0:4]),
		MethodID: binary.LittleEndian.Uint32(body[4:8]),
	}
	if len(body) > 8 {
		r.Parameters = append([]byte(nil), body[8:]...)
	}
	return r, nil
}

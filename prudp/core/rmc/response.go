package rmc

import "encoding/binary"

// responseHeaderSize is the smallest response body: protocol, success flag,
// then two u32 fields in either branch.
const responseHeaderSize = 1 + 1 + 4 + 4

type Response struct {
	Protocol Protocol
	CallID   uint32
	MethodID uint32
	Success  bool

	// Data holds the result on success.
	Data []byte
	// ErrorCode is set on failure and always carries ErrorBit.
	ErrorCode uint32
}

// NewSuccess builds a success response for call.
func NewSuccess(p Protocol, callID, methodID uint32, data []byte) *Response {
	return &Response{
		Protocol: p,
		CallID:   callID,
		MethodID: methodID &^ MethodSuccessBit,
		Success:  true,
		Data:     data,
	}
}

// NewError builds a failure response. ErrorBit is forced on the code.
func NewError(p Protocol, callID, methodID, errorCode uint32) *Response {
	return &Response{
		Protocol:  p,
		CallID:    callID,
		MethodID:  methodID &^ MethodSuccessBit,
		ErrorCode: errorCode | ErrorBit,
	}
}

func (r *Response) Validate() error {
	return r.Protocol.Validate()
}

func (r *Response) Bytes() []byte {
	body := make([]byte, 0, r.Protocol.size()+9+len(r.Data))
	body = r.Protocol.append(body, 0)
	if r.Success {
		body = append(body, 1)
		body = binary.LittleEndian.AppendUint32(body, r.CallID)
		body = binary.LittleEndian.AppendUint32(body, r.MethodID|MethodSuccessBit)
		body = append(body, r.Data...)
	} else {
		body = append(body, 0)
		body = binary.LittleEndian.AppendUint32(body, r.ErrorCode|ErrorBit)
		body = binary.LittleEndian.AppendUint32(body, r.CallID)
	}
	return frame(body)
}

// DecodeResponse parses a framed response, branching only on the success byte.
func DecodeResponse(data []byte) (*Response, error) {
	body, err := splitFrame(data, responseHeaderSize)
	if err != nil {
		return nil, err
	}
	p, body, err := readProtocol(body, 0)
	if err != nil {
		return nil, err
	}
	if len(body) < 9 {
		return nil, malformed("truncated response header")
	}

	r := &Response{Protocol: p}
	switch body[0] {
	case 1:
		r.Success = true
		r.CallID = binary.LittleEndian.Uint32(body[1:5])
		r.MethodID = binary.LittleEndian.Uint32(body[5:9]) &^ MethodSuccessBit
		if len(body) > 9 {
			r.Data = append([]byte(nil), body[9:]...)
		}
	case 0:
		if len(body) != 9 {
			return nil, malformed("error response carries %d trailing bytes", len(body)-9)
		}
		r.ErrorCode = binary.LittleEndian.Uint32(body[1:5]) | ErrorBit
		r.CallID = binary.LittleEndian.Uint32(body[5:9])
	default:
		return nil, malformed("invalid success flag %d", body[0])
	}
	return r, nil
}

package prudp

import (
	"encoding/binary"
	"fmt"
)

var optionSizes = map[uint8]int{
	optSupportedFunctions: 4,
	optConnectionSig:      connSignatureLen,
	optFragmentID:         1,
	optInitialSequenceID:  2,
	optMaxSubstreamID:     1,
}

// options is the decoded v1/Lite options block. Unknown ids are skipped.
type options struct {
	supportedFunctions  uint32
	connectionSignature []byte
	fragmentID          uint8
	hasFragmentID       bool
	initialSequenceID   uint16
	maxSubstreamID      uint8
}

func parseOptions(raw []byte) (options, error) {
	var opts options
	for pos := 0; pos < len(raw); {
		if pos+2 > len(raw) {
			return opts, fmt.Errorf("%w: truncated option header", ErrInvalidOption)
		}
		id, size := raw[pos], int(raw[pos+1])
		pos += 2
		if pos+size > len(raw) {
			return opts, fmt.Errorf("%w: option %d overruns block", ErrInvalidOption, id)
		}
		value := raw[pos : pos+size]
		pos += size

		if want, known := optionSizes[id]; known && size != want {
			return opts, fmt.Errorf("%w: option %d has size %d, want %d", ErrInvalidOption, id, size, want)
		}

		switch id {
		case optSupportedFunctions:
			opts.supportedFunctions = binary.LittleEndian.Uint32(value)
		case optConnectionSig:
			opts.connectionSignature = append([]byte(nil), value...)
		case optFragmentID:
			opts.fragmentID = value[0]
			opts.hasFragmentID = true
		case optInitialSequenceID:
			opts.initialSequenceID = binary.LittleEndian.Uint16(value)
		case optMaxSubstreamID:
			opts.maxSubstreamID = value[0]
		}
	}
	return opts, nil
}

// appendHandshakeOptions writes the SYN/CONNECT option set in wire order:
// supported functions, connection signature, initial sequence id (CONNECT
// only), max substream id.
func appendHandshakeOptions(b []byte, t PacketType, functions uint32, sig []byte, initialSeq uint16, maxSubstream uint8) []byte {
	b = append(b, optSupportedFunctions, 4)
	b = binary.LittleEndian.AppendUint32(b, functions)
	b = append(b, optConnectionSig, connSignatureLen)
	b = append(b, padSignature(sig, connSignatureLen)...)
	if t == TypeConnect {
		b = append(b, optInitialSequenceID, 2)
		b = binary.LittleEndian.AppendUint16(b, initialSeq)
	}
	return append(b, optMaxSubstreamID, 1, maxSubstream)
}

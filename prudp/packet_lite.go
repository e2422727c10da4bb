package prudp

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

func encodeLite(buf *bytebufferpool.ByteBuffer, p *Packet) error {
	if len(p.Payload) > 0xFFFF {
		return fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(p.Payload))
	}

	var options []byte
	if p.Type == TypeSyn || p.Type == TypeConnect {
		options = appendHandshakeOptions(nil, p.Type, p.Lite.SupportedFunctions, p.ConnectionSignature, p.Lite.InitialSequenceID, p.Lite.MaxSubstreamID)
	}

	b := buf.B[:0]
	b = append(b, liteMagic, uint8(len(options)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(p.Payload)))
	b = append(b, p.Lite.SourceStreamType<<4|p.Lite.DestinationStreamType&0x0F)
	b = append(b, p.Source, p.Destination, p.FragmentID)
	b = binary.LittleEndian.AppendUint16(b, packTypeFlags(p.Type, p.Flags))
	b = binary.LittleEndian.AppendUint16(b, p.SequenceID)
	b = append(b, options...)
	b = append(b, p.Payload...)
	buf.B = b
	return nil
}

func decodeLite(data []byte) (*Packet, int, error) {
	if len(data) < liteHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTruncatedPacket, len(data))
	}
	if data[0] != liteMagic {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidMagic, data[0])
	}

	optionsLen := int(data[1])
	payloadLen := int(binary.LittleEndian.Uint16(data[2:4]))
	total := liteHeaderSize + optionsLen + payloadLen
	if total > len(data) {
		return nil, 0, fmt.Errorf("%w: declared %d, have %d", ErrSizeMismatch, optionsLen+payloadLen, len(data)-liteHeaderSize)
	}

	p := &Packet{Variant: VariantLite}
	p.Lite.SourceStreamType = data[4] >> 4
	p.Lite.DestinationStreamType = data[4] & 0x0F
	p.Source = data[5]
	p.Destination = data[6]
	p.FragmentID = data[7]
	p.Type, p.Flags = unpackTypeFlags(binary.LittleEndian.Uint16(data[8:10]))
	if !p.Type.valid() {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidPacketType, p.Type)
	}
	p.SequenceID = binary.LittleEndian.Uint16(data[10:12])

	opts, err := parseOptions(data[liteHeaderSize : liteHeaderSize+optionsLen])
	if err != nil {
		return nil, 0, err
	}
	p.Lite.SupportedFunctions = opts.supportedFunctions
	p.Lite.InitialSequenceID = opts.initialSequenceID
	p.Lite.MaxSubstreamID = opts.maxSubstreamID
	p.ConnectionSignature = opts.connectionSignature

	p.Payload = append([]byte(nil), data[liteHeaderSize+optionsLen:total]...)
	return p, total, nil
}

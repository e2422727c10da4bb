package prudp

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
)

func encodeOptionsV1(p *Packet) []byte {
	switch p.Type {
	case TypeSyn, TypeConnect:
		return appendHandshakeOptions(nil, p.Type, p.V1.SupportedFunctions, p.ConnectionSignature, p.V1.InitialSequenceID, p.V1.MaxSubstreamID)
	case TypeData:
		return []byte{optFragmentID, 1, p.FragmentID}
	}
	return nil
}

func encodeHeaderV1(p *Packet, optionsLen int) []byte {
	h := make([]byte, 0, v1HeaderSize)
	h = append(h, 1, uint8(optionsLen))
	h = binary.LittleEndian.AppendUint16(h, uint16(len(p.Payload)))
	h = append(h, p.Source, p.Destination)
	h = binary.LittleEndian.AppendUint16(h, packTypeFlags(p.Type, p.Flags))
	h = append(h, p.SessionID, p.V1.SubstreamID)
	h = binary.LittleEndian.AppendUint16(h, p.SequenceID)
	return h
}

// SignatureV1 is HMAC-MD5 keyed by the signature key over
// header[4:] || session key || signature base (LE32) || connection signature
// || options || payload.
func SignatureV1(keys Keys, header, options, payload []byte) []byte {
	return cryptoops.HMACMD5(keys.SignatureKey,
		header[4:],
		keys.SessionKey,
		cryptoops.PutSignatureBase(keys.SignatureBase),
		keys.ConnectionSignature,
		options,
		payload,
	)
}

func encodeV1(buf *bytebufferpool.ByteBuffer, p *Packet, keys Keys) error {
	if len(p.Payload) > 0xFFFF {
		return fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(p.Payload))
	}

	options := encodeOptionsV1(p)
	header := encodeHeaderV1(p, len(options))
	copy(p.V1.Signature[:], SignatureV1(keys, header, options, p.Payload))

	b := buf.B[:0]
	b = append(b, v1Magic[:]...)
	b = append(b, header...)
	b = append(b, p.V1.Signature[:]...)
	b = append(b, options...)
	b = append(b, p.Payload...)
	buf.B = b
	return nil
}

func decodeOptionsV1(p *Packet, raw []byte) error {
	opts, err := parseOptions(raw)
	if err != nil {
		return err
	}
	p.V1.SupportedFunctions = opts.supportedFunctions
	p.V1.InitialSequenceID = opts.initialSequenceID
	p.V1.MaxSubstreamID = opts.maxSubstreamID
	p.ConnectionSignature = opts.connectionSignature
	if opts.hasFragmentID {
		p.FragmentID = opts.fragmentID
	}
	return nil
}

func decodeV1(data []byte) (*Packet, int, error) {
	const fixed = v1MagicSize + v1HeaderSize + v1SignatureSize
	if len(data) < fixed {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTruncatedPacket, len(data))
	}
	if data[0] != v1Magic[0] || data[1] != v1Magic[1] {
		return nil, 0, fmt.Errorf("%w: 0x%02x%02x", ErrInvalidMagic, data[0], data[1])
	}

	header := data[v1MagicSize : v1MagicSize+v1HeaderSize]
	if header[0] != 1 {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[0])
	}
	optionsLen := int(header[1])
	payloadLen := int(binary.LittleEndian.Uint16(header[2:4]))
	total := fixed + optionsLen + payloadLen
	if total > len(data) {
		return nil, 0, fmt.Errorf("%w: declared %d, have %d", ErrSizeMismatch, optionsLen+payloadLen, len(data)-fixed)
	}

	p := &Packet{Variant: VariantV1}
	p.Source = header[4]
	p.Destination = header[5]
	p.Type, p.Flags = unpackTypeFlags(binary.LittleEndian.Uint16(header[6:8]))
	if !p.Type.valid() {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidPacketType, p.Type)
	}
	p.SessionID = header[8]
	p.V1.SubstreamID = header[9]
	p.SequenceID = binary.LittleEndian.Uint16(header[10:12])
	copy(p.V1.Signature[:], data[v1MagicSize+v1HeaderSize:fixed])

	options := data[fixed : fixed+optionsLen]
	if err := decodeOptionsV1(p, options); err != nil {
		return nil, 0, err
	}
	p.Payload = append([]byte(nil), data[fixed+optionsLen:total]...)

	p.wire.header = append([]byte(nil), header...)
	p.wire.options = append([]byte(nil), options...)
	return p, total, nil
}

func verifyV1(p *Packet, keys Keys) error {
	header := p.wire.header
	options := p.wire.options
	if header == nil {
		options = encodeOptionsV1(p)
		header = encodeHeaderV1(p, len(options))
	}
	expected := SignatureV1(keys, header, options, p.Payload)
	if !cryptoops.Equal(expected, p.V1.Signature[:]) {
		return ErrSignatureMismatch
	}
	return nil
}

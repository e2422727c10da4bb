package prudp

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
)

// ChecksumV0 is the additive v0 checksum: the signature base, plus every byte
// past the last complete 32-bit word, plus the byte sum of the little-endian
// sum of all complete words, truncated to 8 bits.
func ChecksumV0(signatureBase uint32, data []byte) uint8 {
	words := len(data) / 4

	var temp uint32
	for i := 0; i < words; i++ {
		temp += binary.LittleEndian.Uint32(data[i*4:])
	}

	sum := signatureBase
	for _, b := range data[words*4:] {
		sum += uint32(b)
	}

	var tb [4]byte
	binary.LittleEndian.PutUint32(tb[:], temp)
	sum += uint32(tb[0]) + uint32(tb[1]) + uint32(tb[2]) + uint32(tb[3])

	return uint8(sum)
}

func signatureV0(p *Packet, keys Keys) [v0SignatureSize]byte {
	var sig [v0SignatureSize]byte
	if p.Type == TypeData {
		if len(p.Payload) == 0 {
			return v0EmptyDataSignature
		}
		copy(sig[:], cryptoops.HMACMD5(keys.SignatureKey, p.Payload))
		return sig
	}
	copy(sig[:], keys.ConnectionSignature)
	return sig
}

func encodeV0(buf *bytebufferpool.ByteBuffer, p *Packet, keys Keys) error {
	if p.Flags.Has(FlagHasSize) && len(p.Payload) > 0xFFFF {
		return fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(p.Payload))
	}

	p.V0.Signature = signatureV0(p, keys)

	b := buf.B[:0]
	b = append(b, p.Source, p.Destination)
	b = binary.LittleEndian.AppendUint16(b, packTypeFlags(p.Type, p.Flags))
	b = append(b, p.SessionID)
	b = append(b, p.V0.Signature[:]...)
	b = binary.LittleEndian.AppendUint16(b, p.SequenceID)

	if p.Type == TypeSyn || p.Type == TypeConnect {
		b = append(b, padSignature(p.ConnectionSignature, v0SignatureSize)...)
	}
	if p.Type == TypeData {
		b = append(b, p.FragmentID)
	}
	if p.Flags.Has(FlagHasSize) {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(p.Payload)))
	}
	b = append(b, p.Payload...)

	p.V0.Checksum = ChecksumV0(keys.SignatureBase, b)
	b = append(b, p.V0.Checksum)

	buf.B = b
	return nil
}

func decodeV0(data []byte) (*Packet, error) {
	if len(data) < v0HeaderSize+v0ChecksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedPacket, len(data))
	}

	body := data[:len(data)-v0ChecksumSize]
	p := &Packet{Variant: VariantV0}
	p.Source = body[0]
	p.Destination = body[1]
	p.Type, p.Flags = unpackTypeFlags(binary.LittleEndian.Uint16(body[2:4]))
	if !p.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketType, p.Type)
	}
	p.SessionID = body[4]
	copy(p.V0.Signature[:], body[5:9])
	p.SequenceID = binary.LittleEndian.Uint16(body[9:11])
	pos := v0HeaderSize

	if p.Type == TypeSyn || p.Type == TypeConnect {
		if len(body) < pos+v0SignatureSize {
			return nil, fmt.Errorf("%w: missing connection signature", ErrTruncatedPacket)
		}
		p.ConnectionSignature = append([]byte(nil), body[pos:pos+v0SignatureSize]...)
		pos += v0SignatureSize
	}
	if p.Type == TypeData {
		if len(body) < pos+1 {
			return nil, fmt.Errorf("%w: missing fragment id", ErrTruncatedPacket)
		}
		p.FragmentID = body[pos]
		pos++
	}
	if p.Flags.Has(FlagHasSize) {
		if len(body) < pos+2 {
			return nil, fmt.Errorf("%w: missing size field", ErrTruncatedPacket)
		}
		size := int(binary.LittleEndian.Uint16(body[pos:]))
		pos += 2
		if size != len(body)-pos {
			return nil, fmt.Errorf("%w: declared %d, have %d", ErrSizeMismatch, size, len(body)-pos)
		}
	}

	p.Payload = append([]byte(nil), body[pos:]...)
	p.V0.Checksum = data[len(data)-1]
	p.wire.body = append([]byte(nil), body...)
	return p, nil
}

func verifyV0(p *Packet, keys Keys) error {
	if ChecksumV0(keys.SignatureBase, p.wire.body) != p.V0.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

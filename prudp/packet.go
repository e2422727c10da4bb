package prudp

import (
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/Link-3DS/nex/prudp/core/rmc"
)

// V0Fields holds what only the v0 format carries.
type V0Fields struct {
	Signature [v0SignatureSize]byte
	Checksum  uint8
}

// V1Fields holds what only the v1 format carries.
type V1Fields struct {
	Signature          [v1SignatureSize]byte
	SubstreamID        uint8
	SupportedFunctions uint32
	InitialSequenceID  uint16
	MaxSubstreamID     uint8
}

// LiteFields holds what only the Lite format carries. Source and Destination
// on the Packet are the ports.
type LiteFields struct {
	SourceStreamType      uint8
	DestinationStreamType uint8
	SupportedFunctions    uint32
	InitialSequenceID     uint16
	MaxSubstreamID        uint8
}

// Packet is one PRUDP packet. Variant selects which of V0, V1 and Lite is
// meaningful; codecs dispatch on it.
type Packet struct {
	Variant     Variant
	Source      uint8
	Destination uint8
	Type        PacketType
	Flags       Flags
	SessionID   uint8
	SequenceID  uint16
	FragmentID  uint8

	// ConnectionSignature is the handshake signature carried by SYN and
	// CONNECT packets (4 bytes on v0, 16 on v1 and Lite).
	ConnectionSignature []byte
	Payload             []byte

	V0   V0Fields
	V1   V1Fields
	Lite LiteFields

	// Sender is the session a received packet belongs to. Set by the server.
	Sender *Session
	// RMCRequest or RMCResponse is set on completed DATA payloads.
	RMCRequest  *rmc.Request
	RMCResponse *rmc.Response

	// wire keeps the received bytes integrity checks run over.
	wire wireParts
}

type wireParts struct {
	body    []byte // v0: everything before the checksum
	header  []byte // v1: the 12 bytes after the magic
	options []byte // v1: raw options block
}

// Keys is the session material needed to sign or verify a packet.
type Keys struct {
	SignatureKey        []byte
	SignatureBase       uint32
	SessionKey          []byte
	ConnectionSignature []byte
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s %s seq=%d frag=%d flags=0x%03x len=%d",
		p.Variant, p.Type, p.SequenceID, p.FragmentID, uint16(p.Flags), len(p.Payload))
}

// Encode serializes p for the wire, computing its checksum or signature.
// Computed integrity fields are written back into p.
func (p *Packet) Encode(keys Keys) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var err error
	switch p.Variant {
	case VariantV0:
		err = encodeV0(buf, p, keys)
	case VariantV1:
		err = encodeV1(buf, p, keys)
	case VariantLite:
		err = encodeLite(buf, p)
	default:
		return nil, fmt.Errorf("prudp: cannot encode %s", p.Variant)
	}
	if err != nil {
		return nil, err
	}
	if len(buf.B) > maxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(buf.B))
	}
	return append([]byte(nil), buf.B...), nil
}

// Verify checks the integrity field of a decoded packet against keys.
// Lite packets carry none and always pass.
func (p *Packet) Verify(keys Keys) error {
	switch p.Variant {
	case VariantV0:
		return verifyV0(p, keys)
	case VariantV1:
		return verifyV1(p, keys)
	default:
		return nil
	}
}

// DecodeDatagram parses every packet in one datagram of the given variant.
// v0 carries exactly one packet; v1 and Lite may carry several back to back.
func DecodeDatagram(variant Variant, data []byte) ([]*Packet, error) {
	switch variant {
	case VariantV0:
		p, err := decodeV0(data)
		if err != nil {
			return nil, err
		}
		return []*Packet{p}, nil
	case VariantV1:
		return decodeStream(data, decodeV1)
	case VariantLite:
		return decodeStream(data, decodeLite)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, variant)
	}
}

func decodeStream(data []byte, decode func([]byte) (*Packet, int, error)) ([]*Packet, error) {
	var packets []*Packet
	for len(data) > 0 {
		p, n, err := decode(data)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
		data = data[n:]
	}
	if len(packets) == 0 {
		return nil, ErrTruncatedPacket
	}
	return packets, nil
}

// newReply builds a packet addressed back to the sender of p.
func newReply(p *Packet, t PacketType, flags Flags) *Packet {
	reply := &Packet{
		Variant:     p.Variant,
		Source:      p.Destination,
		Destination: p.Source,
		Type:        t,
		Flags:       flags,
		SessionID:   p.SessionID,
		SequenceID:  p.SequenceID,
		FragmentID:  p.FragmentID,
	}
	reply.V1.SubstreamID = p.V1.SubstreamID
	reply.Lite.SourceStreamType = p.Lite.DestinationStreamType
	reply.Lite.DestinationStreamType = p.Lite.SourceStreamType
	return reply
}

// NewAck builds the ACK+HAS_SIZE reply to p, mirroring its type, sequence id
// and fragment id.
func NewAck(p *Packet) *Packet {
	return newReply(p, p.Type, FlagAck|FlagHasSize)
}

func padSignature(sig []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, sig)
	return out
}

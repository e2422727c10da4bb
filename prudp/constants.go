package prudp

import "fmt"

// PRUDP wire layouts. All integers are little-endian.
//
// v0:
//
//	[src u8][dst u8][type|flags<<4 u16][session u8][signature 4B][seq u16]
//	[conn signature 4B, SYN/CONNECT][fragment u8, DATA][size u16, HAS_SIZE]
//	[payload][checksum u8]
//
// v1:
//
//	[0xEA 0xD0][version u8][options len u8][payload size u16][src u8][dst u8]
//	[type|flags<<4 u16][session u8][substream u8][seq u16][signature 16B]
//	[options][payload]
//
// Lite:
//
//	[0x80][options len u8][payload size u16][src type<<4|dst type u8]
//	[src port u8][dst port u8][fragment u8][type|flags<<4 u16][seq u16]
//	[options][payload]

// PacketType is the PRUDP packet kind carried in the low 4 bits of type+flags.
type PacketType uint8

const (
	TypeSyn        PacketType = 0
	TypeConnect    PacketType = 1
	TypeData       PacketType = 2
	TypeDisconnect PacketType = 3
	TypePing       PacketType = 4
	TypeUser       PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case TypeSyn:
		return "SYN"
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypePing:
		return "PING"
	case TypeUser:
		return "USER"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

func (t PacketType) valid() bool {
	return t <= TypeUser
}

// Flags is the PRUDP flag set. Bits combine freely.
type Flags uint16

const (
	FlagAck      Flags = 0x001
	FlagReliable Flags = 0x002
	FlagNeedAck  Flags = 0x004
	FlagHasSize  Flags = 0x008
	FlagMultiAck Flags = 0x200
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Variant tags which wire format a packet was decoded from or will be encoded to.
type Variant uint8

const (
	VariantV0 Variant = iota
	VariantV1
	VariantLite
)

func (v Variant) String() string {
	switch v {
	case VariantV0:
		return "v0"
	case VariantV1:
		return "v1"
	case VariantLite:
		return "lite"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

const (
	DefaultFragmentSize      = 1300
	DefaultInitialSequenceID = 10000

	// DefaultSecureKey is the RC4 key for DATA payloads before a session key
	// has been negotiated.
	DefaultSecureKey = "CD&ML"

	maxDatagramSize = 65507

	v0HeaderSize     = 11
	v0ChecksumSize   = 1
	v0SignatureSize  = 4
	v1MagicSize      = 2
	v1HeaderSize     = 12
	v1SignatureSize  = 16
	liteHeaderSize   = 12
	connSignatureLen = 16
)

var (
	v1Magic = [2]byte{0xEA, 0xD0}

	liteMagic byte = 0x80

	// v0EmptyDataSignature signs DATA packets with no payload.
	v0EmptyDataSignature = [4]byte{0x78, 0x56, 0x34, 0x12}
)

// v1 and Lite option ids.
const (
	optSupportedFunctions uint8 = 0
	optConnectionSig      uint8 = 1
	optFragmentID         uint8 = 2
	optInitialSequenceID  uint8 = 3
	optMaxSubstreamID     uint8 = 4
)

func packTypeFlags(t PacketType, f Flags) uint16 {
	return uint16(t) | uint16(f)<<4
}

func unpackTypeFlags(v uint16) (PacketType, Flags) {
	return PacketType(v & 0x0F), Flags(v >> 4)
}

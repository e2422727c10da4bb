package prudp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Link-3DS/nex/prudp/core/kerberos"
)

var (
	ErrMalformedConnect = errors.New("malformed CONNECT payload")
	ErrTicketMismatch   = errors.New("ticket pid does not match check data")
)

// readBuffer splits a u32-length-prefixed buffer off the front of b.
func readBuffer(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: missing buffer length", ErrMalformedConnect)
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, fmt.Errorf("%w: buffer of %d bytes, have %d", ErrMalformedConnect, n, len(b))
	}
	return b[:n], b[n:], nil
}

// acceptTicket validates a secure CONNECT payload
//
//	[u32 len][internal ticket][u32 len][check data]
//
// and returns the session key, the user pid and the CONNECT ack payload. The
// check data decrypts under the session key to [pid u32][cid u32][check u32];
// the ack echoes check+1 as [u32 4][u32 check+1].
func (s *Server) acceptTicket(payload []byte) ([]byte, uint32, []byte, error) {
	ticketBlob, rest, err := readBuffer(payload)
	if err != nil {
		return nil, 0, nil, err
	}
	checkBlob, _, err := readBuffer(rest)
	if err != nil {
		return nil, 0, nil, err
	}

	internal, err := s.granter.Redeem(ticketBlob, s.config.TicketMaxAge)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("redeem ticket: %w", err)
	}

	check, err := kerberos.NewCipher(internal.SessionKey).Decrypt(checkBlob)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("decrypt check data: %w", err)
	}
	if len(check) < 12 {
		return nil, 0, nil, fmt.Errorf("%w: check data is %d bytes", ErrMalformedConnect, len(check))
	}
	pid := binary.LittleEndian.Uint32(check[0:4])
	cid := binary.LittleEndian.Uint32(check[4:8])
	value := binary.LittleEndian.Uint32(check[8:12])
	if pid != internal.PID {
		return nil, 0, nil, fmt.Errorf("%w: ticket %d, check %d", ErrTicketMismatch, internal.PID, pid)
	}

	response := make([]byte, 0, 8)
	response = binary.LittleEndian.AppendUint32(response, 4)
	response = binary.LittleEndian.AppendUint32(response, value+1)

	log.Debug().
		Uint32("pid", pid).
		Uint32("cid", cid).
		Msg("[Server] Ticket accepted")
	return internal.SessionKey, pid, response, nil
}

// BuildConnectPayload assembles the secure CONNECT payload a client sends for
// the internal ticket and session key it was granted.
func BuildConnectPayload(internalTicket, sessionKey []byte, pid, cid, check uint32) ([]byte, error) {
	plain := make([]byte, 0, 12)
	plain = binary.LittleEndian.AppendUint32(plain, pid)
	plain = binary.LittleEndian.AppendUint32(plain, cid)
	plain = binary.LittleEndian.AppendUint32(plain, check)

	sealed, err := kerberos.NewCipher(sessionKey).Encrypt(plain)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 8+len(internalTicket)+len(sealed))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(internalTicket)))
	out = append(out, internalTicket...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(sealed)))
	out = append(out, sealed...)
	return out, nil
}

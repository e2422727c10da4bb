package kerberos

import (
	"time"
)

// Ticket is the client-facing ticket. It holds the session secret the client
// will use and an opaque blob it forwards to the secure server.
type Ticket struct {
	// PID names the server the ticket was granted for. The user's pid only
	// travels inside the blob.
	PID           uint32
	SessionSecret []byte
	Extra         []byte
}

func (t *Ticket) Bytes() []byte {
	w := newWriter(12 + len(t.SessionSecret) + len(t.Extra))
	w.u32(t.PID)
	w.buffer(t.SessionSecret)
	w.buffer(t.Extra)
	return w.bytes()
}

func ParseTicket(data []byte) (*Ticket, error) {
	r := newReader(data)
	pid, err := r.u32()
	if err != nil {
		return nil, err
	}
	secret, err := r.buffer()
	if err != nil {
		return nil, err
	}
	extra, err := r.buffer()
	if err != nil {
		return nil, err
	}
	return &Ticket{PID: pid, SessionSecret: secret, Extra: extra}, nil
}

// Encrypt seals the ticket under key.
func (t *Ticket) Encrypt(key []byte, mode Mode) ([]byte, error) {
	return seal(key, t.Bytes(), mode)
}

// DecryptTicket opens and parses a sealed ticket. A bad tag fails with
// ErrTicketIntegrity before any decryption happens.
func DecryptTicket(key, data []byte, mode Mode) (*Ticket, error) {
	plain, err := open(key, data, mode)
	if err != nil {
		return nil, err
	}
	return ParseTicket(plain)
}

// InternalTicket is the server-side ticket carried inside Ticket.Extra. Only
// the secure server can open it.
type InternalTicket struct {
	Issued     time.Time
	PID        uint32
	SessionKey []byte
}

func (t *InternalTicket) Bytes() []byte {
	w := newWriter(16 + len(t.SessionKey))
	w.u64(uint64(t.Issued.Unix()))
	w.u32(t.PID)
	w.buffer(t.SessionKey)
	return w.bytes()
}

func ParseInternalTicket(data []byte) (*InternalTicket, error) {
	r := newReader(data)
	ts, err := r.u64()
	if err != nil {
		return nil, err
	}
	pid, err := r.u32()
	if err != nil {
		return nil, err
	}
	key, err := r.buffer()
	if err != nil {
		return nil, err
	}
	return &InternalTicket{
		Issued:     time.Unix(int64(ts), 0).UTC(),
		PID:        pid,
		SessionKey: key,
	}, nil
}

func (t *InternalTicket) Encrypt(key []byte, mode Mode) ([]byte, error) {
	return seal(key, t.Bytes(), mode)
}

func DecryptInternalTicket(key, data []byte, mode Mode) (*InternalTicket, error) {
	plain, err := open(key, data, mode)
	if err != nil {
		return nil, err
	}
	return ParseInternalTicket(plain)
}

// Validate rejects tickets issued more than maxAge away from now in either
// direction. A non-positive maxAge disables the check.
func (t *InternalTicket) Validate(now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	skew := now.Sub(t.Issued)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxAge {
		return ErrTicketExpired
	}
	return nil
}

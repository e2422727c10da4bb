package kerberos

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
)

var testKey = bytes.Repeat([]byte{0x42}, 16)

func TestCipherRoundTrip(t *testing.T) {
	c := NewCipher(testKey)
	sealed, err := c.Encrypt([]byte("session body"))
	require.NoError(t, err)
	require.Len(t, sealed, len("session body")+tagSize)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("session body"), plain)
}

func TestCipherRejectsTamperedTag(t *testing.T) {
	c := NewCipher(testKey)
	sealed, err := c.Encrypt([]byte("session body"))
	require.NoError(t, err)

	for _, idx := range []int{0, len(sealed) - 1} {
		tampered := append([]byte(nil), sealed...)
		tampered[idx] ^= 0x01
		_, err := c.Decrypt(tampered)
		assert.ErrorIs(t, err, ErrTicketIntegrity)
		assert.ErrorIs(t, err, cryptoops.ErrIntegrity)
	}

	_, err = c.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedTicket)
}

func TestTicketRoundTrip(t *testing.T) {
	ticket := &Ticket{
		PID:           1337,
		SessionSecret: bytes.Repeat([]byte{0x11}, 32),
		Extra:         []byte("opaque internal blob"),
	}

	for _, mode := range []Mode{ModeDirect, ModeRandomKey} {
		sealed, err := ticket.Encrypt(testKey, mode)
		require.NoError(t, err)

		got, err := DecryptTicket(testKey, sealed, mode)
		require.NoError(t, err, "mode %d", mode)
		assert.Equal(t, ticket, got)
	}
}

func TestTicketWrongKeyFailsClosed(t *testing.T) {
	ticket := &Ticket{PID: 1, SessionSecret: []byte("s"), Extra: []byte("e")}
	for _, mode := range []Mode{ModeDirect, ModeRandomKey} {
		sealed, err := ticket.Encrypt(testKey, mode)
		require.NoError(t, err)

		_, err = DecryptTicket(bytes.Repeat([]byte{0x43}, 16), sealed, mode)
		assert.ErrorIs(t, err, ErrTicketIntegrity)
	}
}

func TestRandomKeyWireLayout(t *testing.T) {
	ticket := &Ticket{PID: 7}
	sealed, err := ticket.Encrypt(testKey, ModeRandomKey)
	require.NoError(t, err)

	require.Equal(t, uint32(randomKeySize), binary.LittleEndian.Uint32(sealed[0:4]))
	bodyLen := binary.LittleEndian.Uint32(sealed[4+randomKeySize:])
	assert.Equal(t, len(sealed)-8-randomKeySize, int(bodyLen))
	assert.Equal(t, len(ticket.Bytes())+tagSize, int(bodyLen))
}

func TestInternalTicketRoundTrip(t *testing.T) {
	issued := time.Unix(1700000000, 0).UTC()
	internal := &InternalTicket{
		Issued:     issued,
		PID:        1800000000,
		SessionKey: bytes.Repeat([]byte{0x9A}, 32),
	}

	for _, mode := range []Mode{ModeDirect, ModeRandomKey} {
		sealed, err := internal.Encrypt(testKey, mode)
		require.NoError(t, err)
		got, err := DecryptInternalTicket(testKey, sealed, mode)
		require.NoError(t, err)
		assert.Equal(t, internal, got)
	}
}

func TestInternalTicketLayout(t *testing.T) {
	internal := &InternalTicket{Issued: time.Unix(0x0102030405, 0), PID: 0xAABBCCDD, SessionKey: []byte{9, 9}}
	b := internal.Bytes()
	assert.Equal(t, uint64(0x0102030405), binary.LittleEndian.Uint64(b[0:8]))
	assert.Equal(t, uint32(0xAABBCCDD), binary.LittleEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[12:16]))
	assert.Equal(t, []byte{9, 9}, b[16:])
}

func TestInternalTicketValidate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	internal := &InternalTicket{Issued: now.Add(-90 * time.Second)}

	assert.NoError(t, internal.Validate(now, 2*time.Minute))
	assert.ErrorIs(t, internal.Validate(now, time.Minute), ErrTicketExpired)
	assert.NoError(t, internal.Validate(now, 0))

	future := &InternalTicket{Issued: now.Add(5 * time.Minute)}
	assert.ErrorIs(t, future.Validate(now, time.Minute), ErrTicketExpired)
}

func TestParseTruncated(t *testing.T) {
	full := (&Ticket{PID: 1, SessionSecret: []byte("abcd"), Extra: []byte("ef")}).Bytes()
	for n := 0; n < len(full); n++ {
		_, err := ParseTicket(full[:n])
		assert.ErrorIs(t, err, ErrMalformedTicket, "len %d", n)
	}
	_, err := ParseInternalTicket([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedTicket)
}

func TestUnknownMode(t *testing.T) {
	_, err := (&Ticket{}).Encrypt(testKey, Mode(7))
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestGranterGrantAndRedeem(t *testing.T) {
	g := NewGranter(2, "server password", 0, ModeRandomKey)
	assert.Equal(t, DefaultKeySize, g.KeySize)

	sealed, sessionKey, err := g.Grant(1800000001, "user password")
	require.NoError(t, err)
	require.Len(t, sessionKey, DefaultKeySize)

	ticket, err := DecryptTicket(cryptoops.DeriveKey(1800000001, []byte("user password")), sealed, ModeDirect)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ticket.PID)
	assert.Equal(t, sessionKey, ticket.SessionSecret)

	internal, err := g.Redeem(ticket.Extra, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint32(1800000001), internal.PID)
	assert.Equal(t, sessionKey, internal.SessionKey)

	g.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = g.Redeem(ticket.Extra, time.Minute)
	assert.ErrorIs(t, err, ErrTicketExpired)
}

package prudp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
	"github.com/Link-3DS/nex/prudp/core/kerberos"
)

func newSecureServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.KerberosPassword = "secure password"
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv.Granter())
	return srv
}

func TestAcceptTicket(t *testing.T) {
	srv := newSecureServer(t)
	payload, sessionKey := grantConnectPayload(t, srv, 1800, "hunter2", 41)

	key, pid, response, err := srv.acceptTicket(payload)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, key)
	assert.Equal(t, uint32(1800), pid)
	assert.Equal(t, []byte{4, 0, 0, 0, 42, 0, 0, 0}, response)
}

func TestAcceptTicketRejects(t *testing.T) {
	srv := newSecureServer(t)

	_, _, _, err := srv.acceptTicket(nil)
	assert.ErrorIs(t, err, ErrMalformedConnect)

	_, _, _, err = srv.acceptTicket([]byte{0xFF, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrMalformedConnect)

	payload, _ := grantConnectPayload(t, srv, 1800, "hunter2", 1)
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-1] ^= 0x01
	_, _, _, err = srv.acceptTicket(tampered)
	assert.ErrorIs(t, err, cryptoops.ErrIntegrity)

	// Check data naming another pid.
	sealed, sessionKey, err := srv.Granter().Grant(1800, "hunter2")
	require.NoError(t, err)
	ticket, err := kerberos.DecryptTicket(cryptoops.DeriveKey(1800, []byte("hunter2")), sealed, kerberos.ModeDirect)
	require.NoError(t, err)
	mismatched, err := BuildConnectPayload(ticket.Extra, sessionKey, 1801, 0, 1)
	require.NoError(t, err)
	_, _, _, err = srv.acceptTicket(mismatched)
	assert.ErrorIs(t, err, ErrTicketMismatch)
}

func TestAcceptTicketExpired(t *testing.T) {
	srv := newSecureServer(t)

	internal := &kerberos.InternalTicket{
		Issued:     time.Now().Add(-time.Hour),
		PID:        1800,
		SessionKey: make([]byte, 32),
	}
	blob, err := internal.Encrypt(srv.Granter().ServerKey, kerberos.ModeDirect)
	require.NoError(t, err)
	payload, err := BuildConnectPayload(blob, internal.SessionKey, 1800, 0, 1)
	require.NoError(t, err)

	_, _, _, err = srv.acceptTicket(payload)
	assert.ErrorIs(t, err, kerberos.ErrTicketExpired)
}

func TestBuildConnectPayloadLayout(t *testing.T) {
	key := []byte("0123456789abcdef")
	payload, err := BuildConnectPayload([]byte("ticket"), key, 1, 2, 3)
	require.NoError(t, err)

	ticket, rest, err := readBuffer(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("ticket"), ticket)

	check, rest, err := readBuffer(rest)
	require.NoError(t, err)
	assert.Empty(t, rest)

	plain, err := kerberos.NewCipher(key).Decrypt(check)
	require.NoError(t, err)
	require.Len(t, plain, 12)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(plain[0:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(plain[4:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(plain[8:]))
}

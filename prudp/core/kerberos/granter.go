package kerberos

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
	"github.com/Link-3DS/nex/prudp/utils/randpool"
)

const DefaultKeySize = 32

// Granter issues tickets for the secure server identified by ServerKey.
type Granter struct {
	ServerPID uint32
	ServerKey []byte
	KeySize   int
	Mode      Mode

	now func() time.Time
}

// NewGranter derives the secure server key from its pid and password.
func NewGranter(serverPID uint32, serverPassword string, keySize int, mode Mode) *Granter {
	if keySize <= 0 {
		keySize = DefaultKeySize
	}
	return &Granter{
		ServerPID: serverPID,
		ServerKey: cryptoops.DeriveKey(serverPID, []byte(serverPassword)),
		KeySize:   keySize,
		Mode:      mode,
		now:       time.Now,
	}
}

// Grant builds a fresh session key and returns the client ticket sealed under
// the user's derived key along with the session key itself.
func (g *Granter) Grant(userPID uint32, userPassword string) ([]byte, []byte, error) {
	if len(g.ServerKey) == 0 {
		return nil, nil, errors.New("kerberos: granter has no server key")
	}

	sessionKey := randpool.Bytes(g.KeySize)
	internal := &InternalTicket{
		Issued:     g.now().UTC(),
		PID:        userPID,
		SessionKey: sessionKey,
	}
	blob, err := internal.Encrypt(g.ServerKey, g.Mode)
	if err != nil {
		return nil, nil, err
	}

	ticket := &Ticket{
		PID:           g.ServerPID,
		SessionSecret: sessionKey,
		Extra:         blob,
	}
	userKey := cryptoops.DeriveKey(userPID, []byte(userPassword))
	sealed, err := ticket.Encrypt(userKey, ModeDirect)
	if err != nil {
		return nil, nil, err
	}

	log.Debug().
		Uint32("user_pid", userPID).
		Uint32("server_pid", g.ServerPID).
		Uint8("mode", uint8(g.Mode)).
		Msg("[Kerberos] Ticket granted")

	return sealed, sessionKey, nil
}

// Redeem opens an internal ticket forwarded by a client and checks freshness.
func (g *Granter) Redeem(blob []byte, maxAge time.Duration) (*InternalTicket, error) {
	internal, err := DecryptInternalTicket(g.ServerKey, blob, g.Mode)
	if err != nil {
		return nil, err
	}
	if err := internal.Validate(g.now(), maxAge); err != nil {
		return nil, err
	}
	return internal, nil
}

// Package kerberos implements the ticket scheme used to hand a session key to
// an authenticated PRUDP client.
//
// Ticket bodies are sealed encrypt-then-tag: RC4 under the key, followed by a
// 16-byte HMAC-MD5 over the ciphertext keyed with the same key. Opening a
// sealed body verifies the tag before anything is decrypted.
package kerberos

import (
	"errors"
	"fmt"

	"github.com/Link-3DS/nex/prudp/core/cryptoops"
	"github.com/Link-3DS/nex/prudp/utils/randpool"
)

// Mode selects how a ticket body is keyed on the wire.
type Mode uint8

const (
	// ModeDirect seals the body under the long-term key.
	ModeDirect Mode = 0
	// ModeRandomKey generates a 16-byte random key per ticket, seals under
	// md5(key || random) and prefixes the random key to the body.
	ModeRandomKey Mode = 1

	tagSize       = cryptoops.DigestSize
	randomKeySize = 16
)

var (
	ErrTicketIntegrity = fmt.Errorf("%w: kerberos hmac mismatch", cryptoops.ErrIntegrity)
	ErrMalformedTicket = errors.New("malformed kerberos ticket")
	ErrTicketExpired   = errors.New("kerberos ticket outside freshness window")
	ErrUnknownMode     = errors.New("unknown kerberos derivation mode")
)

// Cipher seals and opens ticket bodies under one key.
type Cipher struct {
	key []byte
}

func NewCipher(key []byte) *Cipher {
	return &Cipher{key: append([]byte(nil), key...)}
}

// Encrypt returns RC4(key, plain) || HMAC-MD5(key, ciphertext).
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	enc, err := cryptoops.RC4(c.key, plain)
	if err != nil {
		return nil, err
	}
	tag := cryptoops.HMACMD5(c.key, enc)
	return append(enc, tag...), nil
}

// Decrypt verifies the trailing tag and only then decrypts.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < tagSize {
		return nil, fmt.Errorf("%w: sealed body shorter than tag", ErrMalformedTicket)
	}
	if !c.ValidTag(data) {
		return nil, ErrTicketIntegrity
	}
	return cryptoops.RC4(c.key, data[:len(data)-tagSize])
}

// ValidTag reports whether the trailing HMAC matches the ciphertext.
func (c *Cipher) ValidTag(data []byte) bool {
	if len(data) < tagSize {
		return false
	}
	body, tag := data[:len(data)-tagSize], data[len(data)-tagSize:]
	return cryptoops.Equal(tag, cryptoops.HMACMD5(c.key, body))
}

func seal(key, plain []byte, mode Mode) ([]byte, error) {
	switch mode {
	case ModeDirect:
		return NewCipher(key).Encrypt(plain)
	case ModeRandomKey:
		random := randpool.Bytes(randomKeySize)
		final := cryptoops.MD5(append(append([]byte(nil), key...), random...))
		body, err := NewCipher(final).Encrypt(plain)
		if err != nil {
			return nil, err
		}
		w := newWriter(8 + len(random) + len(body))
		w.buffer(random)
		w.buffer(body)
		return w.bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
}

func open(key, data []byte, mode Mode) ([]byte, error) {
	switch mode {
	case ModeDirect:
		return NewCipher(key).Decrypt(data)
	case ModeRandomKey:
		r := newReader(data)
		random, err := r.buffer()
		if err != nil {
			return nil, err
		}
		body, err := r.buffer()
		if err != nil {
			return nil, err
		}
		final := cryptoops.MD5(append(append([]byte(nil), key...), random...))
		return NewCipher(final).Decrypt(body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
}

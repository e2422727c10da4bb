// Package cryptoops holds the legacy primitives the PRUDP stack is built on:
// RC4, MD5, HMAC-MD5 and the iterated MD5 key derivation used for tickets.
//
// None of these are strong by modern standards. They are kept bit-exact with
// deployed clients and must not be swapped for stronger constructions.
package cryptoops

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DigestSize is the output size of MD5 and HMAC-MD5.
	DigestSize = md5.Size

	// deriveBaseRounds is the fixed part of the DeriveKey iteration count.
	deriveBaseRounds = 65000
)

var (
	ErrIntegrity  = errors.New("integrity check failed")
	ErrInvalidKey = errors.New("invalid cipher key")
)

func wipeMemory(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}

// RC4 runs the RC4 keystream over data and returns a new slice.
// Applying it twice with the same key yields the original input.
func RC4(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	defer c.Reset()

	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// MD5 returns the MD5 digest of data.
func MD5(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// HMACMD5 returns HMAC-MD5(key, parts...) where parts are concatenated in order.
func HMACMD5(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(md5.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// DeriveKey derives the per-user ticket key by hashing password with MD5
// 65000 + pid%1024 times.
func DeriveKey(pid uint32, password []byte) []byte {
	rounds := deriveBaseRounds + int(pid%1024)

	sum := md5.Sum(password)
	for i := 1; i < rounds; i++ {
		sum = md5.Sum(sum[:])
	}
	return sum[:]
}

// SignatureKey is the PRUDP packet signing key: MD5 of the access key.
func SignatureKey(accessKey string) []byte {
	return MD5([]byte(accessKey))
}

// SignatureBase is the PRUDP checksum seed: the byte sum of the access key.
func SignatureBase(accessKey string) uint32 {
	var sum uint32
	for i := 0; i < len(accessKey); i++ {
		sum += uint32(accessKey[i])
	}
	return sum
}

// PutSignatureBase encodes base as the 4-byte little-endian form mixed into
// v1 packet signatures.
func PutSignatureBase(base uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, base)
	return b
}

// Wipe zeroes key material in place.
func Wipe(b []byte) {
	if b == nil {
		return
	}
	wipeMemory(b)
}

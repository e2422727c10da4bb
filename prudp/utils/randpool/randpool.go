// Package randpool hands out crypto randomness for connection signatures,
// ticket keys and session keys.
package randpool

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Rand fills dst from crypto/rand. A failing system RNG is not recoverable.
func Rand(dst []byte) {
	if len(dst) == 0 {
		return
	}
	if _, err := io.ReadFull(rand.Reader, dst); err != nil {
		panic(fmt.Errorf("randpool: failed to read crypto randomness: %w", err))
	}
}

// Bytes returns n fresh random bytes.
func Bytes(n int) []byte {
	b := make([]byte, n)
	Rand(b)
	return b
}

// Uint32 returns a random 32-bit value.
func Uint32() uint32 {
	var b [4]byte
	Rand(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

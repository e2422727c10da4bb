package cryptoops

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyVector(t *testing.T) {
	key := DeriveKey(100, []byte("MMQea3n!fsik"))
	assert.Equal(t, "9ef318f0a170fb46aab595bf9644f9e1", hex.EncodeToString(key))
}

func TestDeriveKeyIterationCount(t *testing.T) {
	// pid 1024 wraps to the same round count as pid 0.
	assert.Equal(t, DeriveKey(0, []byte("pw")), DeriveKey(1024, []byte("pw")))
	assert.NotEqual(t, DeriveKey(0, []byte("pw")), DeriveKey(1, []byte("pw")))
}

func TestRC4Involution(t *testing.T) {
	keys := [][]byte{
		[]byte("CD&ML"),
		bytes.Repeat([]byte{0xAB}, 16),
		bytes.Repeat([]byte{0x01}, 256),
	}
	msgs := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x5A}, 4096),
	}

	for _, k := range keys {
		for _, m := range msgs {
			enc, err := RC4(k, m)
			require.NoError(t, err)
			dec, err := RC4(k, enc)
			require.NoError(t, err)
			assert.Equal(t, m, dec)
			if len(m) > 0 {
				assert.NotEqual(t, m, enc)
			}
		}
	}
}

func TestRC4KnownVector(t *testing.T) {
	// Classic "Key" / "Plaintext" test vector.
	out, err := RC4([]byte("Key"), []byte("Plaintext"))
	require.NoError(t, err)
	assert.Equal(t, "bbf316e8d940af0ad3", hex.EncodeToString(out))
}

func TestRC4RejectsEmptyKey(t *testing.T) {
	_, err := RC4(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHMACMD5Parts(t *testing.T) {
	key := []byte("key")
	whole := HMACMD5(key, []byte("The quick brown fox jumps over the lazy dog"))
	split := HMACMD5(key, []byte("The quick brown "), []byte("fox jumps over the lazy dog"))
	assert.Equal(t, "80070713463e7749b90c2dc24911e275", hex.EncodeToString(whole))
	assert.Equal(t, whole, split)
	assert.True(t, Equal(whole, split))
	assert.False(t, Equal(whole, whole[:8]))
}

func TestSignatureHelpers(t *testing.T) {
	sum := md5.Sum([]byte("ridfebb9"))
	assert.Equal(t, sum[:], SignatureKey("ridfebb9"))
	assert.Equal(t, uint32('a'+'b'), SignatureBase("ab"))
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x00}, PutSignatureBase(0x0201))
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
	Wipe(nil)
}

package prudp

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequenced(packets []*Packet, first uint16) []*Packet {
	for i, p := range packets {
		p.SequenceID = first + uint16(i)
	}
	return packets
}

func TestFragmentReassembleRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	template := &Packet{Variant: VariantV1, Type: TypeData, Flags: FlagReliable | FlagNeedAck}

	for _, size := range []int{1, 2, 7, 100, 1300} {
		for _, length := range []int{0, 1, size - 1, size, size + 1, 3*size + 5, 4000} {
			payload := make([]byte, length)
			for i := range payload {
				payload[i] = byte(rng.IntN(256))
			}

			packets := sequenced(Fragment(template, payload, size), 65530)
			r := NewReassembler(0)
			var out [][]byte
			for _, p := range packets {
				out = append(out, r.Feed(p)...)
			}

			require.Len(t, out, 1, "size=%d length=%d", size, length)
			require.True(t, bytes.Equal(payload, out[0]), "size=%d length=%d", size, length)
		}
	}
}

func TestFragmentIDs(t *testing.T) {
	assert.Equal(t, []uint8{0}, FragmentIDs(1))
	assert.Equal(t, []uint8{1, 2, 0}, FragmentIDs(3))

	ids := FragmentIDs(300)
	assert.Equal(t, uint8(0), ids[299])
	assert.Equal(t, uint8(255), ids[254])
	assert.Equal(t, uint8(1), ids[255])
	for _, id := range ids[:299] {
		assert.NotZero(t, id)
	}
}

func TestFragmentKeepsTemplate(t *testing.T) {
	template := &Packet{Variant: VariantV0, Type: TypeData, Flags: FlagReliable | FlagHasSize, SessionID: 9}
	packets := Fragment(template, bytes.Repeat([]byte{1}, 25), 10)
	require.Len(t, packets, 3)
	for _, p := range packets {
		assert.Equal(t, TypeData, p.Type)
		assert.Equal(t, FlagReliable|FlagHasSize, p.Flags)
		assert.Equal(t, uint8(9), p.SessionID)
	}
	assert.Len(t, packets[2].Payload, 5)
}

func TestReassemblerOutOfOrderAndDuplicates(t *testing.T) {
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	packets := sequenced(Fragment(&Packet{Type: TypeData}, payload, 5), 100)
	require.Len(t, packets, 6)

	r := NewReassembler(0)
	assert.Empty(t, r.Feed(packets[0]))
	assert.Empty(t, r.Feed(packets[2]))
	assert.Empty(t, r.Feed(packets[4]))
	assert.Equal(t, []uint16{102, 104}, r.Pending())
	assert.Empty(t, r.Feed(packets[2]))
	assert.Empty(t, r.Feed(packets[0]))
	assert.Empty(t, r.Feed(packets[5]))
	assert.Empty(t, r.Feed(packets[1]))
	out := r.Feed(packets[3])
	require.Len(t, out, 1)
	assert.Equal(t, payload, out[0])

	r = NewReassembler(0)
	for _, i := range []int{0, 5, 4, 3, 2} {
		require.Empty(t, r.Feed(packets[i]))
	}
	out = r.Feed(packets[1])
	require.Len(t, out, 1)
	assert.Equal(t, payload, out[0])
	assert.Empty(t, r.Pending())
}

func TestReassemblerMultiplePayloads(t *testing.T) {
	first := Fragment(&Packet{Type: TypeData}, []byte("first payload"), 4)
	second := Fragment(&Packet{Type: TypeData}, []byte("second"), 100)
	packets := sequenced(append(first, second...), 1)

	r := NewReassembler(0)
	r.Reset(1)
	var out [][]byte
	for i := len(packets) - 1; i >= 0; i-- {
		out = append(out, r.Feed(packets[i])...)
	}
	require.Len(t, out, 2)
	assert.Equal(t, []byte("first payload"), out[0])
	assert.Equal(t, []byte("second"), out[1])
}

func TestReassemblerPendingLimit(t *testing.T) {
	r := NewReassembler(2)
	r.Reset(1)
	for seq := uint16(3); seq < 10; seq++ {
		r.Feed(&Packet{SequenceID: seq, FragmentID: 1})
	}
	assert.Len(t, r.Pending(), 2)
}

func TestSplitPayload(t *testing.T) {
	assert.Equal(t, [][]byte{{}}, SplitPayload([]byte{}, 10))
	assert.Len(t, SplitPayload(make([]byte, 2600), 1300), 2)
	assert.Len(t, SplitPayload(make([]byte, 2601), 1300), 3)
	assert.Len(t, SplitPayload(make([]byte, 1400), 0), 2)
}

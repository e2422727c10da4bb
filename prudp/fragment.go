package prudp

import (
	"sort"
)

// SplitPayload cuts payload into chunks of at most size bytes. An empty
// payload still yields one empty chunk.
func SplitPayload(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultFragmentSize
	}
	if len(payload) <= size {
		return [][]byte{payload}
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := min(start+size, len(payload))
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

// FragmentIDs assigns fragment ids to n chunks: a single chunk gets 0,
// otherwise chunks count up from 1 and the final one is sent as 0. Ids wrap
// past 255 without reusing 0.
func FragmentIDs(n int) []uint8 {
	ids := make([]uint8, n)
	var next uint8
	for i := 0; i < n-1; i++ {
		next++
		if next == 0 {
			next = 1
		}
		ids[i] = next
	}
	return ids
}

// Fragment wraps each chunk of payload in a copy of template. Sequence ids are
// left for the session to assign.
func Fragment(template *Packet, payload []byte, size int) []*Packet {
	chunks := SplitPayload(payload, size)
	ids := FragmentIDs(len(chunks))

	packets := make([]*Packet, len(chunks))
	for i, chunk := range chunks {
		p := *template
		p.FragmentID = ids[i]
		p.Payload = chunk
		p.Sender = nil
		p.wire = wireParts{}
		packets[i] = &p
	}
	return packets
}

// Reassembler rebuilds payloads from DATA fragments of one packet type.
// Fragments are delivered in sequence-id order; early arrivals wait in a
// pending set and duplicates are dropped. A delivered fragment with id 0
// completes the payload.
//
// Not safe for concurrent use; the owning session serializes access.
type Reassembler struct {
	primed   bool
	expected uint16
	pending  map[uint16]*Packet
	buffer   []byte
	limit    int
}

// NewReassembler creates a reassembler that keeps at most limit fragments
// waiting for a gap to fill. limit <= 0 means 256.
func NewReassembler(limit int) *Reassembler {
	if limit <= 0 {
		limit = 256
	}
	return &Reassembler{pending: make(map[uint16]*Packet), limit: limit}
}

// Reset discards buffered state and expects seq next.
func (r *Reassembler) Reset(seq uint16) {
	r.primed = true
	r.expected = seq
	r.buffer = nil
	clear(r.pending)
}

// seqBefore reports whether a comes before b in wrapping 16-bit order.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// Feed adds a fragment and returns every payload it completed, in order.
func (r *Reassembler) Feed(p *Packet) [][]byte {
	if !r.primed {
		r.Reset(p.SequenceID)
	}
	if seqBefore(p.SequenceID, r.expected) {
		return nil
	}
	if _, dup := r.pending[p.SequenceID]; dup {
		return nil
	}
	if p.SequenceID != r.expected {
		if len(r.pending) >= r.limit {
			return nil
		}
		r.pending[p.SequenceID] = p
		return nil
	}

	var done [][]byte
	for next := p; next != nil; {
		r.buffer = append(r.buffer, next.Payload...)
		if next.FragmentID == 0 {
			out := r.buffer
			if out == nil {
				out = []byte{}
			}
			done = append(done, out)
			r.buffer = nil
		}
		r.expected++

		var ok bool
		next, ok = r.pending[r.expected]
		if ok {
			delete(r.pending, r.expected)
		}
	}
	return done
}

// Pending returns the sequence ids waiting for a gap, oldest first.
func (r *Reassembler) Pending() []uint16 {
	ids := make([]uint16, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return seqBefore(ids[i], ids[j]) })
	return ids
}

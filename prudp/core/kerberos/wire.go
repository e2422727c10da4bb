package kerberos

import (
	"encoding/binary"
	"fmt"
)

type writer struct {
	b []byte
}

func newWriter(capacity int) *writer {
	return &writer{b: make([]byte, 0, capacity)}
}

func (w *writer) u32(v uint32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
}

func (w *writer) u64(v uint64) {
	w.b = binary.LittleEndian.AppendUint64(w.b, v)
}

// buffer writes a u32 length prefix followed by p.
func (w *writer) buffer(p []byte) {
	w.u32(uint32(len(p)))
	w.b = append(w.b, p...)
}

func (w *writer) bytes() []byte {
	return w.b
}

type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.b)-r.pos < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedTicket, n, r.pos, len(r.b)-r.pos)
	}
	return nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) buffer() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := append([]byte(nil), r.b[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return out, nil
}

package albatross

import (
	"encoding/binary"
)

// writer appends big-endian fixed-width fields. Variable-length fields are
// prefixed with a uint32 length.
type writer struct {
	buf []byte
}

func newWriter(capacity int) *writer {
	return &writer{buf: make([]byte, 0, capacity)}
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) varBytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) bytes() []byte { return w.buf }

// reader is the counterpart of writer. The first failure sticks; callers
// check err once after reading every field.
type reader struct {
	data []byte
	off  int
	err  error
	what string
}

func newReader(data []byte, what string) *reader {
	return &reader{data: data, what: what}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = wrapMalformed("%s: need %d bytes at offset %d, have %d", r.what, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) hash() Hash {
	var h Hash
	copy(h[:], r.take(HashSize))
	return h
}

// varBytes reads a length-prefixed field, refusing lengths above limit.
func (r *reader) varBytes(limit int) []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int64(n) > int64(limit) {
		r.err = wrapMalformed("%s: field length %d exceeds limit %d", r.what, n, limit)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// done fails if unread bytes remain.
func (r *reader) done() error {
	if r.err == nil && r.off != len(r.data) {
		r.err = wrapMalformed("%s: %d trailing bytes", r.what, len(r.data)-r.off)
	}
	return r.err
}

package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrShortBuffer indicates a truncated wire structure.
	ErrShortBuffer = errors.New("protocol: short buffer")
	// ErrFieldTooLong indicates a field exceeding its length prefix range.
	ErrFieldTooLong = errors.New("protocol: field too long")
)

// wireWriter appends big-endian fields to a growing buffer. The first
// oversize field latches an error; callers check err once after writing.
type wireWriter struct {
	buf []byte
	err error
}

func (w *wireWriter) u8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *wireWriter) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *wireWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *wireWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// string writes a uint16 length prefix followed by the UTF-8 bytes.
func (w *wireWriter) string(s string) {
	if len(s) > math.MaxUint16 {
		w.err = ErrFieldTooLong
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// bytes writes a uint32 length prefix followed by the raw bytes.
func (w *wireWriter) bytes(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.err = ErrFieldTooLong
		return
	}
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// optBytes writes a presence flag, then the bytes when present. A nil slice
// is absent; an empty non-nil slice round-trips as empty.
func (w *wireWriter) optBytes(b []byte) {
	if b == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.bytes(b)
}

// wireReader consumes big-endian fields from a buffer. The first failure
// latches; subsequent reads return zero values and err() reports the cause.
type wireReader struct {
	data []byte
	off  int
	err  error
}

func newWireReader(data []byte) *wireReader {
	return &wireReader{data: data}
}

func (r *wireReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *wireReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *wireReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *wireReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *wireReader) bool() bool {
	return r.u8() != 0
}

func (r *wireReader) string() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *wireReader) bytes() []byte {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *wireReader) optBytes() []byte {
	if r.u8() == 0 {
		return nil
	}
	return r.bytes()
}

// remaining reports how many unread bytes are left.
func (r *wireReader) remaining() int {
	return len(r.data) - r.off
}

func (r *wireReader) fin() error {
	return r.err
}

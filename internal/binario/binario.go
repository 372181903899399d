// Package binario provides small little-endian read/write helpers shared
// by the wire protocol and the snapshot-framing code.
package binario

import (
	"encoding/binary"
	"io"
)

// Writer accumulates little-endian primitives into an underlying
// io.Writer, remembering the first error so callers can check once at
// the end instead of after every field.
type Writer struct {
	w   io.Writer
	err error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) WriteUint8(v uint8) {
	w.write([]byte{v})
}

func (w *Writer) WriteUint16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	w.write(buf[:])
}

func (w *Writer) WriteInt16(v int16) {
	w.WriteUint16(uint16(v))
}

func (w *Writer) WriteUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.write(buf[:])
}

func (w *Writer) WriteBytes(b []byte) {
	w.write(b)
}

// WritePadded writes exactly n bytes: b truncated or NUL-padded to fit.
func (w *Writer) WritePadded(b []byte, n int) {
	buf := make([]byte, n)
	copy(buf, b)
	w.write(buf)
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

// Reader consumes little-endian primitives from an in-memory buffer.
type Reader struct {
	buf []byte
	pos int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadFixed returns a copy of the next n bytes, trimmed of trailing NUL
// bytes (used for NUL-padded fixed-width strings).
func (r *Reader) ReadFixed(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	end := len(out)
	for end > 0 && out[end-1] == 0 {
		end--
	}
	return out[:end]
}

// ReadRest returns a copy of every remaining byte.
func (r *Reader) ReadRest() []byte {
	b := r.take(r.Remaining())
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

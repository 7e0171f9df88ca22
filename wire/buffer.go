// Package wire implements the broker's length-prefixed binary primitives:
// the ByteBuffer reader/writer shared by every packet payload, and the
// Flags bit-packing helper (no packet codec in this module calls it).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortBuffer is returned when a Reader is asked to consume more bytes
// than remain.
var ErrShortBuffer = errors.New("wire: short buffer")

// Writer accumulates a length-prefixed binary payload.
//
// Zero value is ready to use.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// WriteU8 writes a single byte.
func (w *Writer) WriteU8(v uint8) { w.buf.WriteByte(v) }

// WriteU16 writes a big-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// WriteU32 writes a big-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// WriteU64 writes a big-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteBool writes a single byte: 1 for true, 0 for false.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// WriteBytes writes a u32be length prefix followed by the raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf.Write(b)
}

// WriteString writes s as length-prefixed UTF-8 bytes.
func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// WriteFlags packs len(bits) booleans into ceil(len(bits)/8) bytes, 8 per
// byte, most significant bit first within each byte.
func (w *Writer) WriteFlags(bits ...bool) {
	nBytes := (len(bits) + 7) / 8
	out := make([]byte, nBytes)
	for i, b := range bits {
		if !b {
			continue
		}
		out[i/8] |= 1 << (7 - uint(i%8))
	}
	w.buf.Write(out)
}

// Reader consumes a byte slice with the same primitive layout Writer
// produces. A Reader tracks how many bytes remain so callers can assert
// full consumption.
type Reader struct {
	b   []byte
	pos int
}

// NewReader wraps b for sequential reads.
func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Remaining reports how many bytes have not yet been consumed.
func (r *Reader) Remaining() int { return len(r.b) - r.pos }

// AssertConsumed returns an error if any bytes remain unread.
func (r *Reader) AssertConsumed() error {
	if r.Remaining() != 0 {
		return fmt.Errorf("wire: %d trailing byte(s) after decode", r.Remaining())
	}
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, ErrShortBuffer
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a big-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU32 reads a big-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadU64 reads a big-endian uint64.
func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadBool reads a single byte and reports it as a boolean (nonzero = true).
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadBytes reads a u32be length prefix followed by that many raw bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadFlags unpacks nBits booleans from ceil(nBits/8) bytes.
func (r *Reader) ReadFlags(nBits int) ([]bool, error) {
	nBytes := (nBits + 7) / 8
	raw, err := r.take(nBytes)
	if err != nil {
		return nil, err
	}
	out := make([]bool, nBits)
	for i := range out {
		out[i] = raw[i/8]&(1<<(7-uint(i%8))) != 0
	}
	return out, nil
}

// WriteFrame writes a wire frame as specified by the protocol framing:
// u32be type_len | type-key bytes | u32be data_len | payload bytes.
func WriteFrame(w io.Writer, typeKey string, payload []byte) error {
	var hdr Writer
	hdr.WriteString(typeKey)
	hdr.WriteBytes(payload)
	_, err := w.Write(hdr.Bytes())
	return err
}

// ReadFrame reads one wire frame from b, returning the type-key and payload.
func ReadFrame(b []byte) (typeKey string, payload []byte, err error) {
	r := NewReader(b)
	typeKey, err = r.ReadString()
	if err != nil {
		return "", nil, err
	}
	payload, err = r.ReadBytes()
	if err != nil {
		return "", nil, err
	}
	if err := r.AssertConsumed(); err != nil {
		return "", nil, err
	}
	return typeKey, payload, nil
}

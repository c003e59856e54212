package wire

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when the input ends before a value is complete.
var ErrTruncated = errors.New("wire: truncated input")

// nullLength is the length written for a nil byte array.
const nullLength = -1

// Writer appends encoded values to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with capacity for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// Uvarint writes an unsigned variable-length integer.
func (w *Writer) Uvarint(v uint64) { w.buf = protowire.AppendVarint(w.buf, v) }

// Varint writes a zig-zag encoded signed integer.
func (w *Writer) Varint(v int64) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
}

// Fixed64 writes an 8-byte word.
func (w *Writer) Fixed64(v uint64) { w.buf = protowire.AppendFixed64(w.buf, v) }

// ByteArray writes a length-prefixed byte array. A nil slice is encoded
// distinctly from an empty one.
func (w *Writer) ByteArray(b []byte) {
	if b == nil {
		w.Varint(nullLength)
		return
	}
	w.Varint(int64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Reader consumes values produced by Writer. Returned slices never alias
// the input buffer.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) Byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *Reader) Uvarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		return 0, errors.Wrapf(ErrTruncated, "varint at offset %d: %v", r.off, protowire.ParseError(n))
	}
	r.off += n
	return v, nil
}

func (r *Reader) Varint() (int64, error) {
	v, err := r.Uvarint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(v), nil
}

func (r *Reader) Fixed64() (uint64, error) {
	v, n := protowire.ConsumeFixed64(r.buf[r.off:])
	if n < 0 {
		return 0, errors.Wrapf(ErrTruncated, "fixed64 at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

// ByteArray reads a byte array written by Writer.ByteArray, preserving nil.
func (r *Reader) ByteArray() ([]byte, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, err
	}
	if n == nullLength {
		return nil, nil
	}
	if n < 0 {
		return nil, errors.Newf("wire: invalid byte array length %d", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append(make([]byte, 0, len(b)), b...), nil
}

func (r *Reader) String() (string, error) {
	n, err := r.Uvarint()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, r.off, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

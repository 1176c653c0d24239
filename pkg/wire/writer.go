package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Writer accumulates a binary payload. The first error sticks; later calls
// become no-ops and Bytes reports it.
type Writer struct {
	buf bytes.Buffer
	err error
}

func NewWriter(f Format) *Writer {
	w := &Writer{}
	w.buf.Grow(64)
	w.Uint16(uint16(f))
	return w
}

// NewPlainWriter returns a writer that emits no format discriminator.
func NewPlainWriter() *Writer {
	w := &Writer{}
	w.buf.Grow(64)
	return w
}

func (w *Writer) Uint8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(v)
}

func (w *Writer) Uint16(v uint16) {
	if w.err != nil {
		return
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) Uint32(v uint32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) Uint64(v uint64) {
	if w.err != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// String16 writes a 2-byte length followed by the UTF-8 bytes of s.
func (w *Writer) String16(s string) {
	w.Bytes16([]byte(s))
}

// Bytes16 writes a 2-byte length followed by b.
func (w *Writer) Bytes16(b []byte) {
	if w.err != nil {
		return
	}
	if len(b) > MaxString16 {
		w.err = fmt.Errorf("wire: %d bytes exceed 2-byte length prefix", len(b))
		return
	}
	w.Uint16(uint16(len(b)))
	w.buf.Write(b)
}

// Bytes64 writes an 8-byte length followed by b.
func (w *Writer) Bytes64(b []byte) {
	if w.err != nil {
		return
	}
	w.Uint64(uint64(len(b)))
	w.buf.Write(b)
}

// TLV writes one {tag, reserved, length, value} record.
func (w *Writer) TLV(tag uint16, value []byte) {
	if w.err != nil {
		return
	}
	if tag == TagEnd {
		w.err = fmt.Errorf("wire: tag %d is reserved", TagEnd)
		return
	}
	w.Uint16(tag)
	w.Uint16(0)
	w.Uint32(uint32(len(value)))
	w.buf.Write(value)
}

// End terminates a TLV record sequence.
func (w *Writer) End() {
	w.Uint16(TagEnd)
	w.Uint16(0)
	w.Uint32(0)
}

// SignatureBlock writes a 2-byte count followed by each signature as Bytes16.
func (w *Writer) SignatureBlock(sigs [][]byte) {
	if w.err != nil {
		return
	}
	if len(sigs) > MaxString16 {
		w.err = fmt.Errorf("wire: %d signatures exceed 2-byte count", len(sigs))
		return
	}
	w.Uint16(uint16(len(sigs)))
	for _, s := range sigs {
		w.Bytes16(s)
	}
}

// Fail records err unless an earlier error already stuck.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Raw appends b without a prefix.
func (w *Writer) Raw(b []byte) {
	if w.err != nil {
		return
	}
	w.buf.Write(b)
}

// Bytes returns a fresh copy of the encoded payload.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return bytes.Clone(w.buf.Bytes()), nil
}

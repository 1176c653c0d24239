package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// Reader consumes a binary payload produced by Writer.
type Reader struct {
	data []byte
	off  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Format reads and validates the leading discriminator.
func (r *Reader) Format() (Format, error) {
	v, err := r.Uint16()
	if err != nil {
		return FormatUnknown, err
	}
	f := Format(v)
	if !f.Valid() {
		return FormatUnknown, &ParseError{Offset: 0, Reason: "unrecognized format " + f.String(), Err: ErrUnknownFormat}
	}
	return f, nil
}

func (r *Reader) Offset() int    { return r.off }
func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, &ParseError{Offset: r.off, Reason: "reading " + what, Err: ErrTruncated}
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1, "uint8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2, "uint16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8, "uint64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Bytes16 reads a 2-byte length prefixed byte slice (copied).
func (r *Reader) Bytes16() ([]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n), "bytes16 body")
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// String16 reads a 2-byte length prefixed UTF-8 string.
func (r *Reader) String16() (string, error) {
	start := r.off
	b, err := r.Bytes16()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", &ParseError{Offset: start, Reason: "invalid UTF-8 string"}
	}
	return string(b), nil
}

// Bytes64 reads an 8-byte length prefixed byte slice (copied).
func (r *Reader) Bytes64() ([]byte, error) {
	start := r.off
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, &ParseError{Offset: start, Reason: "data length exceeds buffer", Err: ErrLength}
	}
	b, _ := r.take(int(n), "bytes64 body")
	return append([]byte(nil), b...), nil
}

// Record is one decoded TLV record.
type Record struct {
	Tag   uint16
	Value []byte
}

// TLVs reads records until the end marker. Unknown tags are returned as-is
// so callers can skip them.
func (r *Reader) TLVs() ([]Record, error) {
	var out []Record
	for {
		start := r.off
		tag, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		if _, err := r.Uint16(); err != nil {
			return nil, err
		}
		n, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if tag == TagEnd {
			if n != 0 {
				return nil, &ParseError{Offset: start, Reason: "end record with payload", Err: ErrLength}
			}
			return out, nil
		}
		if uint64(n) > uint64(r.Remaining()) {
			return nil, &ParseError{Offset: start, Reason: "record length exceeds buffer", Err: ErrLength}
		}
		v, _ := r.take(int(n), "tlv value")
		out = append(out, Record{Tag: tag, Value: append([]byte(nil), v...)})
	}
}

// SignatureBlock reads the trailing signature list.
func (r *Reader) SignatureBlock() ([][]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	var sigs [][]byte
	for i := 0; i < int(n); i++ {
		s, err := r.Bytes16()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, s)
	}
	return sigs, nil
}

// Done fails when unread bytes remain.
func (r *Reader) Done() error {
	if r.Remaining() != 0 {
		return &ParseError{Offset: r.off, Reason: "trailing bytes", Err: ErrLength}
	}
	return nil
}

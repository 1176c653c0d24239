// Package wire implements the length-prefixed binary primitives shared by all
// binary OCPP payload formats. Every multi-byte integer is little-endian.
package wire

import (
	"errors"
	"fmt"
)

// Format is the 2-byte discriminator at the start of every binary payload.
type Format uint16

const (
	FormatUnknown        Format = 0
	FormatCompact        Format = 1
	FormatTextIds        Format = 2
	FormatTagLengthValue Format = 3
)

func (f Format) String() string {
	switch f {
	case FormatCompact:
		return "Compact"
	case FormatTextIds:
		return "TextIds"
	case FormatTagLengthValue:
		return "TagLengthValue"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(f))
	}
}

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	return f == FormatCompact || f == FormatTextIds || f == FormatTagLengthValue
}

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "compact", "Compact", "":
		return FormatCompact, nil
	case "textids", "TextIds", "text_ids":
		return FormatTextIds, nil
	case "tlv", "TagLengthValue", "tag_length_value":
		return FormatTagLengthValue, nil
	}
	return FormatUnknown, fmt.Errorf("unknown binary format %q", s)
}

var (
	ErrTruncated     = errors.New("truncated buffer")
	ErrLength        = errors.New("invalid length prefix")
	ErrUnknownFormat = errors.New("unknown format discriminator")
)

// ParseError describes malformed binary input. It never escapes as a panic.
type ParseError struct {
	Offset int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s at offset %d: %v", e.Reason, e.Offset, e.Err)
	}
	return fmt.Sprintf("wire: %s at offset %d", e.Reason, e.Offset)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TLV record tags. Tag 0 terminates a record sequence.
const (
	TagEnd uint16 = 0
)

// MaxString16 is the largest value a 2-byte length prefix can describe.
const MaxString16 = 0xFFFF

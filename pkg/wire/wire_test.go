package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderPrimitives(t *testing.T) {
	w := NewWriter(FormatCompact)
	w.Uint8(7)
	w.String16("vendor")
	w.String16("")
	w.Bytes64([]byte{1, 2, 3})
	w.Bytes64(nil)
	w.SignatureBlock([][]byte{{0xAA}, {}})
	b, err := w.Bytes()
	require.NoError(t, err)

	r := NewReader(b)
	f, err := r.Format()
	require.NoError(t, err)
	assert.Equal(t, FormatCompact, f)

	u, err := r.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u)

	s, err := r.String16()
	require.NoError(t, err)
	assert.Equal(t, "vendor", s)
	s, err = r.String16()
	require.NoError(t, err)
	assert.Empty(t, s)

	d, err := r.Bytes64()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, d)
	d, err = r.Bytes64()
	require.NoError(t, err)
	assert.Empty(t, d)

	sigs, err := r.SignatureBlock()
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, []byte{0xAA}, sigs[0])
	assert.Empty(t, sigs[1])
	require.NoError(t, r.Done())
}

func TestLittleEndianLayout(t *testing.T) {
	w := NewWriter(FormatTextIds)
	w.Uint16(0x0102)
	b, err := w.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x02, 0x01}, b)
}

func TestTLVSkipsUnknownTags(t *testing.T) {
	w := NewWriter(FormatTagLengthValue)
	w.TLV(1, []byte("a"))
	w.TLV(99, []byte("future field"))
	w.TLV(2, nil)
	w.End()
	w.SignatureBlock(nil)
	b, err := w.Bytes()
	require.NoError(t, err)

	r := NewReader(b)
	_, err = r.Format()
	require.NoError(t, err)
	recs, err := r.TLVs()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint16(99), recs[1].Tag)
	assert.Equal(t, uint16(2), recs[2].Tag)
	assert.Empty(t, recs[2].Value)
	sigs, err := r.SignatureBlock()
	require.NoError(t, err)
	assert.Empty(t, sigs)
	require.NoError(t, r.Done())
}

func TestReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(r *Reader) error
		want error
	}{
		{
			name: "unknown format",
			data: []byte{0x09, 0x00},
			read: func(r *Reader) error { _, err := r.Format(); return err },
			want: ErrUnknownFormat,
		},
		{
			name: "short format",
			data: []byte{0x01},
			read: func(r *Reader) error { _, err := r.Format(); return err },
			want: ErrTruncated,
		},
		{
			name: "string longer than buffer",
			data: []byte{0x05, 0x00, 'a'},
			read: func(r *Reader) error { _, err := r.String16(); return err },
			want: ErrTruncated,
		},
		{
			name: "bytes64 length overflow",
			data: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00},
			read: func(r *Reader) error { _, err := r.Bytes64(); return err },
			want: ErrLength,
		},
		{
			name: "tlv record overflow",
			data: []byte{0x01, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x01},
			read: func(r *Reader) error { _, err := r.TLVs(); return err },
			want: ErrLength,
		},
		{
			name: "missing end record",
			data: []byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01},
			read: func(r *Reader) error { _, err := r.TLVs(); return err },
			want: ErrTruncated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.read(NewReader(tt.data))
			require.Error(t, err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriterRejectsOversizedString(t *testing.T) {
	w := NewWriter(FormatCompact)
	w.Bytes16(make([]byte, MaxString16+1))
	_, err := w.Bytes()
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("tlv")
	require.NoError(t, err)
	assert.Equal(t, FormatTagLengthValue, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
	assert.Equal(t, "TextIds", FormatTextIds.String())
}

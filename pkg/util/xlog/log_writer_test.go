package xlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogWriterTrimsAndSkipsBlankLines(t *testing.T) {
	var got []string
	w := LogWriter(func(msg string) { got = append(got, msg) })

	n, err := w.Write([]byte("http: TLS handshake error from 10.0.0.1:4711: EOF\n"))
	assert.NoError(t, err)
	assert.Equal(t, 50, n)
	_, _ = w.Write([]byte("  \n"))

	assert.Equal(t, []string{"http: TLS handshake error from 10.0.0.1:4711: EOF"}, got)
}

package xlog

import (
	"log"
	"strings"

	"github.com/DragonSecurity/ocppnet/pkg/util"
)

// LogWriter forwards lines written by stdlib loggers, such as
// http.Server.ErrorLog, to a util.Logger at a fixed level.
type LogWriter func(msg string)

func (w LogWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w(msg)
	}
	return len(p), nil
}

func NewWarnWriter(xl *util.Logger) LogWriter {
	return func(msg string) { xl.Warnf("%s", msg) }
}

// NewStdLogger returns a stdlib logger that writes through xl at warn level.
func NewStdLogger(xl *util.Logger) *log.Logger {
	return log.New(NewWarnWriter(xl), "", 0)
}

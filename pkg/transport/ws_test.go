package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

type frame struct {
	kind proto.MessageKind
	data string
}

// echoPair returns a client WSConn whose peer echoes every message back.
func echoPair(t *testing.T) *WSConn {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: Subprotocols}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	d := websocket.Dialer{Subprotocols: []string{"ocpp2.0.1"}}
	c, _, err := d.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	conn := NewWSConn("CSMS", c)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSendAndReadLoop(t *testing.T) {
	conn := echoPair(t)
	assert.Equal(t, "CSMS", conn.ID())
	assert.Equal(t, "ocpp2.0.1", conn.Subprotocol())
	assert.NotEmpty(t, conn.RemoteAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan frame, 2)
	done := make(chan error, 1)
	go func() {
		done <- conn.ReadLoop(ctx, 50*time.Millisecond, func(k proto.MessageKind, b []byte) error {
			got <- frame{k, string(b)}
			return nil
		})
	}()

	require.NoError(t, conn.Send(ctx, proto.TextMessage, []byte(`[2,"1","Heartbeat",{}]`)))
	require.NoError(t, conn.Send(ctx, proto.BinaryMessage, []byte{0x02, 0x01}))

	assert.Equal(t, frame{proto.TextMessage, `[2,"1","Heartbeat",{}]`}, <-got)
	assert.Equal(t, frame{proto.BinaryMessage, "\x02\x01"}, <-got)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.ErrorIs(t, conn.Send(context.Background(), proto.TextMessage, []byte("x")), ErrClosed)
}

func TestReadLoopStopsOnHandlerError(t *testing.T) {
	conn := echoPair(t)
	stop := assert.AnError
	done := make(chan error, 1)
	go func() {
		done <- conn.ReadLoop(context.Background(), 0, func(proto.MessageKind, []byte) error { return stop })
	}()
	require.NoError(t, conn.Send(context.Background(), proto.TextMessage, []byte("[]")))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, stop)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
}

func TestSendHonoursCancelledContext(t *testing.T) {
	conn := echoPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, conn.Send(ctx, proto.TextMessage, []byte("x")), context.Canceled)
}

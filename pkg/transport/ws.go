package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// Subprotocols offered by dialers and accepted by the listener, most
// preferred first.
var Subprotocols = []string{"ocpp2.1", "ocpp2.0.1", "ocpp1.6"}

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	maxMessageSize      = 4 << 20
)

var ErrClosed = errors.New("connection closed")

// WSConn adapts a gorilla websocket to the message framed connection the
// node expects. Writes are serialized; reads happen in ReadLoop only.
type WSConn struct {
	id string
	c  *websocket.Conn

	wmu          sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSConn(id string, c *websocket.Conn) *WSConn {
	c.SetReadLimit(maxMessageSize)
	return &WSConn{id: id, c: c, writeTimeout: DefaultWriteTimeout, closed: make(chan struct{})}
}

func (w *WSConn) ID() string          { return w.id }
func (w *WSConn) RemoteAddr() string  { return w.c.RemoteAddr().String() }
func (w *WSConn) Subprotocol() string { return w.c.Subprotocol() }

func (w *WSConn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(w.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func (w *WSConn) Send(ctx context.Context, kind proto.MessageKind, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}
	mt := websocket.TextMessage
	if kind == proto.BinaryMessage {
		mt = websocket.BinaryMessage
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(w.deadline(ctx))
	return w.c.WriteMessage(mt, data)
}

func (w *WSConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		w.wmu.Lock()
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.wmu.Unlock()
		err = w.c.Close()
	})
	return err
}

// ReadLoop reads frames until the connection fails or ctx ends and hands
// each text or binary message to onFrame. Pings are sent every
// pingInterval; a peer that stops answering is dropped after two missed
// pongs.
func (w *WSConn) ReadLoop(ctx context.Context, pingInterval time.Duration, onFrame func(proto.MessageKind, []byte) error) error {
	if pingInterval > 0 {
		wait := 2*pingInterval + w.writeTimeout
		_ = w.c.SetReadDeadline(time.Now().Add(wait))
		w.c.SetPongHandler(func(string) error {
			return w.c.SetReadDeadline(time.Now().Add(wait))
		})
		go w.keepalive(ctx, pingInterval)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Close()
		case <-w.closed:
		}
	}()

	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var kind proto.MessageKind
		switch mt {
		case websocket.TextMessage:
			kind = proto.TextMessage
		case websocket.BinaryMessage:
			kind = proto.BinaryMessage
		default:
			continue
		}
		if err := onFrame(kind, data); err != nil {
			return err
		}
	}
}

func (w *WSConn) keepalive(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.closed:
			return
		case <-t.C:
			w.wmu.Lock()
			err := w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
			w.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

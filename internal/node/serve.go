package node

import (
	"context"
	"errors"
	"time"

	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// ReadLooper is a Connection that also owns its read side, such as
// transport.WSConn.
type ReadLooper interface {
	Connection
	ReadLoop(ctx context.Context, ping time.Duration, onFrame func(proto.MessageKind, []byte) error) error
}

// Serve attaches conn, feeds every frame it reads into HandleFrame and
// detaches it once reading fails. The connection is closed on return.
func (n *Node) Serve(ctx context.Context, conn ReadLooper, ping time.Duration) error {
	n.Attach(conn)
	err := conn.ReadLoop(ctx, ping, func(kind proto.MessageKind, data []byte) error {
		if err := n.HandleFrame(ctx, conn, kind, data); errors.Is(err, ErrNotConnected) {
			return err
		}
		return nil
	})
	n.Detach(conn, err)
	_ = conn.Close()
	return err
}

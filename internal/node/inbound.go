package node

import (
	"context"
	"errors"
	"time"

	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// HandleFrame processes one frame read from conn. Responses resolve the
// matching pending request; requests are handled on their own goroutine so
// the caller can keep reading. Malformed frames are answered with a
// CALLERROR when their request id is recoverable.
func (n *Node) HandleFrame(ctx context.Context, conn Connection, kind proto.MessageKind, data []byte) error {
	p, err := n.peers.get(conn.ID())
	if err != nil || p.conn != conn {
		metricDropped.WithLabelValues("not_attached").Inc()
		return ErrNotConnected
	}

	f, err := proto.Decode(kind, data)
	if err != nil {
		metricDropped.WithLabelValues("malformed").Inc()
		n.log.Warnf("malformed frame from %s: %v", conn.ID(), err)
		var fe *proto.FrameError
		if errors.As(err, &fe) {
			if reply := fe.Reply(); reply != nil {
				n.reply(ctx, conn, reply)
			}
		}
		return nil
	}
	metricFrames.WithLabelValues(f.Kind().String()).Inc()

	// Answers to our own requests are never limited.
	if !isRequest(f) {
		if !n.engine.Resolve(conn.ID(), f) {
			metricDropped.WithLabelValues("unmatched").Inc()
		}
		return nil
	}

	if !p.limiter.Allow() {
		metricDropped.WithLabelValues("rate_limited").Inc()
		n.log.Warnf("rate limit exceeded by %s, refusing %s %s", conn.ID(), f.Kind(), f.GetRequestID())
		n.reply(ctx, conn, proto.ErrorFor(f.GetRequestID(), routedOf(f), proto.RpcFrameworkError, "rate limit exceeded"))
		return nil
	}

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		n.handleRequest(ctx, conn, f)
	}()
	return nil
}

func isRequest(f proto.Frame) bool {
	k := f.Kind()
	return k == proto.KindJSONRequest || k == proto.KindBinaryRequest
}

func routedOf(f proto.Frame) proto.Routed {
	return proto.Routed{Destination: f.GetDestination(), NetworkPath: f.GetNetworkPath()}
}

func requestParts(f proto.Frame) (action string, payload []byte, binary bool, timeout time.Duration) {
	switch r := f.(type) {
	case *proto.JSONRequest:
		return r.Action, r.Payload, false, r.Timeout
	case *proto.BinaryRequest:
		return r.Action, r.Payload, true, r.Timeout
	}
	return "", nil, false, 0
}

func (n *Node) handleRequest(ctx context.Context, conn Connection, f proto.Frame) {
	n.fabric.RaiseWSRequestReceived(ctx, connInfo(conn), f)

	if dest := f.GetDestination(); n.cfg.Forwarding && dest != "" && dest != n.id {
		n.forward(ctx, conn, f)
		return
	}
	n.handleLocal(ctx, conn, f)
}

// handleLocal answers a request addressed to this node.
func (n *Node) handleLocal(ctx context.Context, conn Connection, f proto.Frame) {
	start := time.Now()
	action, payload, _, _ := requestParts(f)

	req, err := n.reg.ParseRequest(action, payload, ocpp.HeaderOf(f), n.custom)
	if err != nil {
		code := proto.FormationViolation
		if errors.Is(err, ocpp.ErrUnknownAction) {
			code = proto.NotImplemented
		}
		n.log.Warnf("cannot handle %s %s from %s: %v", action, f.GetRequestID(), conn.ID(), err)
		n.reply(ctx, conn, proto.ErrorFor(f.GetRequestID(), routedOf(f), code, err.Error()))
		return
	}

	if res := n.enforcer.VerifyRequestMessage(req); !res.IsValid {
		n.log.Warnf("signature check of %s %s from %s failed: %v", action, f.GetRequestID(), conn.ID(), res.Errors)
		if n.enforcer.RejectInvalidInbound() {
			n.respond(ctx, conn, req, n.reg.Failed(req, ocpp.ResultFromError(res.Err())), start)
			return
		}
	}

	resp := n.fabric.Dispatch(ctx, connInfo(conn), req)
	n.respond(ctx, conn, req, resp, start)
}

// respond signs resp and sends it back on conn. A signing failure replaces
// the response with an unsigned SignatureError response.
func (n *Node) respond(ctx context.Context, conn Connection, req ocpp.Request, resp ocpp.Response, start time.Time) {
	if res := n.enforcer.SignResponseMessage(resp); !res.IsValid {
		n.log.Errorf("signing response to %s %s: %v", req.Action(), req.Meta().RequestID, res.Errors)
		resp = n.reg.Failed(req, ocpp.ResultFromError(res.Err()))
	}

	f, err := ocpp.ResponseFrame(resp, n.custom)
	if err != nil {
		n.log.Errorf("serialize response to %s %s: %v", req.Action(), req.Meta().RequestID, err)
		f = proto.ErrorFor(req.Meta().RequestID, routedOf(requestFrameOf(req)), proto.InternalError, "cannot serialize response")
	}
	if !n.reply(ctx, conn, f) {
		return
	}
	info := connInfo(conn)
	n.fabric.RaiseWSResponseSent(ctx, info, f)
	n.fabric.RaiseResponseSent(ctx, info, req, resp, time.Since(start))
}

// requestFrameOf rebuilds the routing view of req for error replies.
func requestFrameOf(req ocpp.Request) proto.Frame {
	h := req.Meta()
	return &proto.JSONRequest{
		RequestID: h.RequestID,
		Action:    req.Action(),
		Routed:    proto.Routed{Destination: h.Destination, NetworkPath: h.NetworkPath},
	}
}

func (n *Node) reply(ctx context.Context, conn Connection, f proto.Frame) bool {
	if err := n.send(ctx, conn, f); err != nil {
		n.log.Warnf("reply %s %s to %s: %v", f.Kind(), f.GetRequestID(), conn.ID(), err)
		return false
	}
	return true
}

func (n *Node) replyBytes(ctx context.Context, conn Connection, kind proto.MessageKind, b []byte, id proto.RequestID) bool {
	if err := conn.Send(ctx, kind, b); err != nil {
		n.log.Warnf("reply %s to %s: %v", id, conn.ID(), err)
		return false
	}
	return true
}

package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DragonSecurity/ocppnet/internal/correlation"
	"github.com/DragonSecurity/ocppnet/internal/forwarding"
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// forward relays a request addressed to another node. The request keeps
// its id, gains this node in its network path and is sent to the next hop
// as a correlated call of its own; the answer travels back to conn.
func (n *Node) forward(ctx context.Context, conn Connection, f proto.Frame) {
	if src := f.GetNetworkPath().Source(); src != "" && string(src) != conn.ID() {
		if err := n.layer.Routes().Learn(ctx, src, conn.ID()); err != nil {
			n.log.Warnf("learn route %s via %s: %v", src, conn.ID(), err)
		}
	}

	var d *forwarding.Decision
	switch r := f.(type) {
	case *proto.JSONRequest:
		d = n.layer.ProcessJSONRequest(ctx, conn.ID(), r)
	case *proto.BinaryRequest:
		d = n.layer.ProcessBinaryRequest(ctx, conn.ID(), r)
	default:
		return
	}
	if d.Kind != forwarding.Reject && f.GetNetworkPath().Contains(n.id) {
		d = n.layer.Reject(f, d.Request, ocpp.ResultUnavailable, fmt.Sprintf("routing loop through %s", n.id))
	}
	if d.Kind != forwarding.Reject {
		if res := n.enforcer.VerifyRequestMessage(d.Request); !res.IsValid {
			n.log.Warnf("signature check of forwarded %s %s from %s failed: %v", d.Request.Action(), f.GetRequestID(), conn.ID(), res.Errors)
			if n.enforcer.RejectInvalidInbound() {
				d = n.layer.Reject(f, d.Request, ocpp.ResultSignatureError, res.Err().Error())
			}
		}
	}
	if d.Kind == forwarding.Reject {
		n.replyBytes(ctx, conn, d.RejectKind, d.RejectBytes, f.GetRequestID())
		return
	}

	d, err := n.signOutbound(d)
	if err != nil {
		n.rejectForward(ctx, conn, d, ocpp.ResultSignatureError, err.Error())
		return
	}
	out, err := n.layer.Outgoing(d, n.id)
	if err != nil {
		n.rejectForward(ctx, conn, d, ocpp.ResultInternalError, err.Error())
		return
	}

	hop, err := n.nextHop(ctx, f.GetDestination())
	if err == nil && hop.ID() == conn.ID() {
		err = errors.New("route leads back to sender")
	}
	if err != nil {
		n.rejectForward(ctx, conn, d, ocpp.ResultUnavailable, fmt.Sprintf("no route to %s: %v", f.GetDestination(), err))
		return
	}

	_, _, _, timeout := requestParts(f)
	state, err := n.call(ctx, hop, out, n.timeoutFor(timeout))
	if err != nil {
		n.rejectForward(ctx, conn, d, ocpp.ResultUnavailable, err.Error())
		return
	}

	switch state.Outcome {
	case correlation.OutcomeJSONResponse:
		n.relayResponse(ctx, conn, d, state.JSONResponse, state.JSONResponse.Payload)
	case correlation.OutcomeBinaryResponse:
		n.relayResponse(ctx, conn, d, state.BinaryResponse, state.BinaryResponse.Payload)
	case correlation.OutcomeError:
		n.reply(ctx, conn, state.Error)
	default:
		res := ocpp.ResultFromError(state.AsError())
		n.rejectForward(ctx, conn, d, res.Code, res.Description)
	}
}

// signOutbound signs the request that travels on. When signatures are added
// to an unchanged request it is re-serialized like a replacement, so the
// returned decision is a copy.
func (n *Node) signOutbound(d *forwarding.Decision) (*forwarding.Decision, error) {
	req := d.Outbound()
	before := len(req.Signatures())
	if res := n.enforcer.SignRequestMessage(req); !res.IsValid {
		return d, res.Err()
	}
	if d.Kind == forwarding.Forward && len(req.Signatures()) != before {
		c := *d
		c.Kind, c.Replacement = forwarding.ForwardReplaced, req
		return &c, nil
	}
	return d, nil
}

// relayResponse passes the answer of the next hop back to conn. Responses
// of known actions are verified and signed here like any inbound and
// outbound message; opaque ones travel unchanged.
func (n *Node) relayResponse(ctx context.Context, conn Connection, d *forwarding.Decision, f proto.Frame, payload []byte) {
	req := d.Outbound()
	if isRaw(req) {
		n.reply(ctx, conn, f)
		return
	}
	resp, err := n.reg.ParseResponse(req, payload, ocpp.HeaderOf(f), n.custom)
	if err != nil {
		n.log.Warnf("relaying unparsed %s response %s: %v", req.Action(), f.GetRequestID(), err)
		n.reply(ctx, conn, f)
		return
	}
	if res := n.enforcer.VerifyResponseMessage(resp); !res.IsValid {
		n.log.Warnf("signature check of relayed %s response %s failed: %v", req.Action(), f.GetRequestID(), res.Errors)
		if n.enforcer.RejectInvalidInbound() {
			n.rejectForward(ctx, conn, d, ocpp.ResultSignatureError, res.Err().Error())
			return
		}
	}

	before := len(resp.Signatures())
	if res := n.enforcer.SignResponseMessage(resp); !res.IsValid {
		n.rejectForward(ctx, conn, d, ocpp.ResultSignatureError, res.Err().Error())
		return
	}
	if len(resp.Signatures()) != before {
		signed, err := ocpp.ResponseFrame(resp, n.custom)
		if err != nil {
			n.rejectForward(ctx, conn, d, ocpp.ResultInternalError, err.Error())
			return
		}
		f = signed
	}
	n.reply(ctx, conn, f)
}

func isRaw(req ocpp.Request) bool {
	switch req.(type) {
	case *ocpp.RawRequest, ocpp.RawBinaryRequest:
		return true
	}
	return false
}

// rejectForward answers a request that was cleared for forwarding but could
// not be delivered.
func (n *Node) rejectForward(ctx context.Context, conn Connection, d *forwarding.Decision, code ocpp.ResultCode, reason string) {
	n.log.Warnf("forwarding %s to %s failed: %s", d.Frame.GetRequestID(), d.Frame.GetDestination(), reason)
	r := n.layer.Reject(d.Frame, d.Request, code, reason)
	n.replyBytes(ctx, conn, r.RejectKind, r.RejectBytes, d.Frame.GetRequestID())
}

// call sends req to hop through the hop's circuit breaker and waits for the
// answer. Transport failures and timeouts count against the hop; an open
// breaker returns forwarding.ErrHopUnavailable without sending.
func (n *Node) call(ctx context.Context, hop Connection, req proto.Frame, timeout time.Duration) (correlation.SendRequestState, error) {
	var state correlation.SendRequestState
	w := &announcingSender{Connection: hop, sent: func(ctx context.Context) {
		n.fabric.RaiseWSRequestSent(ctx, connInfo(hop), req)
	}}
	err := n.layer.Breakers().Do(hop.ID(), func() error {
		state = n.engine.SendAndWait(ctx, w, req, timeout)
		switch state.Outcome {
		case correlation.OutcomeTransportFailure, correlation.OutcomeTimeout:
			return state.Err
		}
		return nil
	})
	if errors.Is(err, forwarding.ErrHopUnavailable) {
		return state, err
	}
	return state, nil
}

// announcingSender raises the request sent event once the frame is written.
type announcingSender struct {
	Connection
	sent func(ctx context.Context)
}

func (s *announcingSender) Send(ctx context.Context, kind proto.MessageKind, data []byte) error {
	if err := s.Connection.Send(ctx, kind, data); err != nil {
		return err
	}
	s.sent(ctx)
	return nil
}

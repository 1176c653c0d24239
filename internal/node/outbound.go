package node

import (
	"context"

	"github.com/DragonSecurity/ocppnet/internal/correlation"
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// SendRequest signs req, sends it towards its destination and waits for
// the answer. It always returns a response: signing, routing, transport
// and parse failures come back as the action's failed response carrying
// the reason in its Result.
func (n *Node) SendRequest(ctx context.Context, req ocpp.Request) ocpp.Response {
	resp, err := n.sendRequest(ctx, req)
	if err != nil {
		n.log.Debugf("%s %s: %v", req.Action(), req.Meta().RequestID, err)
	}
	return ocpp.Fallback(req, resp, err, n.reg.Failed)
}

func (n *Node) sendRequest(ctx context.Context, req ocpp.Request) (ocpp.Response, error) {
	h := req.Meta()
	if h.RequestID == "" {
		h.RequestID = proto.NewRequestID()
	}
	if h.NetworkPath.IsEmpty() && n.id != "" {
		h.NetworkPath = proto.NewNetworkPath(n.id)
	}

	if res := n.enforcer.SignRequestMessage(req); !res.IsValid {
		return nil, res.Err()
	}
	f, err := ocpp.RequestFrame(req, n.custom)
	if err != nil {
		return nil, ocpp.WrapError(ocpp.ResultInternalError, err)
	}

	hop, err := n.nextHop(ctx, h.Destination)
	if err != nil {
		return nil, ocpp.WrapError(ocpp.ResultUnavailable, err)
	}
	state, err := n.call(ctx, hop, f, n.timeoutFor(h.Timeout))
	if err != nil {
		return nil, ocpp.WrapError(ocpp.ResultUnavailable, err)
	}

	var resp ocpp.Response
	switch state.Outcome {
	case correlation.OutcomeJSONResponse:
		resp, err = n.reg.ParseResponse(req, state.JSONResponse.Payload, ocpp.HeaderOf(state.JSONResponse), n.custom)
	case correlation.OutcomeBinaryResponse:
		resp, err = n.reg.ParseResponse(req, state.BinaryResponse.Payload, ocpp.HeaderOf(state.BinaryResponse), n.custom)
	default:
		return nil, state.AsError()
	}
	if err != nil {
		return nil, err
	}

	if res := n.enforcer.VerifyResponseMessage(resp); !res.IsValid {
		n.log.Warnf("signature check of %s response %s failed: %v", req.Action(), h.RequestID, res.Errors)
		if n.enforcer.RejectInvalidInbound() {
			return nil, res.Err()
		}
	}
	return resp, nil
}

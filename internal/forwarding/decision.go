package forwarding

import (
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// Kind of a forwarding decision.
type Kind int

const (
	Forward Kind = iota + 1
	ForwardReplaced
	Reject
)

func (k Kind) String() string {
	switch k {
	case Forward:
		return "forward"
	case ForwardReplaced:
		return "forward_replaced"
	case Reject:
		return "reject"
	}
	return "none"
}

// ParseKind maps configuration strings to a default decision.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "forward", "FORWARD":
		return Forward, true
	case "reject", "REJECT":
		return Reject, true
	}
	return 0, false
}

// Decision is the verdict for one inbound request at a networking node.
// A Reject decision returned by the Layer always carries RejectResponse or
// an error frame, already serialized into RejectBytes.
type Decision struct {
	Kind        Kind
	Request     ocpp.Request
	Frame       proto.Frame
	Replacement ocpp.Request

	RejectResponse ocpp.Response
	RejectFrame    proto.Frame
	RejectKind     proto.MessageKind
	RejectBytes    []byte
	Code           ocpp.ResultCode

	Reason string
	Filter string
}

// NewForward passes the request on unchanged.
func NewForward() *Decision { return &Decision{Kind: Forward} }

// NewForwardReplaced forwards req instead of the received request. req is
// addressed and signed on its way out, so it must not be shared between
// decisions.
func NewForwardReplaced(req ocpp.Request) *Decision {
	return &Decision{Kind: ForwardReplaced, Replacement: req}
}

// NewRejectDecision refuses the request. The layer synthesizes the failed
// response for the action unless resp is given.
func NewRejectDecision(reason string, resp ocpp.Response) *Decision {
	return &Decision{Kind: Reject, Reason: reason, RejectResponse: resp, Code: ocpp.ResultFiltered}
}

// Outbound returns the request that should travel on.
func (d *Decision) Outbound() ocpp.Request {
	if d.Kind == ForwardReplaced && d.Replacement != nil {
		return d.Replacement
	}
	return d.Request
}

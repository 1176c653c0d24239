// Package proto holds the OCPP-RPC envelopes exchanged between networking
// nodes and their JSON and binary framings.
package proto

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// RequestID correlates a request with its response or error frame.
type RequestID string

func NewRequestID() RequestID { return RequestID(uuid.NewString()) }

// NetworkingNodeID identifies a charging station, local controller or CSMS.
type NetworkingNodeID string

func (id NetworkingNodeID) IsZero() bool { return id == "" }

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	Call       MessageType = 2
	CallResult MessageType = 3
	CallError  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case Call:
		return "CALL"
	case CallResult:
		return "CALLRESULT"
	case CallError:
		return "CALLERROR"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// ErrorCode is the OCPP-J CALLERROR code.
type ErrorCode string

const (
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	GenericError                  ErrorCode = "GenericError"
	RpcFrameworkError             ErrorCode = "RpcFrameworkError"
	MessageTypeNotSupported       ErrorCode = "MessageTypeNotSupported"
)

// NetworkPath is the ordered list of hops a frame traversed, origin first.
// Values are immutable: Append returns a new path.
type NetworkPath struct {
	hops []NetworkingNodeID
}

func NewNetworkPath(hops ...NetworkingNodeID) NetworkPath {
	return NetworkPath{hops: slices.Clone(hops)}
}

// Append returns a copy of p extended by exactly one hop.
func (p NetworkPath) Append(hop NetworkingNodeID) NetworkPath {
	out := make([]NetworkingNodeID, len(p.hops), len(p.hops)+1)
	copy(out, p.hops)
	return NetworkPath{hops: append(out, hop)}
}

func (p NetworkPath) Len() int      { return len(p.hops) }
func (p NetworkPath) IsEmpty() bool { return len(p.hops) == 0 }
func (p NetworkPath) Hops() []NetworkingNodeID {
	return slices.Clone(p.hops)
}

// Source is the originating hop, or "" for an empty path.
func (p NetworkPath) Source() NetworkingNodeID {
	if len(p.hops) == 0 {
		return ""
	}
	return p.hops[0]
}

// Last is the hop that most recently handled the frame.
func (p NetworkPath) Last() NetworkingNodeID {
	if len(p.hops) == 0 {
		return ""
	}
	return p.hops[len(p.hops)-1]
}

func (p NetworkPath) Contains(id NetworkingNodeID) bool {
	return slices.Contains(p.hops, id)
}

func (p NetworkPath) Equal(o NetworkPath) bool {
	return slices.Equal(p.hops, o.hops)
}

func (p NetworkPath) String() string {
	return fmt.Sprint(p.hops)
}

func (p NetworkPath) MarshalJSON() ([]byte, error) {
	if p.hops == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.hops)
}

func (p *NetworkPath) UnmarshalJSON(b []byte) error {
	var hops []NetworkingNodeID
	if err := json.Unmarshal(b, &hops); err != nil {
		return err
	}
	if len(hops) == 0 {
		hops = nil
	}
	p.hops = hops
	return nil
}

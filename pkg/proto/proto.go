package proto

import (
	"encoding/json"
	"time"
)

// FrameKind discriminates the envelope variants.
type FrameKind int

const (
	KindJSONRequest FrameKind = iota + 1
	KindJSONResponse
	KindJSONError
	KindBinaryRequest
	KindBinaryResponse
)

func (k FrameKind) String() string {
	switch k {
	case KindJSONRequest:
		return "json_request"
	case KindJSONResponse:
		return "json_response"
	case KindJSONError:
		return "json_error"
	case KindBinaryRequest:
		return "binary_request"
	case KindBinaryResponse:
		return "binary_response"
	}
	return "unknown"
}

// IsBinary reports whether frames of this kind travel as binary websocket messages.
func (k FrameKind) IsBinary() bool {
	return k == KindBinaryRequest || k == KindBinaryResponse
}

// Frame is one parsed OCPP-RPC envelope.
type Frame interface {
	GetRequestID() RequestID
	Kind() FrameKind
	GetDestination() NetworkingNodeID
	GetNetworkPath() NetworkPath
}

// Routed carries the networking-node addressing shared by every envelope.
type Routed struct {
	Destination NetworkingNodeID
	NetworkPath NetworkPath
}

func (r Routed) GetDestination() NetworkingNodeID { return r.Destination }
func (r Routed) GetNetworkPath() NetworkPath      { return r.NetworkPath }

func (r Routed) extended() bool {
	return r.Destination != "" || !r.NetworkPath.IsEmpty()
}

type JSONRequest struct {
	RequestID RequestID
	Action    string
	Routed
	Payload json.RawMessage

	// Local bookkeeping, never serialized.
	Timestamp       time.Time
	Timeout         time.Duration
	EventTrackingID string
}

func (r *JSONRequest) GetRequestID() RequestID { return r.RequestID }
func (r *JSONRequest) Kind() FrameKind         { return KindJSONRequest }

type JSONResponse struct {
	RequestID RequestID
	Routed
	Payload json.RawMessage
}

func (r *JSONResponse) GetRequestID() RequestID { return r.RequestID }
func (r *JSONResponse) Kind() FrameKind         { return KindJSONResponse }

type JSONRequestError struct {
	RequestID RequestID
	Routed
	ErrorCode        ErrorCode
	ErrorDescription string
	Details          json.RawMessage
}

func (r *JSONRequestError) GetRequestID() RequestID { return r.RequestID }
func (r *JSONRequestError) Kind() FrameKind         { return KindJSONError }

func (r *JSONRequestError) Error() string {
	return string(r.ErrorCode) + ": " + r.ErrorDescription
}

type BinaryRequest struct {
	RequestID RequestID
	Action    string
	Routed
	Payload []byte

	Timestamp       time.Time
	Timeout         time.Duration
	EventTrackingID string
}

func (r *BinaryRequest) GetRequestID() RequestID { return r.RequestID }
func (r *BinaryRequest) Kind() FrameKind         { return KindBinaryRequest }

type BinaryResponse struct {
	RequestID RequestID
	Routed
	Payload []byte
}

func (r *BinaryResponse) GetRequestID() RequestID { return r.RequestID }
func (r *BinaryResponse) Kind() FrameKind         { return KindBinaryResponse }

// NewJSONRequest stamps a request with a fresh id when none is given.
func NewJSONRequest(id RequestID, action string, dest NetworkingNodeID, path NetworkPath, payload json.RawMessage, timeout time.Duration) *JSONRequest {
	if id == "" {
		id = NewRequestID()
	}
	return &JSONRequest{
		RequestID: id,
		Action:    action,
		Routed:    Routed{Destination: dest, NetworkPath: path},
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Timeout:   timeout,
	}
}

func NewBinaryRequest(id RequestID, action string, dest NetworkingNodeID, path NetworkPath, payload []byte, timeout time.Duration) *BinaryRequest {
	if id == "" {
		id = NewRequestID()
	}
	return &BinaryRequest{
		RequestID: id,
		Action:    action,
		Routed:    Routed{Destination: dest, NetworkPath: path},
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Timeout:   timeout,
	}
}

// ErrorFor builds a CALLERROR answering req along its reverse path.
func ErrorFor(id RequestID, r Routed, code ErrorCode, description string) *JSONRequestError {
	return &JSONRequestError{
		RequestID:        id,
		Routed:           Reverse(r),
		ErrorCode:        code,
		ErrorDescription: description,
		Details:          json.RawMessage("{}"),
	}
}

// Reverse addresses a reply back to the source of r.
func Reverse(r Routed) Routed {
	if r.NetworkPath.IsEmpty() {
		return Routed{}
	}
	return Routed{Destination: r.NetworkPath.Source()}
}

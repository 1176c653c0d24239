// Package ocpp defines the contract between the message-exchange core and
// per-action request/response types, together with a small set of messages
// used by networking nodes.
package ocpp

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// Header is the envelope metadata a message carries while it is processed.
// It is not part of the payload.
type Header struct {
	RequestID       proto.RequestID
	Destination     proto.NetworkingNodeID
	NetworkPath     proto.NetworkPath
	Timeout         time.Duration
	EventTrackingID string
}

// HeaderOf extracts the header of a parsed frame.
func HeaderOf(f proto.Frame) Header {
	h := Header{
		RequestID:   f.GetRequestID(),
		Destination: f.GetDestination(),
		NetworkPath: f.GetNetworkPath(),
	}
	switch v := f.(type) {
	case *proto.JSONRequest:
		h.Timeout, h.EventTrackingID = v.Timeout, v.EventTrackingID
	case *proto.BinaryRequest:
		h.Timeout, h.EventTrackingID = v.Timeout, v.EventTrackingID
	}
	return h
}

func (h Header) routed() proto.Routed {
	return proto.Routed{Destination: h.Destination, NetworkPath: h.NetworkPath}
}

// Message is implemented by every request and response type.
type Message interface {
	Action() string
	IsBinary() bool
	Meta() *Header
	Signatures() []Signature
	AddSignature(Signature)
	// SigningBytes is the serialized payload without any signatures.
	SigningBytes() ([]byte, error)
}

type Request interface {
	Message
}

type Response interface {
	Message
	Result() Result
	SetResult(Result)
}

// JSONMessage is implemented by messages exchanged as OCPP-J text frames.
type JSONMessage interface {
	ToJSON(c *Customization) (json.RawMessage, error)
}

// BinaryMessage is implemented by messages exchanged as binary frames.
type BinaryMessage interface {
	ToBinary(c *Customization) ([]byte, error)
}

// Base holds the header and signatures shared by all messages.
type Base struct {
	Header Header      `json:"-"`
	Sigs   []Signature `json:"signatures,omitempty"`
}

func (b *Base) Meta() *Header { return &b.Header }

func (b *Base) Signatures() []Signature { return slices.Clone(b.Sigs) }

func (b *Base) AddSignature(s Signature) { b.Sigs = append(b.Sigs, s) }

// ResponseBase adds the local result to Base.
type ResponseBase struct {
	Base
	result Result
}

func (r *ResponseBase) Result() Result     { return r.result }
func (r *ResponseBase) SetResult(v Result) { r.result = v }

// RespondTo addresses a response back along the request's path.
func RespondTo(req Request) Header {
	h := req.Meta()
	out := Header{RequestID: h.RequestID}
	if !h.NetworkPath.IsEmpty() {
		out.Destination = h.NetworkPath.Source()
	}
	return out
}

// RequestFrame serializes req into the envelope matching its encoding.
func RequestFrame(req Request, c *Customization) (proto.Frame, error) {
	h := req.Meta()
	if h.RequestID == "" {
		h.RequestID = proto.NewRequestID()
	}
	switch m := req.(type) {
	case BinaryMessage:
		b, err := m.ToBinary(c)
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", req.Action(), err)
		}
		return &proto.BinaryRequest{
			RequestID:       h.RequestID,
			Action:          req.Action(),
			Routed:          h.routed(),
			Payload:         b,
			Timestamp:       time.Now().UTC(),
			Timeout:         h.Timeout,
			EventTrackingID: h.EventTrackingID,
		}, nil
	case JSONMessage:
		b, err := m.ToJSON(c)
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", req.Action(), err)
		}
		return &proto.JSONRequest{
			RequestID:       h.RequestID,
			Action:          req.Action(),
			Routed:          h.routed(),
			Payload:         b,
			Timestamp:       time.Now().UTC(),
			Timeout:         h.Timeout,
			EventTrackingID: h.EventTrackingID,
		}, nil
	}
	return nil, fmt.Errorf("%s: %T has no wire encoding", req.Action(), req)
}

// ResponseFrame serializes resp into the envelope matching its encoding.
func ResponseFrame(resp Response, c *Customization) (proto.Frame, error) {
	h := resp.Meta()
	switch m := resp.(type) {
	case BinaryMessage:
		b, err := m.ToBinary(c)
		if err != nil {
			return nil, fmt.Errorf("serialize %s response: %w", resp.Action(), err)
		}
		return &proto.BinaryResponse{RequestID: h.RequestID, Routed: h.routed(), Payload: b}, nil
	case JSONMessage:
		b, err := m.ToJSON(c)
		if err != nil {
			return nil, fmt.Errorf("serialize %s response: %w", resp.Action(), err)
		}
		return &proto.JSONResponse{RequestID: h.RequestID, Routed: h.routed(), Payload: b}, nil
	}
	return nil, fmt.Errorf("%s: %T has no wire encoding", resp.Action(), resp)
}

// marshalJSON applies the customization hook for action after encoding v.
func marshalJSON(c *Customization, action string, v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.serialized(action, b)
}

// unmarshalJSON runs the parse hook for action before decoding into v.
func unmarshalJSON(c *Customization, action string, raw []byte, v any) error {
	raw, err := c.parsing(action, raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

package ocpp

import (
	"bytes"
	"encoding/json"
)

// RawRequest carries the payload of an action this node has no decoder
// for, so it can still be filtered and forwarded unchanged.
type RawRequest struct {
	Base
	action  string
	binary  bool
	Payload []byte
}

func NewRawRequest(action string, binary bool, payload []byte, h Header) *RawRequest {
	r := &RawRequest{action: action, binary: binary, Payload: bytes.Clone(payload)}
	r.Header = h
	return r
}

func (r *RawRequest) Action() string { return r.action }
func (r *RawRequest) IsBinary() bool { return r.binary }

func (r *RawRequest) SigningBytes() ([]byte, error) { return bytes.Clone(r.Payload), nil }

// AddSignature is a no-op: signatures of opaque payloads cannot be placed.
func (r *RawRequest) AddSignature(Signature) {}

func (r *RawRequest) ToJSON(c *Customization) (json.RawMessage, error) {
	return c.serialized(r.action, r.Payload)
}

// RawBinaryRequest is the binary counterpart of RawRequest. It exists as a
// separate type so RequestFrame picks the binary envelope.
type RawBinaryRequest struct {
	*RawRequest
}

func (r RawBinaryRequest) ToBinary(c *Customization) ([]byte, error) {
	return c.serialized(r.action, r.Payload)
}

// Raw wraps an undecodable payload in the request type matching its framing.
func Raw(action string, binary bool, payload []byte, h Header) Request {
	r := NewRawRequest(action, binary, payload, h)
	if binary {
		return RawBinaryRequest{r}
	}
	return r
}

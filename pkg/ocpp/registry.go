package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrDuplicateAction = errors.New("action already registered")
)

// MessageType binds an action name to its decoders. ParseRequest receives
// the raw payload (JSON text or binary bytes) plus the envelope header.
type MessageType struct {
	Action        string
	Binary        bool
	ParseRequest  func(raw []byte, h Header, c *Customization) (Request, error)
	ParseResponse func(raw []byte, req Request, h Header, c *Customization) (Response, error)
	// Failed synthesizes the response returned when no real answer exists.
	Failed func(req Request, r Result) Response
}

// Registry is the action table used to decode inbound payloads.
type Registry struct {
	mu    sync.RWMutex
	types map[string]MessageType
}

func NewRegistry(types ...MessageType) (*Registry, error) {
	r := &Registry{types: make(map[string]MessageType, len(types))}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry knows the messages shipped in this package.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(HeartbeatType, DataTransferType, BinaryDataTransferType)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Register(t MessageType) error {
	if t.Action == "" || t.ParseRequest == nil || t.ParseResponse == nil || t.Failed == nil {
		return fmt.Errorf("register %q: incomplete message type", t.Action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.Action]; ok {
		return fmt.Errorf("register %q: %w", t.Action, ErrDuplicateAction)
	}
	r.types[t.Action] = t
	return nil
}

func (r *Registry) Lookup(action string) (MessageType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[action]
	return t, ok
}

func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for a := range r.types {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ParseRequest decodes the payload of action.
func (r *Registry) ParseRequest(action string, raw []byte, h Header, c *Customization) (Request, error) {
	t, ok := r.Lookup(action)
	if !ok {
		return nil, fmt.Errorf("%q: %w", action, ErrUnknownAction)
	}
	req, err := t.ParseRequest(raw, h, c)
	if err != nil {
		return nil, WrapError(ResultCouldNotParse, err)
	}
	*req.Meta() = h
	return req, nil
}

// ParseResponse decodes the payload answering req.
func (r *Registry) ParseResponse(req Request, raw []byte, h Header, c *Customization) (Response, error) {
	t, ok := r.Lookup(req.Action())
	if !ok {
		return nil, fmt.Errorf("%q: %w", req.Action(), ErrUnknownAction)
	}
	resp, err := t.ParseResponse(raw, req, h, c)
	if err != nil {
		return nil, WrapError(ResultCouldNotParse, err)
	}
	*resp.Meta() = h
	resp.SetResult(OK())
	return resp, nil
}

// Failed returns the synthesized failure response for req.
func (r *Registry) Failed(req Request, res Result) Response {
	var resp Response
	if t, ok := r.Lookup(req.Action()); ok {
		resp = t.Failed(req, res)
	} else {
		resp = &FailedResponse{action: req.Action()}
	}
	*resp.Meta() = RespondTo(req)
	resp.SetResult(res)
	return resp
}

// FailedResponse answers actions the registry does not know.
type FailedResponse struct {
	ResponseBase
	action string
}

func (r *FailedResponse) Action() string { return r.action }
func (r *FailedResponse) IsBinary() bool { return false }

func (r *FailedResponse) SigningBytes() ([]byte, error) {
	return []byte("{}"), nil
}

func (r *FailedResponse) ToJSON(*Customization) (json.RawMessage, error) {
	return json.RawMessage("{}"), nil
}

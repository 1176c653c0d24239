package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DragonSecurity/ocppnet/pkg/wire"
)

// FrameError reports an envelope that could not be decoded. RequestID is set
// when the id was recoverable so the peer can still be answered.
type FrameError struct {
	Code      ErrorCode
	RequestID RequestID
	Reason    string
	Err       error
}

func (e *FrameError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request %s): %s", e.Code, e.RequestID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Reply builds the CALLERROR answering an unparseable frame, or nil when the
// request id was lost.
func (e *FrameError) Reply() *JSONRequestError {
	if e.RequestID == "" {
		return nil
	}
	return ErrorFor(e.RequestID, Routed{}, e.Code, e.Reason)
}

var emptyObject = json.RawMessage("{}")

func orEmpty(m json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(m)) == 0 {
		return emptyObject
	}
	return m
}

func withRoute(elems []any, r Routed) []any {
	if !r.extended() {
		return elems
	}
	return append(elems, string(r.Destination), r.NetworkPath)
}

// ToJSON encodes the request as an OCPP-J CALL.
func (r *JSONRequest) ToJSON() ([]byte, error) {
	return json.Marshal(withRoute([]any{int(Call), string(r.RequestID), r.Action, orEmpty(r.Payload)}, r.Routed))
}

// ToJSON encodes the response as an OCPP-J CALLRESULT.
func (r *JSONResponse) ToJSON() ([]byte, error) {
	return json.Marshal(withRoute([]any{int(CallResult), string(r.RequestID), orEmpty(r.Payload)}, r.Routed))
}

// ToJSON encodes the error as an OCPP-J CALLERROR.
func (r *JSONRequestError) ToJSON() ([]byte, error) {
	code := r.ErrorCode
	if code == "" {
		code = GenericError
	}
	return json.Marshal(withRoute([]any{int(CallError), string(r.RequestID), string(code), r.ErrorDescription, orEmpty(r.Details)}, r.Routed))
}

// ParseJSONFrame decodes an OCPP-J array. Both the plain shape and the shape
// extended by destination and network path are accepted.
func ParseJSONFrame(data []byte) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, &FrameError{Code: FormationViolation, Reason: "frame is not a JSON array", Err: err}
	}
	if len(elems) < 3 {
		return nil, &FrameError{Code: ProtocolError, Reason: fmt.Sprintf("frame has %d elements", len(elems))}
	}

	var typ int
	if err := json.Unmarshal(elems[0], &typ); err != nil {
		return nil, &FrameError{Code: FormationViolation, Reason: "message type is not an integer", Err: err}
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil || id == "" {
		return nil, &FrameError{Code: FormationViolation, Reason: "request id is not a non-empty string", Err: err}
	}
	rid := RequestID(id)
	fail := func(code ErrorCode, reason string, err error) (Frame, error) {
		return nil, &FrameError{Code: code, RequestID: rid, Reason: reason, Err: err}
	}

	var base int
	switch MessageType(typ) {
	case Call:
		base = 4
	case CallResult:
		base = 3
	case CallError:
		base = 5
	default:
		return fail(MessageTypeNotSupported, fmt.Sprintf("message type %d", typ), nil)
	}
	if len(elems) != base && len(elems) != base+2 {
		return fail(ProtocolError, fmt.Sprintf("%s frame has %d elements", MessageType(typ), len(elems)), nil)
	}

	var routed Routed
	if len(elems) == base+2 {
		var dest string
		if err := json.Unmarshal(elems[base], &dest); err != nil {
			return fail(FormationViolation, "destination is not a string", err)
		}
		var path NetworkPath
		if err := json.Unmarshal(elems[base+1], &path); err != nil {
			return fail(FormationViolation, "network path is not a string array", err)
		}
		routed = Routed{Destination: NetworkingNodeID(dest), NetworkPath: path}
	}

	switch MessageType(typ) {
	case Call:
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			return fail(FormationViolation, "action is not a non-empty string", err)
		}
		return &JSONRequest{RequestID: rid, Action: action, Routed: routed, Payload: elems[3]}, nil
	case CallResult:
		return &JSONResponse{RequestID: rid, Routed: routed, Payload: elems[2]}, nil
	default:
		var code, desc string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return fail(FormationViolation, "error code is not a string", err)
		}
		if err := json.Unmarshal(elems[3], &desc); err != nil {
			return fail(FormationViolation, "error description is not a string", err)
		}
		return &JSONRequestError{
			RequestID:        rid,
			Routed:           routed,
			ErrorCode:        ErrorCode(code),
			ErrorDescription: desc,
			Details:          elems[4],
		}, nil
	}
}

func writeBinaryHeader(w *wire.Writer, t MessageType, id RequestID, action string, r Routed) {
	w.Uint8(uint8(t))
	w.String16(string(id))
	if t == Call {
		w.String16(action)
	}
	w.String16(string(r.Destination))
	hops := r.NetworkPath.Hops()
	if len(hops) > wire.MaxString16 {
		w.Fail(fmt.Errorf("network path has %d hops", len(hops)))
		return
	}
	w.Uint16(uint16(len(hops)))
	for _, h := range hops {
		w.String16(string(h))
	}
}

// ToBinary encodes the request as a binary RPC envelope.
func (r *BinaryRequest) ToBinary() ([]byte, error) {
	w := wire.NewPlainWriter()
	writeBinaryHeader(w, Call, r.RequestID, r.Action, r.Routed)
	w.Bytes64(r.Payload)
	return w.Bytes()
}

// ToBinary encodes the response as a binary RPC envelope.
func (r *BinaryResponse) ToBinary() ([]byte, error) {
	w := wire.NewPlainWriter()
	writeBinaryHeader(w, CallResult, r.RequestID, "", r.Routed)
	w.Bytes64(r.Payload)
	return w.Bytes()
}

// ParseBinaryFrame decodes a binary RPC envelope.
func ParseBinaryFrame(data []byte) (Frame, error) {
	rd := wire.NewReader(data)
	var rid RequestID
	fail := func(code ErrorCode, reason string, err error) (Frame, error) {
		return nil, &FrameError{Code: code, RequestID: rid, Reason: reason, Err: err}
	}

	t, err := rd.Uint8()
	if err != nil {
		return fail(FormationViolation, "empty binary frame", err)
	}
	id, err := rd.String16()
	if err != nil {
		return fail(FormationViolation, "reading request id", err)
	}
	rid = RequestID(id)
	mt := MessageType(t)
	if mt != Call && mt != CallResult {
		return fail(MessageTypeNotSupported, fmt.Sprintf("binary message type %d", t), nil)
	}
	if rid == "" {
		return nil, &FrameError{Code: FormationViolation, Reason: "empty request id"}
	}

	var action string
	if mt == Call {
		if action, err = rd.String16(); err != nil {
			return fail(FormationViolation, "reading action", err)
		}
	}
	dest, err := rd.String16()
	if err != nil {
		return fail(FormationViolation, "reading destination", err)
	}
	n, err := rd.Uint16()
	if err != nil {
		return fail(FormationViolation, "reading network path", err)
	}
	// Every hop takes at least its two byte length prefix.
	hops := make([]NetworkingNodeID, 0, min(int(n), rd.Remaining()/2))
	for i := 0; i < int(n); i++ {
		h, err := rd.String16()
		if err != nil {
			return fail(FormationViolation, "reading network path", err)
		}
		hops = append(hops, NetworkingNodeID(h))
	}
	payload, err := rd.Bytes64()
	if err != nil {
		return fail(FormationViolation, "reading payload", err)
	}
	if err := rd.Done(); err != nil {
		return fail(FormationViolation, "trailing bytes", err)
	}

	routed := Routed{Destination: NetworkingNodeID(dest)}
	if n > 0 {
		routed.NetworkPath = NewNetworkPath(hops...)
	}
	if mt == Call {
		if action == "" {
			return fail(FormationViolation, "empty action", nil)
		}
		return &BinaryRequest{RequestID: rid, Action: action, Routed: routed, Payload: payload}, nil
	}
	return &BinaryResponse{RequestID: rid, Routed: routed, Payload: payload}, nil
}

// IsFrameError reports whether err is a *FrameError and returns it.
func IsFrameError(err error) (*FrameError, bool) {
	var fe *FrameError
	ok := errors.As(err, &fe)
	return fe, ok
}

// MessageKind is the websocket message type a frame travels in. The values
// match gorilla/websocket's TextMessage and BinaryMessage.
type MessageKind int

const (
	TextMessage   MessageKind = 1
	BinaryMessage MessageKind = 2
)

func (k MessageKind) String() string {
	if k == BinaryMessage {
		return "binary"
	}
	return "text"
}

// Encode serializes any envelope and reports the message kind to send it as.
func Encode(f Frame) (MessageKind, []byte, error) {
	switch v := f.(type) {
	case *JSONRequest:
		b, err := v.ToJSON()
		return TextMessage, b, err
	case *JSONResponse:
		b, err := v.ToJSON()
		return TextMessage, b, err
	case *JSONRequestError:
		b, err := v.ToJSON()
		return TextMessage, b, err
	case *BinaryRequest:
		b, err := v.ToBinary()
		return BinaryMessage, b, err
	case *BinaryResponse:
		b, err := v.ToBinary()
		return BinaryMessage, b, err
	}
	return 0, nil, fmt.Errorf("cannot encode %T", f)
}

// Decode parses data according to the websocket message kind it arrived in.
func Decode(kind MessageKind, data []byte) (Frame, error) {
	if kind == BinaryMessage {
		return ParseBinaryFrame(data)
	}
	return ParseJSONFrame(data)
}

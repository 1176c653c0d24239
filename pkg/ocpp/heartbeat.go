package ocpp

import (
	"encoding/json"
	"time"
)

const ActionHeartbeat = "Heartbeat"

type HeartbeatRequest struct {
	Base
}

func (*HeartbeatRequest) Action() string { return ActionHeartbeat }
func (*HeartbeatRequest) IsBinary() bool { return false }

func (r *HeartbeatRequest) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Sigs = nil
	return json.Marshal(&cp)
}

func (r *HeartbeatRequest) ToJSON(c *Customization) (json.RawMessage, error) {
	return marshalJSON(c, ActionHeartbeat, r)
}

type HeartbeatResponse struct {
	ResponseBase
	CurrentTime time.Time `json:"currentTime"`
}

func (*HeartbeatResponse) Action() string { return ActionHeartbeat }
func (*HeartbeatResponse) IsBinary() bool { return false }

func (r *HeartbeatResponse) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Sigs = nil
	return json.Marshal(&cp)
}

func (r *HeartbeatResponse) ToJSON(c *Customization) (json.RawMessage, error) {
	return marshalJSON(c, ActionHeartbeat, r)
}

var HeartbeatType = MessageType{
	Action: ActionHeartbeat,
	ParseRequest: func(raw []byte, _ Header, c *Customization) (Request, error) {
		var r HeartbeatRequest
		if err := unmarshalJSON(c, ActionHeartbeat, raw, &r); err != nil {
			return nil, err
		}
		return &r, nil
	},
	ParseResponse: func(raw []byte, _ Request, _ Header, c *Customization) (Response, error) {
		var r HeartbeatResponse
		if err := unmarshalJSON(c, ActionHeartbeat, raw, &r); err != nil {
			return nil, err
		}
		return &r, nil
	},
	Failed: func(Request, Result) Response {
		return &HeartbeatResponse{CurrentTime: time.Now().UTC()}
	},
}

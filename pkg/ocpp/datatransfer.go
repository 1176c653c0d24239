package ocpp

import (
	"encoding/json"
	"errors"
)

const ActionDataTransfer = "DataTransfer"

// DataTransferStatus is shared by the JSON and binary data transfer messages.
type DataTransferStatus string

const (
	DataTransferAccepted         DataTransferStatus = "Accepted"
	DataTransferRejected         DataTransferStatus = "Rejected"
	DataTransferUnknownMessageID DataTransferStatus = "UnknownMessageId"
	DataTransferUnknownVendorID  DataTransferStatus = "UnknownVendorId"
)

type StatusInfo struct {
	ReasonCode     string `json:"reasonCode"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

type DataTransferRequest struct {
	Base
	VendorID  string          `json:"vendorId"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (*DataTransferRequest) Action() string { return ActionDataTransfer }
func (*DataTransferRequest) IsBinary() bool { return false }

func (r *DataTransferRequest) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Sigs = nil
	return json.Marshal(&cp)
}

func (r *DataTransferRequest) ToJSON(c *Customization) (json.RawMessage, error) {
	return marshalJSON(c, ActionDataTransfer, r)
}

type DataTransferResponse struct {
	ResponseBase
	Status     DataTransferStatus `json:"status"`
	StatusInfo *StatusInfo        `json:"statusInfo,omitempty"`
	Data       json.RawMessage    `json:"data,omitempty"`
}

func (*DataTransferResponse) Action() string { return ActionDataTransfer }
func (*DataTransferResponse) IsBinary() bool { return false }

func (r *DataTransferResponse) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Sigs = nil
	return json.Marshal(&cp)
}

func (r *DataTransferResponse) ToJSON(c *Customization) (json.RawMessage, error) {
	return marshalJSON(c, ActionDataTransfer, r)
}

var DataTransferType = MessageType{
	Action: ActionDataTransfer,
	ParseRequest: func(raw []byte, _ Header, c *Customization) (Request, error) {
		var r DataTransferRequest
		if err := unmarshalJSON(c, ActionDataTransfer, raw, &r); err != nil {
			return nil, err
		}
		if r.VendorID == "" {
			return nil, errors.New("DataTransfer: vendorId is required")
		}
		return &r, nil
	},
	ParseResponse: func(raw []byte, _ Request, _ Header, c *Customization) (Response, error) {
		var r DataTransferResponse
		if err := unmarshalJSON(c, ActionDataTransfer, raw, &r); err != nil {
			return nil, err
		}
		if r.Status == "" {
			return nil, errors.New("DataTransfer: status is required")
		}
		return &r, nil
	},
	Failed: func(_ Request, res Result) Response {
		return &DataTransferResponse{
			Status:     DataTransferRejected,
			StatusInfo: &StatusInfo{ReasonCode: string(res.Code), AdditionalInfo: res.Description},
		}
	},
}

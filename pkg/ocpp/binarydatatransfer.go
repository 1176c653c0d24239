package ocpp

import (
	"errors"
	"fmt"

	"github.com/DragonSecurity/ocppnet/pkg/wire"
)

const ActionBinaryDataTransfer = "BinaryDataTransfer"

// TLV tags of the BinaryDataTransfer payloads.
const (
	tagVendorID   uint16 = 1
	tagMessageID  uint16 = 2
	tagStatus     uint16 = 1
	tagStatusInfo uint16 = 2
	tagData       uint16 = 3
)

var compactStatus = []DataTransferStatus{
	DataTransferAccepted,
	DataTransferRejected,
	DataTransferUnknownMessageID,
	DataTransferUnknownVendorID,
}

func statusByte(s DataTransferStatus) (uint8, error) {
	for i, v := range compactStatus {
		if v == s {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("status %q has no compact encoding", s)
}

func statusFromByte(b uint8) (DataTransferStatus, error) {
	if int(b) >= len(compactStatus) {
		return "", fmt.Errorf("unknown compact status %d", b)
	}
	return compactStatus[b], nil
}

func checkStatus(s DataTransferStatus) error {
	_, err := statusByte(s)
	return err
}

type BinaryDataTransferRequest struct {
	Base
	Format    wire.Format
	VendorID  string
	MessageID string
	Data      []byte
}

func (*BinaryDataTransferRequest) Action() string { return ActionBinaryDataTransfer }
func (*BinaryDataTransferRequest) IsBinary() bool { return true }

func (r *BinaryDataTransferRequest) format() wire.Format {
	if r.Format == wire.FormatUnknown {
		return wire.FormatCompact
	}
	return r.Format
}

func (r *BinaryDataTransferRequest) encode(sigs []Signature) ([]byte, error) {
	w := wire.NewWriter(r.format())
	switch r.format() {
	case wire.FormatCompact, wire.FormatTextIds:
		w.String16(r.VendorID)
		w.String16(r.MessageID)
		w.Bytes64(r.Data)
	case wire.FormatTagLengthValue:
		w.TLV(tagVendorID, []byte(r.VendorID))
		if r.MessageID != "" {
			w.TLV(tagMessageID, []byte(r.MessageID))
		}
		if len(r.Data) > 0 {
			w.TLV(tagData, r.Data)
		}
		w.End()
	default:
		return nil, wire.ErrUnknownFormat
	}
	writeSignatures(w, sigs)
	return w.Bytes()
}

func (r *BinaryDataTransferRequest) SigningBytes() ([]byte, error) {
	return r.encode(nil)
}

func (r *BinaryDataTransferRequest) ToBinary(c *Customization) ([]byte, error) {
	b, err := r.encode(r.Sigs)
	if err != nil {
		return nil, err
	}
	return c.serialized(ActionBinaryDataTransfer, b)
}

func ParseBinaryDataTransferRequest(raw []byte, c *Customization) (*BinaryDataTransferRequest, error) {
	raw, err := c.parsing(ActionBinaryDataTransfer, raw)
	if err != nil {
		return nil, err
	}
	rd := wire.NewReader(raw)
	f, err := rd.Format()
	if err != nil {
		return nil, err
	}
	r := &BinaryDataTransferRequest{Format: f}
	switch f {
	case wire.FormatCompact, wire.FormatTextIds:
		if r.VendorID, err = rd.String16(); err != nil {
			return nil, err
		}
		if r.MessageID, err = rd.String16(); err != nil {
			return nil, err
		}
		if r.Data, err = rd.Bytes64(); err != nil {
			return nil, err
		}
	case wire.FormatTagLengthValue:
		recs, err := rd.TLVs()
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			switch rec.Tag {
			case tagVendorID:
				r.VendorID = string(rec.Value)
			case tagMessageID:
				r.MessageID = string(rec.Value)
			case tagData:
				r.Data = rec.Value
			}
		}
	}
	if r.Sigs, err = readSignatures(rd); err != nil {
		return nil, err
	}
	if err := rd.Done(); err != nil {
		return nil, err
	}
	if r.VendorID == "" {
		return nil, errors.New("BinaryDataTransfer: vendorId is required")
	}
	if len(r.Data) == 0 {
		r.Data = nil
	}
	return r, nil
}

type BinaryDataTransferResponse struct {
	ResponseBase
	Format               wire.Format
	Status               DataTransferStatus
	AdditionalStatusInfo string
	Data                 []byte
}

func (*BinaryDataTransferResponse) Action() string { return ActionBinaryDataTransfer }
func (*BinaryDataTransferResponse) IsBinary() bool { return true }

func (r *BinaryDataTransferResponse) format() wire.Format {
	if r.Format == wire.FormatUnknown {
		return wire.FormatCompact
	}
	return r.Format
}

func (r *BinaryDataTransferResponse) encode(sigs []Signature) ([]byte, error) {
	w := wire.NewWriter(r.format())
	switch r.format() {
	case wire.FormatCompact:
		b, err := statusByte(r.Status)
		if err != nil {
			return nil, err
		}
		w.Uint8(b)
		w.String16(r.AdditionalStatusInfo)
		w.Bytes64(r.Data)
	case wire.FormatTextIds:
		if err := checkStatus(r.Status); err != nil {
			return nil, err
		}
		w.String16(string(r.Status))
		w.String16(r.AdditionalStatusInfo)
		w.Bytes64(r.Data)
	case wire.FormatTagLengthValue:
		if err := checkStatus(r.Status); err != nil {
			return nil, err
		}
		w.TLV(tagStatus, []byte(r.Status))
		if r.AdditionalStatusInfo != "" {
			w.TLV(tagStatusInfo, []byte(r.AdditionalStatusInfo))
		}
		if len(r.Data) > 0 {
			w.TLV(tagData, r.Data)
		}
		w.End()
	default:
		return nil, wire.ErrUnknownFormat
	}
	writeSignatures(w, sigs)
	return w.Bytes()
}

func (r *BinaryDataTransferResponse) SigningBytes() ([]byte, error) {
	return r.encode(nil)
}

func (r *BinaryDataTransferResponse) ToBinary(c *Customization) ([]byte, error) {
	b, err := r.encode(r.Sigs)
	if err != nil {
		return nil, err
	}
	return c.serialized(ActionBinaryDataTransfer, b)
}

func ParseBinaryDataTransferResponse(raw []byte, c *Customization) (*BinaryDataTransferResponse, error) {
	raw, err := c.parsing(ActionBinaryDataTransfer, raw)
	if err != nil {
		return nil, err
	}
	rd := wire.NewReader(raw)
	f, err := rd.Format()
	if err != nil {
		return nil, err
	}
	r := &BinaryDataTransferResponse{Format: f}
	switch f {
	case wire.FormatCompact:
		b, err := rd.Uint8()
		if err != nil {
			return nil, err
		}
		if r.Status, err = statusFromByte(b); err != nil {
			return nil, err
		}
		if r.AdditionalStatusInfo, err = rd.String16(); err != nil {
			return nil, err
		}
		if r.Data, err = rd.Bytes64(); err != nil {
			return nil, err
		}
	case wire.FormatTextIds:
		s, err := rd.String16()
		if err != nil {
			return nil, err
		}
		r.Status = DataTransferStatus(s)
		if r.AdditionalStatusInfo, err = rd.String16(); err != nil {
			return nil, err
		}
		if r.Data, err = rd.Bytes64(); err != nil {
			return nil, err
		}
	case wire.FormatTagLengthValue:
		recs, err := rd.TLVs()
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			switch rec.Tag {
			case tagStatus:
				r.Status = DataTransferStatus(rec.Value)
			case tagStatusInfo:
				r.AdditionalStatusInfo = string(rec.Value)
			case tagData:
				r.Data = rec.Value
			}
		}
	}
	if err := checkStatus(r.Status); err != nil {
		return nil, err
	}
	if r.Sigs, err = readSignatures(rd); err != nil {
		return nil, err
	}
	if err := rd.Done(); err != nil {
		return nil, err
	}
	if len(r.Data) == 0 {
		r.Data = nil
	}
	return r, nil
}

var BinaryDataTransferType = MessageType{
	Action: ActionBinaryDataTransfer,
	Binary: true,
	ParseRequest: func(raw []byte, _ Header, c *Customization) (Request, error) {
		return ParseBinaryDataTransferRequest(raw, c)
	},
	ParseResponse: func(raw []byte, _ Request, _ Header, c *Customization) (Response, error) {
		return ParseBinaryDataTransferResponse(raw, c)
	},
	Failed: func(req Request, res Result) Response {
		resp := &BinaryDataTransferResponse{Status: DataTransferRejected, AdditionalStatusInfo: res.String()}
		if r, ok := req.(*BinaryDataTransferRequest); ok {
			resp.Format = r.format()
		}
		return resp
	},
}
